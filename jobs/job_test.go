package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveParamsIDIsOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": 2}
	b := map[string]interface{}{"b": 2, "a": 1}

	idA, err := DeriveParamsID(a)
	require.NoError(t, err)
	idB, err := DeriveParamsID(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
	assert.Len(t, idA, 64) // lowercase hex sha256
	assert.Regexp(t, "^[0-9a-f]{64}$", idA)
}

func TestDeriveParamsIDDistinguishesValues(t *testing.T) {
	idA, err := DeriveParamsID(map[string]interface{}{"x": 1})
	require.NoError(t, err)
	idB, err := DeriveParamsID(map[string]interface{}{"x": 2})
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestDeriveParamsIDHandlesNesting(t *testing.T) {
	a := map[string]interface{}{"outer": map[string]interface{}{"p": "x", "q": "y"}}
	b := map[string]interface{}{"outer": map[string]interface{}{"q": "y", "p": "x"}}

	idA, err := DeriveParamsID(a)
	require.NoError(t, err)
	idB, err := DeriveParamsID(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
}

func TestStatusTerminality(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestSnapshotIsACopy(t *testing.T) {
	job := &Job{ID: "j1", Status: StatusPending}
	snap := job.Snapshot()

	job.Status = StatusProcessing
	assert.Equal(t, StatusPending, snap.Status)
}
