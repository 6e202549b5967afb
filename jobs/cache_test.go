package jobs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := CachePath("abc123", ".cache", dir)
	assert.Equal(t, filepath.Join(dir, "abc123.cache"), path)

	assert.False(t, CacheExists("abc123", ".cache", dir))

	require.NoError(t, WriteCache(path, []byte(`{"filename":"x.png"}`)))
	assert.True(t, CacheExists("abc123", ".cache", dir))

	data, err := ReadCache(path)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"filename":"x.png"}`), data)
}

func TestReadCacheMissingReturnsNil(t *testing.T) {
	data, err := ReadCache(filepath.Join(t.TempDir(), "nope.cache"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestWriteCacheCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "id.cache")
	require.NoError(t, WriteCache(path, []byte("blob")))

	data, err := ReadCache(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)
}

func TestDeleteCache(t *testing.T) {
	dir := t.TempDir()
	path := CachePath("gone", ".cache", dir)

	assert.False(t, DeleteCache(path))

	require.NoError(t, WriteCache(path, []byte("x")))
	assert.True(t, DeleteCache(path))
	assert.False(t, CacheExists("gone", ".cache", dir))
}
