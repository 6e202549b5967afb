// Package jobs provides the content-addressed job registry and
// concurrency-bounded execution engine.
//
// Jobs are identified by the SHA-256 digest of their canonical parameter
// encoding, so submitting the same parameters twice yields the same job. The
// registry deduplicates live entries, short-circuits completed work through an
// on-disk result cache, and fans lifecycle events out to subscribers through a
// broadcast callback installed by the server.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/renderq/renderq/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing. Terminal entries keep
// their status for the life of the process; failed and cancelled entries are
// replaced wholesale on retry rather than mutated.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is an entry in the registry. Params and Result are immutable once set;
// everything else is mutated only under the registry lock.
type Job struct {
	ID          string                 `json:"id"`
	TaskType    string                 `json:"task_type"`
	Params      map[string]interface{} `json:"params"`
	Status      JobStatus              `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Snapshot returns a copy safe to read outside the registry lock.
func (j *Job) Snapshot() *Job {
	c := *j
	return &c
}

// DeriveParamsID returns the SHA-256 hex digest of the canonical JSON encoding
// of a parameter map. encoding/json emits object keys in code-point-sorted
// order with no insignificant whitespace, so identical parameter maps hash
// identically regardless of construction order. The canonical encoding exists
// only for identity derivation and never appears on the wire.
func DeriveParamsID(params map[string]interface{}) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize job parameters")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
