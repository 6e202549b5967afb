package jobs

import (
	"context"
	"encoding/json"
)

// EventSink receives progress and intermediate status events from an executing
// handler and exposes the cooperative cancellation probe. The registry passes
// a sink into every Execute call; handlers never talk to subscribers directly.
type EventSink interface {
	// Progress broadcasts a job_progress payload to subscribers of this job.
	Progress(payload map[string]interface{})

	// Status broadcasts an intermediate status string. The registry forwards
	// it verbatim but never lets it override a terminal status already
	// recorded.
	Status(status string, extra map[string]interface{})

	// Cancelled reports whether cancellation has been requested for this job.
	// Long-running handlers should poll this between steps and bail out.
	Cancelled() bool
}

// Handler executes jobs of one task type, registered under a string tag.
//
// Implementations own identity derivation (usually DeriveParamsID over the
// full parameter map) and the actual work. Handlers that want their completed
// results cached on disk additionally implement Cacheable.
type Handler interface {
	// DeriveID maps a parameter map to the job's content-addressed id.
	DeriveID(params map[string]interface{}) (string, error)

	// Execute performs the work and returns the result mapping broadcast to
	// subscribers. Blocking phases should be offloaded so the executor's
	// concurrency permit covers wall-clock work, not scheduler time.
	Execute(ctx context.Context, params map[string]interface{}, sink EventSink) (map[string]interface{}, error)
}

// CachePolicy describes how a handler's completed results are stored on disk.
type CachePolicy struct {
	Dir         string
	Suffix      string
	Serialize   func(result map[string]interface{}) ([]byte, error)
	Deserialize func(data []byte) (map[string]interface{}, error)
}

// Cacheable is implemented by handlers whose completed results should be
// written to the cache store and replayed on the next sighting of the same id.
type Cacheable interface {
	CachePolicy() CachePolicy
}

// DefaultCachePolicy returns the JSON-on-disk policy with the ".cache" suffix.
// Handlers producing binary artifacts override Suffix and the codec pair.
func DefaultCachePolicy(dir string) CachePolicy {
	return CachePolicy{
		Dir:    dir,
		Suffix: ".cache",
		Serialize: func(result map[string]interface{}) ([]byte, error) {
			return json.Marshal(result)
		},
		Deserialize: func(data []byte) (map[string]interface{}, error) {
			var result map[string]interface{}
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, err
			}
			return result, nil
		},
	}
}
