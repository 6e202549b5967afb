package jobs

import (
	"os"
	"path/filepath"

	"github.com/renderq/renderq/errors"
)

// The cache store is a flat key-value byte store on the filesystem:
// <dir>/<job_id><suffix>. It is an optimization, not a journal — the in-memory
// registry stays authoritative, and every failure path here falls back to
// re-execution. Writes for a given job id are serialized through the single
// post-execute path, so no locking is needed within the process.

// CachePath returns the full cache file path for a job id.
func CachePath(jobID, suffix, dir string) string {
	return filepath.Join(dir, jobID+suffix)
}

// CacheExists reports whether a cache blob exists for the given job id.
func CacheExists(jobID, suffix, dir string) bool {
	_, err := os.Stat(CachePath(jobID, suffix, dir))
	return err == nil
}

// ReadCache reads a cache blob. Returns (nil, nil) when the file is absent.
func ReadCache(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read cache file %s", path)
	}
	return data, nil
}

// WriteCache writes a cache blob, creating parent directories as needed.
func WriteCache(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create cache directory for %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write cache file %s", path)
	}
	return nil
}

// DeleteCache removes a cache blob. Returns true if a file was deleted.
func DeleteCache(path string) bool {
	if err := os.Remove(path); err != nil {
		return false
	}
	return true
}
