package jobs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/renderq/renderq/errors"
)

// Janitor sweeps expired blobs out of the cache directory on a schedule.
// The in-memory registry never depends on the cache, so sweeping a blob only
// costs a re-execution on the next cold sighting of that id.
type Janitor struct {
	scheduler gocron.Scheduler
	cacheDir  string
	ttl       time.Duration
	logger    *zap.SugaredLogger
}

// NewJanitor creates a cache janitor sweeping hourly. A zero ttl makes every
// sweep remove all blobs in the directory; the serve command does not construct
// a janitor when the configured TTL is zero.
func NewJanitor(cacheDir string, ttl time.Duration, log *zap.SugaredLogger) (*Janitor, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create janitor scheduler")
	}

	j := &Janitor{
		scheduler: scheduler,
		cacheDir:  cacheDir,
		ttl:       ttl,
		logger:    log.Named("janitor"),
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(j.sweep),
	); err != nil {
		return nil, errors.Wrap(err, "failed to schedule cache sweep")
	}

	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.scheduler.Start()
	j.logger.Infow("Cache janitor started",
		"cache_dir", j.cacheDir,
		"ttl", j.ttl,
	)
}

// Stop shuts the scheduler down.
func (j *Janitor) Stop() {
	if err := j.scheduler.Shutdown(); err != nil {
		j.logger.Warnw("Janitor shutdown error", "error", err)
	}
}

// sweep removes cache blobs whose modification time is older than the TTL.
func (j *Janitor) sweep() {
	cutoff := time.Now().Add(-j.ttl)
	removed := 0

	entries, err := os.ReadDir(j.cacheDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warnw("Cache sweep failed to read directory",
				"cache_dir", j.cacheDir,
				"error", err,
			)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if DeleteCache(filepath.Join(j.cacheDir, entry.Name())) {
				removed++
			}
		}
	}

	if removed > 0 {
		j.logger.Infow("Cache sweep removed expired blobs",
			"removed", removed,
			"cache_dir", j.cacheDir,
		)
	}
}
