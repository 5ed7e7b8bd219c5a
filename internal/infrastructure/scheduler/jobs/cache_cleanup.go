package jobs

import (
	"context"
	"sync/atomic"

	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
)

// CacheCleanupJob sweeps expired cache entries and trims the cache to
// MaxEntries.
type CacheCleanupJob struct {
	cache      *cache.Manager
	maxEntries int

	last atomic.Pointer[cache.CleanupReport]
}

// NewCacheCleanupJob creates the job. maxEntries <= 0 only drops expired
// entries.
func NewCacheCleanupJob(cm *cache.Manager, maxEntries int) *CacheCleanupJob {
	return &CacheCleanupJob{cache: cm, maxEntries: maxEntries}
}

func (j *CacheCleanupJob) Name() string { return "cache_cleanup" }

func (j *CacheCleanupJob) Description() string {
	return "Removes expired cache entries and evicts low-priority ones over the size limit"
}

func (j *CacheCleanupJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report := j.cache.Cleanup(j.maxEntries)
	j.last.Store(&report)
	return nil
}

// RunStats reports what the latest pass removed.
func (j *CacheCleanupJob) RunStats() any {
	if report := j.last.Load(); report != nil {
		return *report
	}
	return nil
}
