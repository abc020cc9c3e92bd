package resolve

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	tunecache "github.com/tunecache/tunecache"
)

// BatchConfig controls batch resolution.
type BatchConfig struct {
	// MaxConcurrent bounds how many fetch resolutions run at once.
	// Default is 5.
	MaxConcurrent int

	// ProgressEvery fires the progress callback after every Nth miss
	// completion. Default is 3.
	ProgressEvery int
}

// ProgressFunc is notified as a batch advances. done counts completed
// keys (delivered or failed) and total is the batch size. Notifications
// are advisory: they are called best-effort and never gate progress.
type ProgressFunc func(done, total int)

// BatchResult summarizes one batch.
type BatchResult struct {
	Total   int
	Cached  int
	Fetched int
	Failed  int
}

// ResolveBatch resolves an ordered set of keys for one destination.
// Keys already present in either cache are delivered first, sequentially,
// in their input order. The remaining misses are dispatched through the
// fetch path under an admission limiter. Duplicates are processed
// independently; the per-key caches make the second occurrence cheap.
// A failed key never aborts its siblings.
func (r *Resolver) ResolveBatch(ctx context.Context, dest tunecache.Destination, keys []tunecache.ContentKey, cfg BatchConfig, onProgress ProgressFunc) BatchResult {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 3
	}

	batchID := uuid.NewString()
	logger := r.logger.With("batch_id", batchID)

	// Partition into cached and miss subsets, preserving relative order.
	var cachedKeys, missKeys []tunecache.ContentKey
	for _, key := range keys {
		if r.isCached(ctx, key) {
			cachedKeys = append(cachedKeys, key)
		} else {
			missKeys = append(missKeys, key)
		}
	}

	logger.Info("starting batch",
		"total", len(keys), "cached", len(cachedKeys), "misses", len(missKeys))

	result := BatchResult{Total: len(keys)}

	// Cached subset: sequential, in input order. A key that unexpectedly
	// fails both reuse paths gets one full resolve, which may fetch.
	for _, key := range cachedKeys {
		if _, ok := r.deliverCached(ctx, dest, key); ok {
			result.Cached++
			continue
		}
		source, err := r.Resolve(ctx, dest, key)
		switch {
		case err != nil:
			logger.Warn("failed to resolve cached key", "key", key, "error", err)
			result.Failed++
		case source == SourceFetched:
			result.Fetched++
		default:
			result.Cached++
		}
	}

	if len(missKeys) == 0 {
		if onProgress != nil {
			onProgress(result.Total-result.Failed, result.Total)
		}
		return result
	}

	// Miss subset: bounded concurrent dispatch. Completion order is
	// unordered but the progress counter advances under one mutex.
	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	var wg sync.WaitGroup

	var mu sync.Mutex
	missDone := 0

	for _, key := range missKeys {
		if err := sem.Acquire(ctx, 1); err != nil {
			logger.Warn("batch admission interrupted", "key", key, "error", err)
			mu.Lock()
			result.Failed++
			missDone++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key tunecache.ContentKey) {
			defer wg.Done()
			defer sem.Release(1)

			source, err := r.Resolve(ctx, dest, key)

			mu.Lock()
			switch {
			case err != nil:
				logger.Warn("failed to resolve key", "key", key, "error", err)
				result.Failed++
			case source == SourceFetched:
				result.Fetched++
			default:
				result.Cached++
			}
			missDone++
			fireProgress := missDone%cfg.ProgressEvery == 0 && missDone < len(missKeys)
			done := len(cachedKeys) + missDone
			mu.Unlock()

			if fireProgress && onProgress != nil {
				onProgress(done, result.Total)
			}
		}(key)
	}

	wg.Wait()

	logger.Info("batch complete",
		"cached", result.Cached, "fetched", result.Fetched, "failed", result.Failed)

	if onProgress != nil {
		onProgress(result.Total-result.Failed, result.Total)
	}
	return result
}

// isCached reports whether either cache holds a live entry for the key.
func (r *Resolver) isCached(ctx context.Context, key tunecache.ContentKey) bool {
	if _, ok := r.delivery.Lookup(key); ok {
		return true
	}
	_, ok := r.artifacts.Lookup(ctx, key)
	return ok
}
