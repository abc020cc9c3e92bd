package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/backend"
	"github.com/tunecache/tunecache/store"
	"github.com/tunecache/tunecache/telemetry"
)

// FileStore is the artifact backend the cache stores media files in.
// The path view is needed so entries can carry a real filesystem path
// for the transport to upload from.
type FileStore interface {
	backend.Backend
	backend.PathBackend
}

// ArtifactCache maps content keys to media files materialized on local
// disk, each valid for a fixed time-to-live. Entries are lazily evicted
// on the read path when expired or when the file has gone missing; the
// background sweeper calls EvictExpired as a backstop. Both paths mutate
// the table through its single lock.
type ArtifactCache struct {
	table     *store.ArtifactTable
	files     FileStore
	messenger tunecache.Messenger
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// ArtifactCacheOption configures an ArtifactCache.
type ArtifactCacheOption func(*ArtifactCache)

// WithArtifactLogger sets the logger for the artifact cache.
func WithArtifactLogger(logger *slog.Logger) ArtifactCacheOption {
	return func(c *ArtifactCache) {
		c.logger = logger
	}
}

// WithArtifactNow sets the time function for testing.
func WithArtifactNow(now func() time.Time) ArtifactCacheOption {
	return func(c *ArtifactCache) {
		c.now = now
	}
}

// NewArtifactCache creates an artifact cache with the given TTL.
func NewArtifactCache(table *store.ArtifactTable, files FileStore, messenger tunecache.Messenger, ttl time.Duration, opts ...ArtifactCacheOption) *ArtifactCache {
	c := &ArtifactCache{
		table:     table,
		files:     files,
		messenger: messenger,
		ttl:       ttl,
		now:       time.Now,
		logger:    slog.Default().With("component", "artifact_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured artifact time-to-live.
func (c *ArtifactCache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the entry for a key if it is still live: present in the
// table, younger than the TTL, and backed by an existing file. An expired
// or fileless entry is evicted here rather than waiting for the sweeper.
func (c *ArtifactCache) Lookup(ctx context.Context, key tunecache.ContentKey) (store.ArtifactEntry, bool) {
	entry, err := c.table.Get(key)
	if err != nil {
		return store.ArtifactEntry{}, false
	}

	if entry.Age(c.now()) >= c.ttl {
		c.logger.Debug("evicting expired artifact on read", "key", key, "age", entry.Age(c.now()))
		c.Remove(ctx, key)
		return store.ArtifactEntry{}, false
	}

	if _, err := os.Stat(entry.Path); err != nil {
		c.logger.Warn("artifact file missing, evicting entry", "key", key, "path", entry.Path)
		c.table.Delete(key)
		return store.ArtifactEntry{}, false
	}

	return entry, true
}

// Store moves a freshly fetched media file into the artifact backend and
// records a table entry for it. The source file is removed after the copy.
func (c *ArtifactCache) Store(ctx context.Context, media *tunecache.MediaFile) (store.ArtifactEntry, error) {
	storageKey := tunecache.ArtifactStorageKey(media.Key)

	src, err := os.Open(media.Path)
	if err != nil {
		return store.ArtifactEntry{}, fmt.Errorf("opening fetched file: %w", err)
	}

	if err := c.files.Write(ctx, storageKey, src); err != nil {
		_ = src.Close()
		return store.ArtifactEntry{}, fmt.Errorf("storing artifact: %w", err)
	}
	_ = src.Close()

	path := c.files.PathFor(storageKey)
	digest, size, err := tunecache.HashFile(path)
	if err != nil {
		return store.ArtifactEntry{}, fmt.Errorf("hashing artifact: %w", err)
	}

	entry := store.ArtifactEntry{
		Key:             media.Key,
		Path:            path,
		CreatedAt:       c.now(),
		Title:           media.Title,
		DurationSeconds: media.DurationSeconds,
		Size:            size,
		Digest:          digest,
	}
	c.table.Put(entry)

	if media.Path != path {
		if err := os.Remove(media.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove fetched source file", "path", media.Path, "error", err)
		}
	}

	c.logger.Debug("stored artifact", "key", media.Key, "size", size, "digest", digest.ShortString())
	return entry, nil
}

// TryDeliver uploads a cached artifact to the destination. On success it
// returns the transport receipt and the entry so the caller can backfill
// the delivery cache. A read or send failure evicts the entry and reports
// a miss; the next resolution stage will re-fetch.
func (c *ArtifactCache) TryDeliver(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) (tunecache.DeliveryReceipt, store.ArtifactEntry, bool) {
	entry, ok := c.Lookup(ctx, key)
	if !ok {
		return tunecache.DeliveryReceipt{}, store.ArtifactEntry{}, false
	}

	receipt, err := c.messenger.SendAudioFile(ctx, dest, entry.Path, tunecache.AudioMetadata{
		Title:           entry.Title,
		DurationSeconds: entry.DurationSeconds,
	})
	if err != nil {
		telemetry.RecordDeliveryAttempt(ctx, "file", "error")
		c.logger.Warn("failed to send cached artifact, evicting", "key", key, "error", err)
		c.Remove(ctx, key)
		return tunecache.DeliveryReceipt{}, store.ArtifactEntry{}, false
	}

	telemetry.RecordDeliveryAttempt(ctx, "file", "success")
	return receipt, entry, true
}

// Remove evicts a key from the table and deletes its file.
func (c *ArtifactCache) Remove(ctx context.Context, key tunecache.ContentKey) {
	if err := c.files.Delete(ctx, tunecache.ArtifactStorageKey(key)); err != nil {
		c.logger.Warn("failed to delete artifact file", "key", key, "error", err)
	}
	c.table.Delete(key)
}

// EvictExpired scans the whole table, deletes expired files, and removes
// their entries in a single batched persist. It returns the number of
// evicted entries, the bytes freed, and any file deletion errors. An
// entry is evicted even when its file cannot be deleted: the table must
// not keep pointing at artifacts past their TTL.
func (c *ArtifactCache) EvictExpired(ctx context.Context) (int, int64, []error) {
	now := c.now()

	var expired []tunecache.ContentKey
	var bytesFreed int64
	var errs []error

	for _, entry := range c.table.List() {
		if entry.Age(now) < c.ttl {
			continue
		}
		if err := c.files.Delete(ctx, tunecache.ArtifactStorageKey(entry.Key)); err != nil {
			errs = append(errs, fmt.Errorf("deleting artifact %s: %w", entry.Key, err))
		} else {
			bytesFreed += entry.Size
		}
		expired = append(expired, entry.Key)
	}

	c.table.DeleteAll(expired)
	return len(expired), bytesFreed, errs
}
