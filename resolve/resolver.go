// Package resolve orchestrates content key resolution through the two
// cache tiers and the external fetch fallback, and coordinates batches
// of keys under bounded concurrency.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/cache"
	"github.com/tunecache/tunecache/fetch"
	"github.com/tunecache/tunecache/store"
	"github.com/tunecache/tunecache/telemetry"
)

// Source identifies which tier satisfied a resolution.
type Source int

const (
	// SourceNone means the resolution failed.
	SourceNone Source = iota
	// SourceDeliveryCache means the transport replayed a previous delivery.
	SourceDeliveryCache
	// SourceLocalCache means a local artifact was re-uploaded.
	SourceLocalCache
	// SourceFetched means the media was fetched from the remote origin.
	SourceFetched
)

// String returns a label for logging and metrics.
func (s Source) String() string {
	switch s {
	case SourceDeliveryCache:
		return "delivery_cache"
	case SourceLocalCache:
		return "local_cache"
	case SourceFetched:
		return "fetched"
	default:
		return "failed"
	}
}

// Resolver drives a content key through the resolution stages in strict
// order: delivery cache, local artifact cache, external fetch. The first
// stage to deliver wins; later stages never start early.
type Resolver struct {
	delivery      *cache.DeliveryCache
	artifacts     *cache.ArtifactCache
	pipeline      *fetch.Pipeline
	messenger     tunecache.Messenger
	keepArtifacts bool
	attribution   string
	logger        *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithKeepArtifacts controls whether fetched files are retained in the
// artifact cache until the TTL sweep (the default) or removed right
// after first delivery.
func WithKeepArtifacts(keep bool) ResolverOption {
	return func(r *Resolver) {
		r.keepArtifacts = keep
	}
}

// WithAttribution sets a caption appended to freshly fetched deliveries.
func WithAttribution(attribution string) ResolverOption {
	return func(r *Resolver) {
		r.attribution = attribution
	}
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over the given caches and fetch pipeline.
func NewResolver(delivery *cache.DeliveryCache, artifacts *cache.ArtifactCache, pipeline *fetch.Pipeline, messenger tunecache.Messenger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		delivery:      delivery,
		artifacts:     artifacts,
		pipeline:      pipeline,
		messenger:     messenger,
		keepArtifacts: true,
		logger:        slog.Default().With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve delivers the media for a key to the destination, trying the
// delivery cache, then the local artifact cache, then a fresh fetch.
// Exactly one of the three sources is produced per call; an error means
// the total-miss fetch path failed and nothing was delivered.
func (r *Resolver) Resolve(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) (Source, error) {
	start := time.Now()

	if source, ok := r.deliverCached(ctx, dest, key); ok {
		telemetry.RecordResolve(ctx, source.String(), time.Since(start))
		return source, nil
	}

	source, err := r.fetchAndDeliver(ctx, dest, key)
	if err != nil {
		telemetry.RecordResolve(ctx, SourceNone.String(), time.Since(start))
		return SourceNone, err
	}
	telemetry.RecordResolve(ctx, source.String(), time.Since(start))
	return source, nil
}

// deliverCached runs the two cache stages only. A local-cache hit always
// backfills the delivery cache from the fresh receipt, which is how a
// cold delivery cache heals over time.
func (r *Resolver) deliverCached(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) (Source, bool) {
	if status := r.delivery.TryDeliver(ctx, dest, key); status != cache.DeliveryMiss {
		r.logger.Debug("delivered from delivery cache", "key", key, "status", status)
		return SourceDeliveryCache, true
	}

	receipt, entry, ok := r.artifacts.TryDeliver(ctx, dest, key)
	if !ok {
		return SourceNone, false
	}

	r.delivery.Put(store.DeliveryEntry{
		Key:    key,
		Blob:   receipt.Blob,
		Origin: receipt.Origin,
		Title:  entry.Title,
	})
	r.logger.Debug("delivered from local cache", "key", key)
	return SourceLocalCache, true
}

// fetchAndDeliver is the total-miss path: fetch, deliver, populate both
// caches. On any failure it cleans up partially materialized files for
// the key before returning.
func (r *Resolver) fetchAndDeliver(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) (Source, error) {
	media, shared, err := r.pipeline.Fetch(ctx, key)
	if err != nil {
		return SourceNone, fmt.Errorf("fetching %s: %w", key, err)
	}

	sendPath := media.Path
	storedInCache := false

	if r.keepArtifacts {
		// A shared fetch result may already be in the artifact cache if
		// another caller stored it first.
		if entry, ok := r.artifacts.Lookup(ctx, key); shared && ok {
			sendPath = entry.Path
			storedInCache = true
		} else {
			entry, err := r.artifacts.Store(ctx, media)
			if err != nil {
				r.removeFetched(media.Path)
				return SourceNone, fmt.Errorf("caching fetched artifact %s: %w", key, err)
			}
			sendPath = entry.Path
			storedInCache = true
		}
	}

	receipt, err := r.messenger.SendAudioFile(ctx, dest, sendPath, tunecache.AudioMetadata{
		Title:           media.Title,
		DurationSeconds: media.DurationSeconds,
		Caption:         r.attribution,
	})
	if err != nil {
		if storedInCache {
			r.artifacts.Remove(ctx, key)
		} else {
			r.removeFetched(media.Path)
		}
		return SourceNone, fmt.Errorf("delivering fetched media %s: %w", key, err)
	}

	if !r.keepArtifacts {
		r.removeFetched(media.Path)
	}

	r.delivery.Put(store.DeliveryEntry{
		Key:    key,
		Blob:   receipt.Blob,
		Origin: receipt.Origin,
		Title:  media.Title,
	})

	r.logger.Info("fetched and delivered", "key", key, "title", media.Title)
	return SourceFetched, nil
}

func (r *Resolver) removeFetched(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove fetched file", "path", path, "error", err)
	}
}
