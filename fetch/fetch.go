// Package fetch materializes remote media as local files. The Pipeline
// deduplicates concurrent fetches for the same key; the YTDLP adapter
// does the actual extraction.
package fetch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/telemetry"
)

// Pipeline deduplicates concurrent fetches for the same content key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Pipeline struct {
	fetcher tunecache.Fetcher
	group   singleflight.Group
	logger  *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger for the pipeline.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline over the given fetcher.
func NewPipeline(fetcher tunecache.Fetcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		fetcher: fetcher,
		logger:  slog.Default().With("component", "fetch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch materializes the media for a key, deduplicating concurrent calls.
// Returns the media file, whether the result was shared with another
// caller, and any error. A failed fetch is forgotten so the next call
// retries instead of replaying the cached error.
//
// The fetch itself runs on a detached context: one caller timing out must
// not cancel the extraction for other waiters, and a half-transcoded file
// from a killed process would poison the artifact cache.
func (p *Pipeline) Fetch(ctx context.Context, key tunecache.ContentKey) (*tunecache.MediaFile, bool, error) {
	start := time.Now()

	ch := p.group.DoChan(string(key), func() (any, error) {
		media, err := p.fetcher.FetchMedia(context.WithoutCancel(ctx), key)
		if err != nil {
			p.group.Forget(string(key))
			return nil, err
		}
		return media, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordFetch(ctx, time.Since(start), 0, "error")
			return nil, res.Shared, res.Err
		}
		media := res.Val.(*tunecache.MediaFile)
		if !res.Shared {
			telemetry.RecordFetch(ctx, time.Since(start), 0, "success")
			p.logger.Debug("fetched media", "key", key, "title", media.Title, "duration", time.Since(start))
		}
		return media, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a
// subsequent call to retry.
func (p *Pipeline) Forget(key tunecache.ContentKey) {
	p.group.Forget(string(key))
}
