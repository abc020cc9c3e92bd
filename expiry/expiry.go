// Package expiry runs the background sweep that deletes local artifacts
// past their time-to-live.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tunecache/tunecache/cache"
	"github.com/tunecache/tunecache/telemetry"
)

// Config holds sweeper configuration.
type Config struct {
	// CheckInterval is how often to run sweeps. Default is 10 minutes.
	CheckInterval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Sweeper periodically evicts expired artifacts. It is a backstop: the
// artifact cache also evicts lazily on the read path, and both go through
// the same table lock, so the two never disagree about an entry.
type Sweeper struct {
	config    Config
	artifacts *cache.ArtifactCache
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper over the given artifact cache.
func NewSweeper(artifacts *cache.ArtifactCache, cfg Config) *Sweeper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		config:    cfg,
		artifacts: artifacts,
		logger:    cfg.Logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins background sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// SweepResult contains the results of one sweep.
type SweepResult struct {
	Expired    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	return s.runOnce(ctx)
}

func (s *Sweeper) runOnce(ctx context.Context) *SweepResult {
	start := s.now()

	s.logger.Debug("starting artifact sweep")

	expired, bytesFreed, errs := s.artifacts.EvictExpired(ctx)
	for _, err := range errs {
		s.logger.Warn("sweep error", "error", err)
	}

	result := &SweepResult{
		Expired:    expired,
		BytesFreed: bytesFreed,
		Errors:     len(errs),
		Duration:   s.now().Sub(start),
	}

	telemetry.RecordSweep(ctx, result.Expired, result.BytesFreed, result.Duration)

	if result.Expired > 0 {
		s.logger.Info("sweep complete",
			"expired", result.Expired,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("sweep complete, nothing expired")
	}

	return result
}
