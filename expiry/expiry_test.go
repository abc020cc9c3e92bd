package expiry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/backend"
	"github.com/tunecache/tunecache/cache"
	"github.com/tunecache/tunecache/store"
)

type nopMessenger struct{}

func (nopMessenger) Forward(context.Context, tunecache.Destination, tunecache.OriginLocation) error {
	return nil
}

func (nopMessenger) SendAudioFile(context.Context, tunecache.Destination, string, tunecache.AudioMetadata) (tunecache.DeliveryReceipt, error) {
	return tunecache.DeliveryReceipt{}, nil
}

func (nopMessenger) SendAudioBlob(context.Context, tunecache.Destination, tunecache.BlobHandle) (tunecache.DeliveryReceipt, error) {
	return tunecache.DeliveryReceipt{}, nil
}

func (nopMessenger) SendText(context.Context, tunecache.Destination, string) (tunecache.MessageHandle, error) {
	return tunecache.MessageHandle{}, nil
}

func (nopMessenger) EditText(context.Context, tunecache.MessageHandle, string) error {
	return nil
}

func newTestArtifacts(t *testing.T, ttl time.Duration, now func() time.Time) *cache.ArtifactCache {
	t.Helper()
	catalog, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"), store.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	files, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	return cache.NewArtifactCache(catalog.Artifacts(), files, nopMessenger{}, ttl, cache.WithArtifactNow(now))
}

func storeArtifact(t *testing.T, artifacts *cache.ArtifactCache, key tunecache.ContentKey) store.ArtifactEntry {
	t.Helper()
	path := filepath.Join(t.TempDir(), string(key)+".mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio "+key), 0o644))
	entry, err := artifacts.Store(t.Context(), &tunecache.MediaFile{Key: key, Path: path})
	require.NoError(t, err)
	return entry
}

func TestSweeperRunOnce(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	now := base
	artifacts := newTestArtifacts(t, time.Hour, func() time.Time { return now })

	storeArtifact(t, artifacts, "stale-key01")
	now = base.Add(45 * time.Minute)
	storeArtifact(t, artifacts, "fresh-key01")

	now = base.Add(90 * time.Minute)
	sweeper := NewSweeper(artifacts, Config{CheckInterval: time.Hour})
	result := sweeper.RunOnce(t.Context())

	require.Equal(t, 1, result.Expired)
	require.Positive(t, result.BytesFreed)
	require.Equal(t, 0, result.Errors)

	_, ok := artifacts.Lookup(t.Context(), "fresh-key01")
	require.True(t, ok)
	_, ok = artifacts.Lookup(t.Context(), "stale-key01")
	require.False(t, ok)
}

func TestSweeperRunOnceNothingExpired(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	artifacts := newTestArtifacts(t, time.Hour, func() time.Time { return now })

	storeArtifact(t, artifacts, "fresh-key01")

	sweeper := NewSweeper(artifacts, Config{})
	result := sweeper.RunOnce(t.Context())

	require.Equal(t, 0, result.Expired)
	require.Equal(t, int64(0), result.BytesFreed)
}

func TestSweeperBackgroundRunsAtStart(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	now := base
	artifacts := newTestArtifacts(t, time.Hour, func() time.Time { return now })

	entry := storeArtifact(t, artifacts, "stale-key01")
	now = base.Add(2 * time.Hour)

	sweeper := NewSweeper(artifacts, Config{CheckInterval: time.Hour})
	require.NoError(t, sweeper.Start(t.Context()))

	// The loop sweeps once immediately on start; wait for the file to go.
	require.Eventually(t, func() bool {
		_, err := os.Stat(entry.Path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	sweeper.Stop()
	// Stop is idempotent.
	sweeper.Stop()
}

func TestSweeperStartAfterStopIsNoop(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	artifacts := newTestArtifacts(t, time.Hour, func() time.Time { return now })

	sweeper := NewSweeper(artifacts, Config{CheckInterval: time.Hour})
	require.NoError(t, sweeper.Start(t.Context()))
	sweeper.Stop()
	require.NoError(t, sweeper.Start(t.Context()))
}
