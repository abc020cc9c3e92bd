package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/backend"
	"github.com/tunecache/tunecache/cache"
	"github.com/tunecache/tunecache/fetch"
	"github.com/tunecache/tunecache/store"
)

type recordingMessenger struct {
	mu sync.Mutex

	forwardErr error
	fileErr    error

	forwarded []tunecache.OriginLocation
	sentFiles []string
	delivered []tunecache.ContentKey // keys parsed from delivered file paths

	nextMessageID int64
}

func (m *recordingMessenger) Forward(_ context.Context, _ tunecache.Destination, origin tunecache.OriginLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forwardErr != nil {
		return m.forwardErr
	}
	m.forwarded = append(m.forwarded, origin)
	return nil
}

func (m *recordingMessenger) SendAudioFile(_ context.Context, dest tunecache.Destination, path string, _ tunecache.AudioMetadata) (tunecache.DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileErr != nil {
		return tunecache.DeliveryReceipt{}, m.fileErr
	}
	m.sentFiles = append(m.sentFiles, path)
	base := filepath.Base(path)
	m.delivered = append(m.delivered, tunecache.ContentKey(base[:len(base)-len(filepath.Ext(base))]))
	m.nextMessageID++
	return tunecache.DeliveryReceipt{
		Blob:   tunecache.BlobHandle("BLOB-" + base),
		Origin: tunecache.OriginLocation{ChatID: dest.ChatID, MessageID: m.nextMessageID},
	}, nil
}

func (m *recordingMessenger) SendAudioBlob(_ context.Context, dest tunecache.Destination, blob tunecache.BlobHandle) (tunecache.DeliveryReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	return tunecache.DeliveryReceipt{
		Blob:   blob,
		Origin: tunecache.OriginLocation{ChatID: dest.ChatID, MessageID: m.nextMessageID},
	}, nil
}

func (m *recordingMessenger) SendText(context.Context, tunecache.Destination, string) (tunecache.MessageHandle, error) {
	return tunecache.MessageHandle{}, nil
}

func (m *recordingMessenger) EditText(context.Context, tunecache.MessageHandle, string) error {
	return nil
}

// countingFetcher materializes a small file per fetch and tracks
// concurrency so tests can assert the admission limit held.
type countingFetcher struct {
	dir string

	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration

	failKeys map[tunecache.ContentKey]bool
}

func (f *countingFetcher) FetchMedia(_ context.Context, key tunecache.ContentKey) (*tunecache.MediaFile, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failKeys[key] {
		return nil, errors.New("extraction failed")
	}
	path := filepath.Join(f.dir, string(key)+".mp3")
	if err := os.WriteFile(path, []byte("audio "+key), 0o644); err != nil {
		return nil, err
	}
	return &tunecache.MediaFile{Key: key, Title: "Track " + string(key), Path: path, DurationSeconds: 120}, nil
}

type fixture struct {
	resolver  *Resolver
	delivery  *cache.DeliveryCache
	artifacts *cache.ArtifactCache
	messenger *recordingMessenger
	fetcher   *countingFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"), store.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	files, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	messenger := &recordingMessenger{}
	delivery := cache.NewDeliveryCache(catalog.Delivery(), messenger)
	artifacts := cache.NewArtifactCache(catalog.Artifacts(), files, messenger, time.Hour)
	fetcher := &countingFetcher{dir: t.TempDir(), failKeys: map[tunecache.ContentKey]bool{}}
	pipeline := fetch.NewPipeline(fetcher)

	return &fixture{
		resolver:  NewResolver(delivery, artifacts, pipeline, messenger),
		delivery:  delivery,
		artifacts: artifacts,
		messenger: messenger,
		fetcher:   fetcher,
	}
}

var dest = tunecache.Destination{ChatID: 777}

func TestResolveFetchesOnceThenServesFromDeliveryCache(t *testing.T) {
	f := newFixture(t)

	source, err := f.resolver.Resolve(t.Context(), dest, "abc12345678")
	require.NoError(t, err)
	require.Equal(t, SourceFetched, source)

	// Both caches are populated after a fetch.
	_, ok := f.delivery.Lookup("abc12345678")
	require.True(t, ok)
	_, ok = f.artifacts.Lookup(t.Context(), "abc12345678")
	require.True(t, ok)

	// The second resolve replays the delivery, with no second fetch.
	source, err = f.resolver.Resolve(t.Context(), dest, "abc12345678")
	require.NoError(t, err)
	require.Equal(t, SourceDeliveryCache, source)
	require.Equal(t, int64(1), f.fetcher.calls.Load())
}

func TestResolveLocalCacheHitBackfillsDeliveryCache(t *testing.T) {
	f := newFixture(t)

	// Seed only the artifact cache, as after a restart that lost the
	// transport-side handles.
	path := filepath.Join(t.TempDir(), "abc12345678.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	_, err := f.artifacts.Store(t.Context(), &tunecache.MediaFile{Key: "abc12345678", Title: "Seeded", Path: path})
	require.NoError(t, err)

	source, err := f.resolver.Resolve(t.Context(), dest, "abc12345678")
	require.NoError(t, err)
	require.Equal(t, SourceLocalCache, source)

	entry, ok := f.delivery.Lookup("abc12345678")
	require.True(t, ok)
	require.Equal(t, "Seeded", entry.Title)
	require.Equal(t, int64(0), f.fetcher.calls.Load())
}

func TestResolveFetchFailureLeavesCachesEmpty(t *testing.T) {
	f := newFixture(t)
	f.fetcher.failKeys["badkey00001"] = true

	source, err := f.resolver.Resolve(t.Context(), dest, "badkey00001")
	require.Error(t, err)
	require.Equal(t, SourceNone, source)

	_, ok := f.delivery.Lookup("badkey00001")
	require.False(t, ok)
	_, ok = f.artifacts.Lookup(t.Context(), "badkey00001")
	require.False(t, ok)
}

func TestResolveSendFailureCleansUpArtifact(t *testing.T) {
	f := newFixture(t)
	f.messenger.fileErr = errors.New("request entity too large")

	source, err := f.resolver.Resolve(t.Context(), dest, "abc12345678")
	require.Error(t, err)
	require.Equal(t, SourceNone, source)

	_, ok := f.artifacts.Lookup(t.Context(), "abc12345678")
	require.False(t, ok)
	_, ok = f.delivery.Lookup("abc12345678")
	require.False(t, ok)
}

func TestResolveKeepArtifactsDisabled(t *testing.T) {
	f := newFixture(t)
	resolver := NewResolver(f.delivery, f.artifacts, fetch.NewPipeline(f.fetcher), f.messenger, WithKeepArtifacts(false))

	source, err := resolver.Resolve(t.Context(), dest, "abc12345678")
	require.NoError(t, err)
	require.Equal(t, SourceFetched, source)

	// Delivered and recorded in the delivery cache, but no local artifact
	// is retained and the fetched file is gone.
	_, ok := f.delivery.Lookup("abc12345678")
	require.True(t, ok)
	_, ok = f.artifacts.Lookup(t.Context(), "abc12345678")
	require.False(t, ok)
	_, statErr := os.Stat(filepath.Join(f.fetcher.dir, "abc12345678.mp3"))
	require.True(t, os.IsNotExist(statErr))
}
