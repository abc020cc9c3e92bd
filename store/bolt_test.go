package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tunecache "github.com/tunecache/tunecache"
)

func openTestCatalog(t *testing.T, path string) *Catalog {
	t.Helper()
	catalog, err := Open(path, WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })
	return catalog
}

func TestDeliveryTablePutGetDelete(t *testing.T) {
	catalog := openTestCatalog(t, filepath.Join(t.TempDir(), "catalog.db"))

	entry := DeliveryEntry{
		Key:    "dQw4w9WgXcQ",
		Blob:   "CQADBAAD",
		Origin: tunecache.OriginLocation{ChatID: -100123, MessageID: 42},
		Title:  "Test Track",
	}
	catalog.Delivery().Put(entry)

	got, err := catalog.Delivery().Get("dQw4w9WgXcQ")
	require.NoError(t, err)
	require.Equal(t, entry, got)

	catalog.Delivery().Delete("dQw4w9WgXcQ")
	_, err = catalog.Delivery().Get("dQw4w9WgXcQ")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op
	catalog.Delivery().Delete("dQw4w9WgXcQ")
}

func TestCatalogReloadsAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	catalog, err := Open(path, WithNoSync(true))
	require.NoError(t, err)

	catalog.Delivery().Put(DeliveryEntry{
		Key:  "abc123def45",
		Blob: "BQADBAAD",
	})
	catalog.Artifacts().Put(ArtifactEntry{
		Key:       "abc123def45",
		Path:      "/tmp/artifacts/abc123def45.mp3",
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Size:      2048,
	})
	require.NoError(t, catalog.Close())

	reopened := openTestCatalog(t, path)

	delivery, err := reopened.Delivery().Get("abc123def45")
	require.NoError(t, err)
	require.Equal(t, tunecache.BlobHandle("BQADBAAD"), delivery.Blob)

	artifact, err := reopened.Artifacts().Get("abc123def45")
	require.NoError(t, err)
	require.Equal(t, int64(2048), artifact.Size)
	require.True(t, artifact.CreatedAt.Equal(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))
}

func TestCatalogCorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, os.WriteFile(path, []byte("not a bolt database"), 0o600))

	catalog := openTestCatalog(t, path)

	require.Equal(t, 0, catalog.Delivery().Len())
	require.Equal(t, 0, catalog.Artifacts().Len())

	// The unreadable file is moved aside, not destroyed.
	_, err := os.Stat(path + ".corrupt")
	require.NoError(t, err)

	// The fresh catalog accepts writes.
	catalog.Delivery().Put(DeliveryEntry{Key: "newkey12345", Blob: "AAAA"})
	require.Equal(t, 1, catalog.Delivery().Len())
}

func TestArtifactTableDeleteAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	catalog, err := Open(path, WithNoSync(true))
	require.NoError(t, err)

	for _, key := range []tunecache.ContentKey{"key-one", "key-two", "key-three"} {
		catalog.Artifacts().Put(ArtifactEntry{Key: key, Path: "/tmp/" + string(key), Size: 100})
	}
	require.Equal(t, 3, catalog.Artifacts().Len())
	require.Equal(t, int64(300), catalog.Artifacts().TotalBytes())

	catalog.Artifacts().DeleteAll([]tunecache.ContentKey{"key-one", "key-three"})
	require.Equal(t, 1, catalog.Artifacts().Len())
	require.NoError(t, catalog.Close())

	// Removal survives a restart.
	reopened := openTestCatalog(t, path)
	require.Equal(t, 1, reopened.Artifacts().Len())
	_, err = reopened.Artifacts().Get("key-two")
	require.NoError(t, err)
}

func TestCatalogExportImportRoundtrip(t *testing.T) {
	dir := t.TempDir()
	src := openTestCatalog(t, filepath.Join(dir, "src.db"))

	src.Delivery().Put(DeliveryEntry{Key: "video-one12", Blob: "FILEID1", Title: "One"})
	src.Artifacts().Put(ArtifactEntry{
		Key:       "video-two34",
		Path:      "/tmp/artifacts/video-two34.mp3",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Size:      4096,
	})

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))

	dst := openTestCatalog(t, filepath.Join(dir, "dst.db"))
	require.NoError(t, dst.Import(&buf))

	delivery, err := dst.Delivery().Get("video-one12")
	require.NoError(t, err)
	require.Equal(t, "One", delivery.Title)

	artifact, err := dst.Artifacts().Get("video-two34")
	require.NoError(t, err)
	require.Equal(t, int64(4096), artifact.Size)
}
