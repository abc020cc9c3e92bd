package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	tunecache "github.com/tunecache/tunecache"
)

var (
	bucketDelivery  = []byte("delivery")
	bucketArtifacts = []byte("artifacts")
)

// Catalog is the durable backing for the delivery and artifact tables.
// The in-memory tables are the source of truth at runtime; every mutation
// is written through to bbolt so the tables can be rebuilt on restart.
// Persistence failures are logged and never surfaced to callers.
type Catalog struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool

	delivery  *DeliveryTable
	artifacts *ArtifactTable
}

// CatalogOption configures a Catalog instance.
type CatalogOption func(*Catalog)

// WithLogger sets the logger for the catalog.
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) CatalogOption {
	return func(c *Catalog) {
		c.noSync = noSync
	}
}

// Open opens the catalog database at the given path and loads both tables
// into memory. A database that cannot be opened or read is moved aside and
// replaced with a fresh one, so a corrupt file degrades to empty state
// instead of blocking startup.
func Open(path string, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := c.openOrReset(path)
	if err != nil {
		return nil, err
	}
	c.db = db

	if err := c.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	c.delivery = &DeliveryTable{catalog: c, entries: map[tunecache.ContentKey]DeliveryEntry{}}
	c.artifacts = &ArtifactTable{catalog: c, entries: map[tunecache.ContentKey]ArtifactEntry{}}

	c.loadTables()

	c.logger.Debug("opened catalog",
		"path", path,
		"delivery", c.delivery.Len(),
		"artifacts", c.artifacts.Len())

	return c, nil
}

func (c *Catalog) openOrReset(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err == nil {
		return db, nil
	}

	// The file exists but cannot be opened. Move it aside and start fresh
	// rather than refusing to run.
	corrupt := path + ".corrupt"
	c.logger.Warn("catalog database unreadable, starting fresh",
		"path", path, "moved_to", corrupt, "error", err)
	if renameErr := os.Rename(path, corrupt); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("moving unreadable database aside: %w", renameErr)
	}

	db, err = bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  c.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func (c *Catalog) createBuckets() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDelivery, bucketArtifacts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// loadTables reads both buckets into the in-memory tables. Entries that
// fail to decode are skipped and logged, never fatal.
func (c *Catalog) loadTables() {
	err := c.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketDelivery); bucket != nil {
			_ = bucket.ForEach(func(k, v []byte) error {
				var entry DeliveryEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					c.logger.Warn("skipping undecodable delivery entry", "key", string(k), "error", err)
					return nil
				}
				c.delivery.entries[tunecache.ContentKey(k)] = entry
				return nil
			})
		}
		if bucket := tx.Bucket(bucketArtifacts); bucket != nil {
			_ = bucket.ForEach(func(k, v []byte) error {
				var entry ArtifactEntry
				if err := json.Unmarshal(v, &entry); err != nil {
					c.logger.Warn("skipping undecodable artifact entry", "key", string(k), "error", err)
					return nil
				}
				c.artifacts.entries[tunecache.ContentKey(k)] = entry
				return nil
			})
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to load catalog tables", "error", err)
	}
}

// Delivery returns the delivery table.
func (c *Catalog) Delivery() *DeliveryTable {
	return c.delivery
}

// Artifacts returns the artifact table.
func (c *Catalog) Artifacts() *ArtifactTable {
	return c.artifacts
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	c.logger.Debug("closing catalog")
	return c.db.Close()
}

// persistPut writes one entry through to a bucket. Errors are logged,
// not returned: the in-memory table already holds the update and losing
// durability for one record must not fail the user-facing operation.
func (c *Catalog) persistPut(bucket []byte, key tunecache.ContentKey, entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("failed to encode catalog entry", "bucket", string(bucket), "key", key, "error", err)
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		c.logger.Warn("failed to persist catalog entry", "bucket", string(bucket), "key", key, "error", err)
	}
}

func (c *Catalog) persistDelete(bucket []byte, keys ...tunecache.ContentKey) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to delete catalog entries", "bucket", string(bucket), "count", len(keys), "error", err)
	}
}

// DeliveryTable is the in-memory table of completed deliveries.
// Safe for concurrent use.
type DeliveryTable struct {
	catalog *Catalog
	mu      sync.RWMutex
	entries map[tunecache.ContentKey]DeliveryEntry
}

// Get returns the delivery entry for a key.
func (t *DeliveryTable) Get(key tunecache.ContentKey) (DeliveryEntry, error) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return DeliveryEntry{}, ErrNotFound
	}
	return entry, nil
}

// Put records a delivery entry and writes it through to disk.
func (t *DeliveryTable) Put(entry DeliveryEntry) {
	t.mu.Lock()
	t.entries[entry.Key] = entry
	t.mu.Unlock()
	t.catalog.persistPut(bucketDelivery, entry.Key, entry)
}

// Delete removes a delivery entry. Deleting a missing key is a no-op.
func (t *DeliveryTable) Delete(key tunecache.ContentKey) {
	t.mu.Lock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	if ok {
		t.catalog.persistDelete(bucketDelivery, key)
	}
}

// Len returns the number of delivery entries.
func (t *DeliveryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// List returns a snapshot of all delivery entries.
func (t *DeliveryTable) List() []DeliveryEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]DeliveryEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	return entries
}

// ArtifactTable is the in-memory table of local artifacts.
// Readers and the background sweeper share the same lock, so lazy
// per-key eviction and bulk sweeps never race.
type ArtifactTable struct {
	catalog *Catalog
	mu      sync.RWMutex
	entries map[tunecache.ContentKey]ArtifactEntry
}

// Get returns the artifact entry for a key.
func (t *ArtifactTable) Get(key tunecache.ContentKey) (ArtifactEntry, error) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return ArtifactEntry{}, ErrNotFound
	}
	return entry, nil
}

// Put records an artifact entry and writes it through to disk.
func (t *ArtifactTable) Put(entry ArtifactEntry) {
	t.mu.Lock()
	t.entries[entry.Key] = entry
	t.mu.Unlock()
	t.catalog.persistPut(bucketArtifacts, entry.Key, entry)
}

// Delete removes an artifact entry. Deleting a missing key is a no-op.
func (t *ArtifactTable) Delete(key tunecache.ContentKey) {
	t.mu.Lock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	if ok {
		t.catalog.persistDelete(bucketArtifacts, key)
	}
}

// DeleteAll removes a set of entries and persists the removal in a
// single transaction. Used by the sweeper to batch evictions.
func (t *ArtifactTable) DeleteAll(keys []tunecache.ContentKey) {
	if len(keys) == 0 {
		return
	}
	t.mu.Lock()
	for _, key := range keys {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	t.catalog.persistDelete(bucketArtifacts, keys...)
}

// Len returns the number of artifact entries.
func (t *ArtifactTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// List returns a snapshot of all artifact entries.
func (t *ArtifactTable) List() []ArtifactEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]ArtifactEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	return entries
}

// TotalBytes returns the combined size of all recorded artifacts.
func (t *ArtifactTable) TotalBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, entry := range t.entries {
		total += entry.Size
	}
	return total
}
