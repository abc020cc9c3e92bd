// Package store provides the durable catalog for delivery records and
// local artifact records. In-memory tables are authoritative at runtime;
// bbolt provides write-through persistence so state survives restarts.
package store

import (
	"errors"
	"time"

	tunecache "github.com/tunecache/tunecache"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("store: not found")

// DeliveryEntry records a previously completed delivery for a content key.
// Either the origin message can be forwarded or the blob handle can be
// resent without touching the local filesystem.
type DeliveryEntry struct {
	Key    tunecache.ContentKey     `json:"key"`
	Blob   tunecache.BlobHandle     `json:"blob"`
	Origin tunecache.OriginLocation `json:"origin"`
	Title  string                   `json:"title,omitempty"`
}

// ArtifactEntry records a media file materialized on local disk.
type ArtifactEntry struct {
	Key             tunecache.ContentKey `json:"key"`
	Path            string               `json:"path"`
	CreatedAt       time.Time            `json:"created_at"`
	Title           string               `json:"title,omitempty"`
	DurationSeconds int                  `json:"duration_seconds,omitempty"`
	Size            int64                `json:"size,omitempty"`
	Digest          tunecache.Hash       `json:"digest,omitempty"`
}

// Age returns how long ago the artifact was created.
func (e ArtifactEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
