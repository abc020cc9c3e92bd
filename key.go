// Package tunecache defines the shared value types for the tiered media
// cache: content keys, artifact descriptors, delivery receipts and the
// capability interfaces the cache drives.
package tunecache

import (
	"fmt"
	"strings"
)

// ContentKey is an opaque identifier for one fetchable media unit.
// Keys are extracted from URLs upstream of the cache; a key may also
// denote a collection (playlist) rather than a single item.
type ContentKey string

// String returns the key as a plain string.
func (k ContentKey) String() string {
	return string(k)
}

// IsZero reports whether the key is empty.
func (k ContentKey) IsZero() bool {
	return k == ""
}

// Validate rejects keys that cannot be used as storage identifiers.
// Keys are opaque, but they name files and bucket entries, so path
// separators and relative-path elements are not allowed.
func (k ContentKey) Validate() error {
	if k == "" {
		return fmt.Errorf("empty content key")
	}
	if strings.ContainsAny(string(k), "/\\") {
		return fmt.Errorf("content key %q contains a path separator", string(k))
	}
	if string(k) == "." || string(k) == ".." || strings.HasPrefix(string(k), ".") {
		return fmt.Errorf("content key %q is not a valid identifier", string(k))
	}
	return nil
}

// Artifact storage key layout.

const artifactKeyPrefix = "artifacts"

// ArtifactStorageKey returns the backend storage key for a key's
// materialized audio file. Format: artifacts/{key}.mp3
func ArtifactStorageKey(k ContentKey) string {
	return artifactKeyPrefix + "/" + string(k) + ".mp3"
}
