// Package cache implements the two reuse tiers for media delivery: the
// delivery cache, which replays transport-native handles, and the local
// artifact cache, which re-uploads files materialized on disk.
package cache

import (
	"context"
	"log/slog"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/store"
	"github.com/tunecache/tunecache/telemetry"
)

// DeliveryStatus is the outcome of a delivery cache attempt.
type DeliveryStatus int

const (
	// DeliveryMiss means no usable entry exists; the caller should fall
	// through to the next resolution stage.
	DeliveryMiss DeliveryStatus = iota
	// Delivered means the origin message was forwarded.
	Delivered
	// DeliveredViaFallback means the forward failed but resending the
	// transport blob handle succeeded.
	DeliveredViaFallback
)

// String returns a label for logging.
func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case DeliveredViaFallback:
		return "delivered_fallback"
	default:
		return "miss"
	}
}

// DeliveryCache replays previous deliveries through the transport's own
// storage: first by forwarding the origin message, then by resending the
// blob handle. Both failing evicts the entry and reports a miss.
type DeliveryCache struct {
	table     *store.DeliveryTable
	messenger tunecache.Messenger
	logger    *slog.Logger
}

// DeliveryCacheOption configures a DeliveryCache.
type DeliveryCacheOption func(*DeliveryCache)

// WithDeliveryLogger sets the logger for the delivery cache.
func WithDeliveryLogger(logger *slog.Logger) DeliveryCacheOption {
	return func(c *DeliveryCache) {
		c.logger = logger
	}
}

// NewDeliveryCache creates a delivery cache over the given table.
func NewDeliveryCache(table *store.DeliveryTable, messenger tunecache.Messenger, opts ...DeliveryCacheOption) *DeliveryCache {
	c := &DeliveryCache{
		table:     table,
		messenger: messenger,
		logger:    slog.Default().With("component", "delivery_cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the entry for a key, if present.
func (c *DeliveryCache) Lookup(key tunecache.ContentKey) (store.DeliveryEntry, bool) {
	entry, err := c.table.Get(key)
	if err != nil {
		return store.DeliveryEntry{}, false
	}
	return entry, true
}

// Put records a delivery entry, overwriting any previous one.
func (c *DeliveryCache) Put(entry store.DeliveryEntry) {
	c.table.Put(entry)
}

// TryDeliver attempts to satisfy a request from the cache. The forward
// path is tried first; if the origin message is gone, resending the blob
// handle is tried. Both failing means the transport no longer holds the
// content in any form, so the entry is evicted and a miss is reported.
// On fallback success the entry is retained unchanged: the origin may
// become resolvable again and the blob handle is still proven live.
func (c *DeliveryCache) TryDeliver(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) DeliveryStatus {
	entry, ok := c.Lookup(key)
	if !ok {
		return DeliveryMiss
	}

	if err := c.messenger.Forward(ctx, dest, entry.Origin); err == nil {
		telemetry.RecordDeliveryAttempt(ctx, "forward", "success")
		return Delivered
	} else {
		telemetry.RecordDeliveryAttempt(ctx, "forward", "error")
		c.logger.Debug("forward failed, trying blob handle",
			"key", key, "origin_chat", entry.Origin.ChatID, "error", err)
	}

	if _, err := c.messenger.SendAudioBlob(ctx, dest, entry.Blob); err == nil {
		telemetry.RecordDeliveryAttempt(ctx, "blob", "success")
		return DeliveredViaFallback
	} else {
		telemetry.RecordDeliveryAttempt(ctx, "blob", "error")
		c.logger.Debug("blob resend failed, evicting entry", "key", key, "error", err)
	}

	c.table.Delete(key)
	return DeliveryMiss
}
