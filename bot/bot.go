// Package bot maps inbound chat messages onto cache resolutions: it
// extracts content keys from links, drives single and batch requests
// through the resolver, and keeps the requester updated with a status
// message.
package bot

import (
	"context"
	"fmt"
	"log/slog"

	tunecache "github.com/tunecache/tunecache"
	"github.com/tunecache/tunecache/resolve"
	"github.com/tunecache/tunecache/store"
)

const failureNotice = "Something went wrong. Please try again."

// Handler processes inbound messages.
type Handler struct {
	messenger tunecache.Messenger
	resolver  *resolve.Resolver
	lister    tunecache.CollectionLister
	catalog   *store.Catalog
	batchCfg  resolve.BatchConfig
	logger    *slog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Batch controls bounded-concurrency resolution of collections.
	Batch resolve.BatchConfig

	// Logger for message handling events.
	Logger *slog.Logger
}

// NewHandler creates a message handler.
func NewHandler(messenger tunecache.Messenger, resolver *resolve.Resolver, lister tunecache.CollectionLister, catalog *store.Catalog, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "bot")
	}
	return &Handler{
		messenger: messenger,
		resolver:  resolver,
		lister:    lister,
		catalog:   catalog,
		batchCfg:  cfg.Batch,
		logger:    cfg.Logger,
	}
}

// HandleText processes one inbound text message from a chat. Messages
// without a supported link are ignored. Commands get an immediate reply;
// links are resolved through the caches with a status message tracking
// progress.
func (h *Handler) HandleText(ctx context.Context, dest tunecache.Destination, text string) {
	switch text {
	case "/start":
		h.replyStart(ctx, dest)
		return
	case "/stats":
		h.replyStats(ctx, dest)
		return
	}

	url, ok := ExtractURL(text)
	if !ok {
		return
	}

	key, isCollection, ok := ExtractKey(url)
	if !ok {
		h.sendText(ctx, dest, "Unsupported link.")
		return
	}

	if isCollection {
		h.handleCollection(ctx, dest, key)
		return
	}
	h.handleSingle(ctx, dest, key)
}

func (h *Handler) handleSingle(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) {
	source, err := h.resolver.Resolve(ctx, dest, key)
	if err != nil {
		h.logger.Warn("resolve failed", "key", key, "error", err)
		h.sendText(ctx, dest, failureNotice)
		return
	}
	h.logger.Debug("resolved", "key", key, "source", source)
}

func (h *Handler) handleCollection(ctx context.Context, dest tunecache.Destination, key tunecache.ContentKey) {
	status, haveStatus := h.trySendText(ctx, dest, "Fetching playlist info...")

	tracks, err := h.lister.ListCollection(ctx, key)
	if err != nil {
		h.logger.Warn("failed to list collection", "key", key, "error", err)
		h.editOrSend(ctx, dest, status, haveStatus, failureNotice)
		return
	}
	if len(tracks) == 0 {
		h.editOrSend(ctx, dest, status, haveStatus, "No tracks found.")
		return
	}

	keys := make([]tunecache.ContentKey, 0, len(tracks))
	for _, track := range tracks {
		keys = append(keys, track.Key)
	}

	h.editOrSend(ctx, dest, status, haveStatus,
		fmt.Sprintf("Found %d tracks, sending...", len(tracks)))

	progress := func(done, total int) {
		if !haveStatus {
			return
		}
		// Progress edits are advisory; a failed edit never stalls the batch.
		_ = h.messenger.EditText(ctx, status, fmt.Sprintf("Sent %d of %d tracks...", done, total))
	}

	result := h.resolver.ResolveBatch(ctx, dest, keys, h.batchCfg, progress)

	summary := fmt.Sprintf("Done: %d of %d tracks sent.", result.Total-result.Failed, result.Total)
	if result.Failed > 0 {
		summary += fmt.Sprintf(" %d failed.", result.Failed)
	}
	h.editOrSend(ctx, dest, status, haveStatus, summary)
}

func (h *Handler) replyStart(ctx context.Context, dest tunecache.Destination) {
	h.sendText(ctx, dest, fmt.Sprintf(
		"Music cache bot.\nCached deliveries: %d\nLocal files: %d\nSend a link to get started.",
		h.catalog.Delivery().Len(), h.catalog.Artifacts().Len()))
}

func (h *Handler) replyStats(ctx context.Context, dest tunecache.Destination) {
	h.sendText(ctx, dest, fmt.Sprintf(
		"Cached deliveries: %d\nLocal files: %d\nLocal bytes: %d",
		h.catalog.Delivery().Len(), h.catalog.Artifacts().Len(), h.catalog.Artifacts().TotalBytes()))
}

func (h *Handler) sendText(ctx context.Context, dest tunecache.Destination, text string) {
	if _, err := h.messenger.SendText(ctx, dest, text); err != nil {
		h.logger.Warn("failed to send message", "chat", dest.ChatID, "error", err)
	}
}

func (h *Handler) trySendText(ctx context.Context, dest tunecache.Destination, text string) (tunecache.MessageHandle, bool) {
	handle, err := h.messenger.SendText(ctx, dest, text)
	if err != nil {
		h.logger.Warn("failed to send status message", "chat", dest.ChatID, "error", err)
		return tunecache.MessageHandle{}, false
	}
	return handle, true
}

func (h *Handler) editOrSend(ctx context.Context, dest tunecache.Destination, handle tunecache.MessageHandle, haveHandle bool, text string) {
	if haveHandle {
		if err := h.messenger.EditText(ctx, handle, text); err == nil {
			return
		}
	}
	h.sendText(ctx, dest, text)
}
