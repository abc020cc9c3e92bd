package tunecache

import "context"

// Messenger is the transport capability the cache delivers through.
// Implementations must be safe for concurrent use.
type Messenger interface {
	// Forward re-delivers an already-sent message from its origin
	// location. This is the cheapest reuse path; it fails when the
	// origin message has been deleted or expired upstream.
	Forward(ctx context.Context, dest Destination, origin OriginLocation) error

	// SendAudioFile uploads a local audio file and returns a receipt
	// with the transport-assigned blob handle and origin location.
	SendAudioFile(ctx context.Context, dest Destination, path string, meta AudioMetadata) (DeliveryReceipt, error)

	// SendAudioBlob re-sends a previously uploaded blob by handle.
	SendAudioBlob(ctx context.Context, dest Destination, blob BlobHandle) (DeliveryReceipt, error)

	// SendText sends a plain text message and returns its handle.
	SendText(ctx context.Context, dest Destination, text string) (MessageHandle, error)

	// EditText replaces the text of a previously sent message.
	EditText(ctx context.Context, handle MessageHandle, text string) error
}

// Fetcher is the external extraction capability: blocking, potentially
// tens of seconds per call, and resource-heavy. Callers must keep it off
// any latency-sensitive path and bound its concurrency.
type Fetcher interface {
	FetchMedia(ctx context.Context, key ContentKey) (*MediaFile, error)
}

// CollectionLister expands a collection key into its ordered track list
// without fetching any media.
type CollectionLister interface {
	ListCollection(ctx context.Context, key ContentKey) ([]Track, error)
}
