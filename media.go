package tunecache

// MediaFile describes a freshly extracted media artifact on local disk.
type MediaFile struct {
	Key             ContentKey
	Title           string
	Path            string
	DurationSeconds int
}

// BlobHandle is a transport-native identifier for an uploaded audio blob.
// The transport can re-send the blob by handle without another upload.
type BlobHandle string

// IsZero reports whether the handle is empty.
func (b BlobHandle) IsZero() bool {
	return b == ""
}

// OriginLocation is a transport-addressable location a delivered message
// can be forwarded from: a container (chat) and an item (message) within it.
type OriginLocation struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// IsZero reports whether the location is unset.
func (l OriginLocation) IsZero() bool {
	return l == OriginLocation{}
}

// Destination identifies where an artifact or message should be delivered.
type Destination struct {
	ChatID int64
}

// MessageHandle identifies a sent text message so it can be edited later.
type MessageHandle struct {
	ChatID    int64
	MessageID int64
}

// IsZero reports whether the handle is unset.
func (h MessageHandle) IsZero() bool {
	return h == MessageHandle{}
}

// DeliveryReceipt is returned by the transport after a successful audio
// send. It carries the handles needed to re-deliver the same content
// later at near-zero cost.
type DeliveryReceipt struct {
	Blob   BlobHandle
	Origin OriginLocation
}

// AudioMetadata is attached to an audio send so players can display
// title and duration without probing the file.
type AudioMetadata struct {
	Title           string
	DurationSeconds int
	Performer       string
	Caption         string
}

// Track is one entry of a collection listing: enough to resolve the
// item and to describe it in progress messages, without fetching it.
type Track struct {
	Key             ContentKey
	Title           string
	DurationSeconds int
}
