// Package channels defines the channel-agnostic message types exchanged
// between a messaging platform adapter and the assistant, plus the small
// interfaces the assistant needs from an adapter.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contacts"
	MessageReaction MessageType = "reaction"
	MessageUnknown  MessageType = "unknown"
)

// IncomingMessage represents a message received from a channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform. It doubles as the
	// conversation key.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// Route identifies the business endpoint the message was addressed to.
	// Replies must go out through the same route.
	Route string

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains media attachment details (if any).
	Media *MediaInfo
}

// HasMedia reports whether the message references downloadable media.
func (m *IncomingMessage) HasMedia() bool {
	return m.Media != nil && m.Media.ID != ""
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// ID is the platform media handle used to resolve a download URL.
	ID string

	// Type is the media type.
	Type MessageType

	// MimeType is the MIME type announced by the platform.
	MimeType string

	// SHA256 is the hash announced by the platform, if any.
	SHA256 string

	// Caption is the media caption text.
	Caption string

	// Voice is true for push-to-talk voice notes.
	Voice bool
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string
}

// Sender delivers a reply. route is the business endpoint recorded from the
// user's inbound messages and to is the user identifier.
type Sender interface {
	Send(ctx context.Context, route, to string, msg *OutgoingMessage) error
}

// MediaDownloader fetches the bytes behind a media handle, refusing
// anything larger than maxBytes. It returns the data and its MIME type.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, media *MediaInfo, maxBytes int64) ([]byte, string, error)
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Configured    bool           `json:"configured"`
	LastMessageAt time.Time      `json:"last_message_at"`
	SentCount     int64          `json:"sent_count"`
	ErrorCount    int64          `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrSendFailed          = errors.New("failed to send message")
	ErrMediaDownloadFailed = errors.New("failed to download media")
	ErrMediaTooLarge       = errors.New("media exceeds size limit")
	ErrMissingCredentials  = errors.New("channel credentials not configured")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
)
