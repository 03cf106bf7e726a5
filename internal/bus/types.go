// Package bus decouples the messaging transport from the dispatcher.
// Channels publish inbound events; the gateway consumer drains them,
// runs the agent pipeline, and publishes outbound replies back.
package bus

// MediaKind classifies inbound attachments.
type MediaKind string

const (
	MediaVoice    MediaKind = "voice"
	MediaAudio    MediaKind = "audio"
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
)

// InboundMessage is a message received from a channel.
type InboundMessage struct {
	ChatID  int64  `json:"chat_id"`
	TopicID int    `json:"topic_id,omitempty"` // 0 = no forum topic
	UserID  int64  `json:"user_id"`
	Text    string `json:"text"`

	// Media, when the message carried an attachment. Path points at the
	// downloaded file inside the attachments dir.
	Kind    MediaKind `json:"kind,omitempty"`
	Path    string    `json:"path,omitempty"`
	Caption string    `json:"caption,omitempty"`
}

// OutboundMessage is a reply to be delivered by a channel.
type OutboundMessage struct {
	ChatID   int64  `json:"chat_id"`
	TopicID  int    `json:"topic_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"`    // local path
	Document string `json:"document,omitempty"` // local path
}
