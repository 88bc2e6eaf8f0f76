package bus

import "time"

// Peer identifies the conversation a message belongs to.
type Peer struct {
	Kind string `json:"kind"` // "direct" | "group"
	ID   string `json:"id"`
}

const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// ContentKind tags the decoded body of a robot message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentMarkdown ContentKind = "markdown"
)

// MessageContent is the message body, decoded once when the callback
// arrives.
type MessageContent struct {
	Kind  ContentKind `json:"kind"`
	Text  string      `json:"text"`
	Title string      `json:"title,omitempty"`
}

// InboundMessage is one robot callback as seen by the turn workers.
type InboundMessage struct {
	Channel           string            `json:"channel"`
	Peer              Peer              `json:"peer"`
	SenderID          string            `json:"sender_id"`
	SenderStaffID     string            `json:"sender_staff_id,omitempty"`
	SenderNick        string            `json:"sender_nick,omitempty"`
	MessageID         string            `json:"message_id,omitempty"`
	Content           MessageContent    `json:"content"`
	MentionedBot      bool              `json:"mentioned_bot"`
	ConversationTitle string            `json:"conversation_title,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	SessionWebhook    string            `json:"session_webhook,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the message came from a group conversation.
func (m InboundMessage) IsGroup() bool { return m.Peer.Kind == PeerGroup }

// ConversationID returns the DingTalk conversation id.
func (m InboundMessage) ConversationID() string { return m.Peer.ID }

// OutboundMessage is a message the bridge initiates itself, outside a turn.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	IsGroup bool   `json:"is_group"`
	// UserID is the recipient staff id, required for direct messages.
	UserID   string `json:"user_id,omitempty"`
	Content  string `json:"content"`
	Markdown bool   `json:"markdown,omitempty"`
	Title    string `json:"title,omitempty"`
}
