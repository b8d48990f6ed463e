package channels

import (
	"context"

	"github.com/loopgateway/loopgw/pkg/models"
)

// MessageAction represents the type of action to perform on a message.
type MessageAction string

const (
	ActionSend    MessageAction = "send"
	ActionEdit    MessageAction = "edit"
	ActionDelete  MessageAction = "delete"
	ActionReact   MessageAction = "react"
	ActionUnreact MessageAction = "unreact"
	ActionReply   MessageAction = "reply"
	ActionPin     MessageAction = "pin"
	ActionUnpin   MessageAction = "unpin"
	ActionTyping  MessageAction = "typing"
)

// AllMessageActions returns all defined message actions.
func AllMessageActions() []MessageAction {
	return []MessageAction{
		ActionSend, ActionEdit, ActionDelete, ActionReact, ActionUnreact,
		ActionReply, ActionPin, ActionUnpin, ActionTyping,
	}
}

// MessageActionRequest represents a request to perform an action on a message.
type MessageActionRequest struct {
	Action    MessageAction  `json:"action"`
	ChannelID string         `json:"channel_id"`
	MessageID string         `json:"message_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Reaction  string         `json:"reaction,omitempty"`
	ReplyToID string         `json:"reply_to_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageActionResult represents the result of a message action.
type MessageActionResult struct {
	Success   bool           `json:"success"`
	MessageID string         `json:"message_id,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Capabilities declares the features supported by a channel adapter.
type Capabilities struct {
	Send              bool  `json:"send"`
	Edit              bool  `json:"edit"`
	Delete            bool  `json:"delete"`
	React             bool  `json:"react"`
	Reply             bool  `json:"reply"`
	Pin               bool  `json:"pin"`
	Typing            bool  `json:"typing"`
	Attachments       bool  `json:"attachments"`
	RichText          bool  `json:"rich_text"`
	Threads           bool  `json:"threads"`
	MaxMessageLength  int   `json:"max_message_length,omitempty"`
	MaxAttachmentSize int64 `json:"max_attachment_size,omitempty"`
}

// SupportsAction reports whether the capability set covers the given action.
func (c Capabilities) SupportsAction(action MessageAction) bool {
	switch action {
	case ActionSend:
		return c.Send
	case ActionEdit:
		return c.Edit
	case ActionDelete:
		return c.Delete
	case ActionReact, ActionUnreact:
		return c.React
	case ActionReply:
		return c.Reply
	case ActionPin, ActionUnpin:
		return c.Pin
	case ActionTyping:
		return c.Typing
	default:
		return false
	}
}

// MessageActionsAdapter is implemented by adapters that support message
// actions beyond a plain send (edit, delete, react, pin, typing, ...).
type MessageActionsAdapter interface {
	Capabilities() Capabilities
	ExecuteAction(ctx context.Context, req *MessageActionRequest) (*MessageActionResult, error)
}

// EditableAdapter is a convenience interface for adapters that can edit messages.
type EditableAdapter interface {
	EditMessage(ctx context.Context, channelID, messageID, newContent string) error
}

// DeletableAdapter is a convenience interface for adapters that can delete messages.
type DeletableAdapter interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// ReactableAdapter is a convenience interface for adapters that support reactions.
type ReactableAdapter interface {
	AddReaction(ctx context.Context, channelID, messageID, reaction string) error
	RemoveReaction(ctx context.Context, channelID, messageID, reaction string) error
}

// ReplyableAdapter is a convenience interface for adapters supporting threaded replies.
type ReplyableAdapter interface {
	SendReply(ctx context.Context, channelID, replyToID string, msg *models.Message) error
}

// PinnableAdapter is a convenience interface for adapters that can pin messages.
type PinnableAdapter interface {
	PinMessage(ctx context.Context, channelID, messageID string) error
	UnpinMessage(ctx context.Context, channelID, messageID string) error
}
