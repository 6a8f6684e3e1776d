// Package chat defines the transport contract between the assistant and a
// chat platform: plain text sends, choice prompts rendered as tappable
// buttons, message edit/delete, and a push channel of inbound events.
package chat

import (
	"context"
	"time"
)

// MessageRef identifies a sent message for later edit or delete.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// IsZero reports whether the ref identifies no message.
func (r MessageRef) IsZero() bool {
	return r.ChannelID == "" && r.MessageID == ""
}

// EventKind discriminates inbound event shapes.
type EventKind int

const (
	// EventText is a typed free-text message from a user.
	EventText EventKind = iota
	// EventChoice is a button tap carrying a correlation ID and option index.
	EventChoice
)

// Event is one inbound user action delivered by Listen.
type Event struct {
	Kind          EventKind
	UserID        string
	Text          string // EventText
	CorrelationID string // EventChoice
	Option        int    // EventChoice
	Timestamp     time.Time
}

// Transport abstracts a chat platform. Implementations: Discord, Slack, and
// the in-memory Mock for tests.
type Transport interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error
	// Listen returns a channel of inbound events. Must be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)
	// SendText delivers a plain text message to a user's conversation.
	SendText(ctx context.Context, userID, text string) (MessageRef, error)
	// SendChoice delivers a prompt with tappable option buttons. Each button
	// is tagged with correlationID and its option index; a tap surfaces as an
	// EventChoice on the Listen channel.
	SendChoice(ctx context.Context, userID, prompt string, options []string, correlationID string) (MessageRef, error)
	// EditText replaces the text of a previously sent message.
	EditText(ctx context.Context, ref MessageRef, text string) error
	// Delete removes a previously sent message.
	Delete(ctx context.Context, ref MessageRef) error
	// Close shuts the connection down gracefully.
	Close() error
}
