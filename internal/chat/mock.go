package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SentMessage records one outbound message for test assertions.
type SentMessage struct {
	Ref           MessageRef
	UserID        string
	Text          string
	Options       []string // non-nil for choice prompts
	CorrelationID string
}

// Mock implements Transport for testing. It records sent messages and allows
// simulating inbound events via SimulateText and SimulateChoice.
type Mock struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan Event
	sent      []SentMessage
	edits     map[MessageRef][]string
	deleted   map[MessageRef]bool
	nextID    int
}

// NewMock creates a Mock with a buffered inbound channel.
func NewMock() *Mock {
	return &Mock{
		inbound: make(chan Event, 100),
		edits:   make(map[MessageRef][]string),
		deleted: make(map[MessageRef]bool),
	}
}

// Connect marks the mock as connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock transport: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *Mock) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock transport: not connected")
	}
	return m.inbound, nil
}

// SendText records a text message and returns a fresh ref.
func (m *Mock) SendText(ctx context.Context, userID, text string) (MessageRef, error) {
	return m.record(SentMessage{UserID: userID, Text: text})
}

// SendChoice records a choice prompt and returns a fresh ref.
func (m *Mock) SendChoice(ctx context.Context, userID, prompt string, options []string, correlationID string) (MessageRef, error) {
	opts := make([]string, len(options))
	copy(opts, options)
	return m.record(SentMessage{
		UserID:        userID,
		Text:          prompt,
		Options:       opts,
		CorrelationID: correlationID,
	})
}

func (m *Mock) record(msg SentMessage) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock transport: not connected")
	}
	m.nextID++
	msg.Ref = MessageRef{ChannelID: "dm:" + msg.UserID, MessageID: fmt.Sprintf("m%d", m.nextID)}
	m.sent = append(m.sent, msg)
	return msg.Ref, nil
}

// EditText records an edit against the ref.
func (m *Mock) EditText(ctx context.Context, ref MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted[ref] {
		return fmt.Errorf("mock transport: message %s deleted", ref.MessageID)
	}
	m.edits[ref] = append(m.edits[ref], text)
	return nil
}

// Delete marks the ref as deleted.
func (m *Mock) Delete(ctx context.Context, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[ref] = true
	return nil
}

// Close shuts down the mock and closes the inbound channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateText delivers a typed message as if it came from the platform.
func (m *Mock) SimulateText(userID, text string) {
	m.inbound <- Event{Kind: EventText, UserID: userID, Text: text, Timestamp: time.Now()}
}

// SimulateChoice delivers a button tap as if it came from the platform.
func (m *Mock) SimulateChoice(userID, correlationID string, option int) {
	m.inbound <- Event{Kind: EventChoice, UserID: userID, CorrelationID: correlationID, Option: option, Timestamp: time.Now()}
}

// Sent returns a copy of all recorded outbound messages.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recently sent message, if any.
func (m *Mock) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Edits returns the edit history for a ref.
func (m *Mock) Edits(ref MessageRef) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.edits[ref]))
	copy(out, m.edits[ref])
	return out
}

// Deleted reports whether the ref was deleted.
func (m *Mock) Deleted(ref MessageRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[ref]
}

// SentCount returns the number of outbound messages recorded.
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
