// Package assistant ties the chat transport, correlation registry, and
// conversation arbiter into the user-facing conversational surface and the
// daemon that drives it.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/chat"
	"github.com/mkatzman/valet/internal/correlate"
)

// defaultRedisplay is how long a prompt may sit unanswered before it is
// deleted and re-sent to bump it to the bottom of the user's chat.
const defaultRedisplay = 60 * time.Minute

// Messenger sends prompts and awaits correlated replies. One per process;
// safe for concurrent use by many plugin goroutines.
type Messenger struct {
	transport chat.Transport
	registry  *correlate.Registry
	arbiter   *arbiter.Arbiter
	redisplay time.Duration

	mu      sync.Mutex
	pending map[string][]string // user ID -> correlation IDs awaiting a text reply, oldest first
}

// MessengerOpts holds parameters for creating a Messenger.
type MessengerOpts struct {
	Transport chat.Transport      // required
	Registry  *correlate.Registry // required
	Arbiter   *arbiter.Arbiter    // required; feeds the pending-interaction notice
	Redisplay time.Duration       // defaults to 60m
}

// NewMessenger creates a Messenger.
func NewMessenger(opts MessengerOpts) (*Messenger, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("assistant: transport is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("assistant: registry is required")
	}
	if opts.Arbiter == nil {
		return nil, fmt.Errorf("assistant: arbiter is required")
	}
	m := &Messenger{
		transport: opts.Transport,
		registry:  opts.Registry,
		arbiter:   opts.Arbiter,
		redisplay: opts.Redisplay,
		pending:   make(map[string][]string),
	}
	if m.redisplay <= 0 {
		m.redisplay = defaultRedisplay
	}
	return m, nil
}

// SendText delivers a plain message with no reply expected.
func (m *Messenger) SendText(ctx context.Context, userID, text string) error {
	_, err := m.transport.SendText(ctx, userID, text)
	return err
}

// RequestChoice sends a button prompt and blocks until the user taps an
// option or ctx is cancelled. A prompt unanswered past the redisplay interval
// is deleted and re-sent, preceded by a notice of how many other interactions
// are queued behind it. The answered prompt is edited to freeze the chosen
// option in the conversation history.
func (m *Messenger) RequestChoice(ctx context.Context, userID, prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("assistant: choice prompt needs at least one option")
	}

	id, _ := m.registry.Register()
	defer m.registry.Abandon(id)

	ref, err := m.transport.SendChoice(ctx, userID, prompt, options, id)
	if err != nil {
		return 0, fmt.Errorf("assistant: send choice prompt: %w", err)
	}

	var noticeRef chat.MessageRef
	for {
		reply, err := m.registry.Await(ctx, id, m.redisplay)
		if err == nil {
			m.deleteQuietly(noticeRef)
			if reply.Choice >= 0 && reply.Choice < len(options) {
				frozen := fmt.Sprintf("%s\n› %s", prompt, options[reply.Choice])
				if err := m.transport.EditText(ctx, ref, frozen); err != nil {
					log.Printf("assistant: freeze choice prompt: %v", err)
				}
				return reply.Choice, nil
			}
			return 0, fmt.Errorf("assistant: choice %d out of range", reply.Choice)
		}
		if errors.Is(err, correlate.ErrTimedOut) {
			ref, noticeRef, err = m.redisplayPrompt(ctx, userID, ref, noticeRef, func(ctx context.Context) (chat.MessageRef, error) {
				return m.transport.SendChoice(ctx, userID, prompt, options, id)
			})
			if err != nil {
				return 0, err
			}
			continue
		}
		m.deleteQuietly(ref)
		m.deleteQuietly(noticeRef)
		return 0, err
	}
}

// RequestInput sends a text prompt and blocks until the user types a reply
// or ctx is cancelled. Redisplay behaves as in RequestChoice.
func (m *Messenger) RequestInput(ctx context.Context, userID, prompt string) (string, error) {
	id, _ := m.registry.Register()
	m.pushPending(userID, id)
	defer func() {
		m.removePending(userID, id)
		m.registry.Abandon(id)
	}()

	ref, err := m.transport.SendText(ctx, userID, prompt)
	if err != nil {
		return "", fmt.Errorf("assistant: send input prompt: %w", err)
	}

	var noticeRef chat.MessageRef
	for {
		reply, err := m.registry.Await(ctx, id, m.redisplay)
		if err == nil {
			m.deleteQuietly(noticeRef)
			return reply.Text, nil
		}
		if errors.Is(err, correlate.ErrTimedOut) {
			ref, noticeRef, err = m.redisplayPrompt(ctx, userID, ref, noticeRef, func(ctx context.Context) (chat.MessageRef, error) {
				return m.transport.SendText(ctx, userID, prompt)
			})
			if err != nil {
				return "", err
			}
			continue
		}
		m.deleteQuietly(ref)
		m.deleteQuietly(noticeRef)
		return "", err
	}
}

// redisplayPrompt deletes a stale prompt (and its notice) and re-sends it,
// preceded by a fresh pending-interactions notice when other leases are
// queued behind the current one.
func (m *Messenger) redisplayPrompt(ctx context.Context, userID string, ref, noticeRef chat.MessageRef, send func(context.Context) (chat.MessageRef, error)) (chat.MessageRef, chat.MessageRef, error) {
	m.deleteQuietly(ref)
	m.deleteQuietly(noticeRef)

	var newNotice chat.MessageRef
	if n := m.arbiter.PendingCount(userID); n > 0 {
		notice := fmt.Sprintf("Still waiting on this one. You have %d more pending after it.", n)
		var err error
		newNotice, err = m.transport.SendText(ctx, userID, notice)
		if err != nil {
			log.Printf("assistant: send pending notice: %v", err)
		}
	}

	newRef, err := send(ctx)
	if err != nil {
		m.deleteQuietly(newNotice)
		return chat.MessageRef{}, chat.MessageRef{}, fmt.Errorf("assistant: redisplay prompt: %w", err)
	}
	return newRef, newNotice, nil
}

// deleteQuietly best-effort deletes a message; used for cleanup paths where
// ctx may already be cancelled.
func (m *Messenger) deleteQuietly(ref chat.MessageRef) {
	if ref.IsZero() {
		return
	}
	if err := m.transport.Delete(context.Background(), ref); err != nil {
		log.Printf("assistant: delete message: %v", err)
	}
}

// HandleChoice routes a button tap to its waiting prompt. Unmatched taps are
// buffered by the registry for a late waiter.
func (m *Messenger) HandleChoice(userID, correlationID string, option int) {
	m.registry.Resolve(correlationID, correlate.Reply{Kind: correlate.KindChoice, Choice: option})
}

// HandleText routes a typed message to the user's most recent pending input
// prompt. It reports whether the text was consumed by a prompt.
func (m *Messenger) HandleText(userID, text string) bool {
	id, ok := m.popPending(userID)
	if !ok {
		return false
	}
	m.registry.Resolve(id, correlate.Reply{Kind: correlate.KindText, Text: text})
	return true
}

func (m *Messenger) pushPending(userID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = append(m.pending[userID], id)
}

// popPending removes and returns the most recent pending input correlation.
func (m *Messenger) popPending(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.pending[userID]
	if len(ids) == 0 {
		return "", false
	}
	id := ids[len(ids)-1]
	m.pending[userID] = ids[:len(ids)-1]
	return id, true
}

func (m *Messenger) removePending(userID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.pending[userID]
	for i, p := range ids {
		if p == id {
			m.pending[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
