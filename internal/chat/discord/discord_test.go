package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mkatzman/valet/internal/chat"
)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	closeErr     error
	sentMessages []sentMessage
	sendErr      error
	edits        []editedMessage
	editErr      error
	deletes      []chat.MessageRef
	deleteErr    error
	acks         []*discordgo.InteractionResponse
	dmErr        error
	dmCalls      int
	handlers     []interface{}
	removeCount  int
	nextMsgID    int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

type editedMessage struct {
	channelID string
	messageID string
	content   string
}

func newMockSession() *mockSession {
	return &mockSession{}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return m.closeErr
}

func (m *mockSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dmCalls++
	if m.dmErr != nil {
		return nil, m.dmErr
	}
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: content})
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.nextMsgID++
	m.sentMessages = append(m.sentMessages, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.nextMsgID)}, nil
}

func (m *mockSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, editedMessage{channelID: channelID, messageID: messageID, content: content})
	return &discordgo.Message{ID: messageID}, nil
}

func (m *mockSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, chat.MessageRef{ChannelID: channelID, MessageID: messageID})
	return nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, resp)
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMessages)
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

// --- Helper to create a connected transport ---

func newTestTransport(t *testing.T) (*Transport, *mockSession) {
	t.Helper()
	sess := newMockSession()

	tr, err := New(TransportOpts{Session: sess})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.SetBotUserID("BOT_USER_ID")
	return tr, sess
}

// --- New tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(TransportOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithMockSession(t *testing.T) {
	tr, err := New(TransportOpts{Session: newMockSession()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
}

// --- Connect tests ---

func TestConnect_Success(t *testing.T) {
	_, sess := newTestTransport(t)
	if !sess.opened {
		t.Error("expected session to be opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway error")

	tr, _ := New(TransportOpts{Session: sess})
	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected open error")
	}
	if !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("error = %q, want open gateway error", err.Error())
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.Close()
	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for closed transport")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	tr, _ := newTestTransport(t)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should not error: %v", err)
	}
}

// --- Listen tests ---

func TestListen_NotConnected(t *testing.T) {
	tr, _ := New(TransportOpts{Session: newMockSession()})
	_, err := tr.Listen(context.Background())
	if err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_ReceivesDirectMessages(t *testing.T) {
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := tr.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "123456789012345678",
			ChannelID: "dm-U_ALICE",
			Content:   "hello",
			Author:    &discordgo.User{ID: "U_ALICE", Username: "Alice"},
		},
	})

	select {
	case ev := <-ch:
		if ev.Kind != chat.EventText {
			t.Errorf("kind = %v, want EventText", ev.Kind)
		}
		if ev.UserID != "U_ALICE" {
			t.Errorf("user id = %q, want U_ALICE", ev.UserID)
		}
		if ev.Text != "hello" {
			t.Errorf("text = %q, want hello", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
}

func TestListen_FiltersSelfAndBotMessages(t *testing.T) {
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := tr.Listen(ctx)

	// Self-message.
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "100",
			Content: "bot message",
			Author:  &discordgo.User{ID: "BOT_USER_ID", Username: "Bot"},
		},
	})
	// Other bot.
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "101",
			Content: "other bot",
			Author:  &discordgo.User{ID: "OTHER_BOT", Username: "OtherBot", Bot: true},
		},
	})
	// Real message.
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "102",
			Content: "real message",
			Author:  &discordgo.User{ID: "U_ALICE", Username: "Alice"},
		},
	})

	select {
	case ev := <-ch:
		if ev.Text != "real message" {
			t.Errorf("expected real message, got %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestListen_FiltersGuildMessages(t *testing.T) {
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := tr.Listen(ctx)

	// Guild message is not conversation traffic.
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "200",
			GuildID: "G1",
			Content: "in a guild",
			Author:  &discordgo.User{ID: "U_ALICE", Username: "Alice"},
		},
	})
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "201",
			Content: "in a DM",
			Author:  &discordgo.User{ID: "U_ALICE", Username: "Alice"},
		},
	})

	select {
	case ev := <-ch:
		if ev.Text != "in a DM" {
			t.Errorf("expected DM, got %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestHandleMessage_NilAuthor(t *testing.T) {
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := tr.Listen(ctx)

	// Message with nil author should not panic.
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{ID: "300", Content: "no author"},
	})
	tr.handleMessage(&discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:      "301",
			Content: "real",
			Author:  &discordgo.User{ID: "U1", Username: "User1"},
		},
	})

	select {
	case ev := <-ch:
		if ev.Text != "real" {
			t.Errorf("expected real message, got %q", ev.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

// --- Interaction tests ---

func TestHandleInteraction_ButtonTap(t *testing.T) {
	tr, sess := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := tr.Listen(ctx)

	tr.handleInteraction(&discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionMessageComponent,
			Data: discordgo.MessageComponentInteractionData{
				CustomID: "12345678901234567890:2",
			},
			User: &discordgo.User{ID: "U_ALICE"},
		},
	})

	select {
	case ev := <-ch:
		if ev.Kind != chat.EventChoice {
			t.Errorf("kind = %v, want EventChoice", ev.Kind)
		}
		if ev.CorrelationID != "12345678901234567890" {
			t.Errorf("correlation id = %q", ev.CorrelationID)
		}
		if ev.Option != 2 {
			t.Errorf("option = %d, want 2", ev.Option)
		}
		if ev.UserID != "U_ALICE" {
			t.Errorf("user id = %q, want U_ALICE", ev.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for choice event")
	}

	sess.mu.Lock()
	acks := len(sess.acks)
	sess.mu.Unlock()
	if acks != 1 {
		t.Errorf("expected interaction to be acknowledged once, got %d", acks)
	}
}

func TestHandleInteraction_IgnoresNonComponent(t *testing.T) {
	tr, sess := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Listen(ctx)

	tr.handleInteraction(&discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
		},
	})

	sess.mu.Lock()
	acks := len(sess.acks)
	sess.mu.Unlock()
	if acks != 0 {
		t.Errorf("expected no acknowledgements, got %d", acks)
	}
}

func TestHandleInteraction_MemberUser(t *testing.T) {
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := tr.Listen(ctx)

	// Guild-style interactions carry the user under Member.
	tr.handleInteraction(&discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionMessageComponent,
			Data: discordgo.MessageComponentInteractionData{
				CustomID: "999:0",
			},
			Member: &discordgo.Member{User: &discordgo.User{ID: "U_BOB"}},
		},
	})

	select {
	case ev := <-ch:
		if ev.UserID != "U_BOB" {
			t.Errorf("user id = %q, want U_BOB", ev.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

// --- SendText tests ---

func TestSendText_Success(t *testing.T) {
	tr, sess := newTestTransport(t)

	ref, err := tr.SendText(context.Background(), "U_ALICE", "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.ChannelID != "dm-U_ALICE" {
		t.Errorf("channel = %q, want dm-U_ALICE", ref.ChannelID)
	}
	if ref.MessageID == "" {
		t.Error("expected non-empty message ID")
	}
	if sess.sentCount() != 1 {
		t.Fatalf("expected 1 sent message, got %d", sess.sentCount())
	}
	if sess.lastSent().data.Content != "hello world" {
		t.Errorf("content = %q", sess.lastSent().data.Content)
	}
}

func TestSendText_CachesDMChannel(t *testing.T) {
	tr, sess := newTestTransport(t)

	tr.SendText(context.Background(), "U_ALICE", "first")
	tr.SendText(context.Background(), "U_ALICE", "second")

	sess.mu.Lock()
	calls := sess.dmCalls
	sess.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 DM channel lookup, got %d", calls)
	}
}

func TestSendText_NotConnected(t *testing.T) {
	tr, _ := New(TransportOpts{Session: newMockSession()})
	_, err := tr.SendText(context.Background(), "U1", "hello")
	if err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSendText_DMChannelError(t *testing.T) {
	tr, sess := newTestTransport(t)
	sess.dmErr = fmt.Errorf("cannot DM user")

	_, err := tr.SendText(context.Background(), "U1", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "create DM channel") {
		t.Errorf("error = %q", err.Error())
	}
}

// --- SendChoice tests ---

func TestSendChoice_BuildsButtons(t *testing.T) {
	tr, sess := newTestTransport(t)

	_, err := tr.SendChoice(context.Background(), "U_ALICE", "Pick one", []string{"Yes", "No", "Skip"}, "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := sess.lastSent()
	if last.data.Content != "Pick one" {
		t.Errorf("content = %q", last.data.Content)
	}
	if len(last.data.Components) != 1 {
		t.Fatalf("expected 1 action row, got %d", len(last.data.Components))
	}
	row, ok := last.data.Components[0].(discordgo.ActionsRow)
	if !ok {
		t.Fatalf("component is %T, want ActionsRow", last.data.Components[0])
	}
	if len(row.Components) != 3 {
		t.Fatalf("expected 3 buttons, got %d", len(row.Components))
	}
	btn, ok := row.Components[1].(discordgo.Button)
	if !ok {
		t.Fatalf("row component is %T, want Button", row.Components[1])
	}
	if btn.Label != "No" {
		t.Errorf("button label = %q, want No", btn.Label)
	}
	if btn.CustomID != "42:1" {
		t.Errorf("custom id = %q, want 42:1", btn.CustomID)
	}
}

func TestSendChoice_SplitsRowsAtFive(t *testing.T) {
	tr, sess := newTestTransport(t)

	options := []string{"a", "b", "c", "d", "e", "f", "g"}
	_, err := tr.SendChoice(context.Background(), "U_ALICE", "Pick", options, "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := sess.lastSent()
	if len(last.data.Components) != 2 {
		t.Fatalf("expected 2 action rows, got %d", len(last.data.Components))
	}
	row1 := last.data.Components[0].(discordgo.ActionsRow)
	row2 := last.data.Components[1].(discordgo.ActionsRow)
	if len(row1.Components) != 5 || len(row2.Components) != 2 {
		t.Errorf("row sizes = %d,%d, want 5,2", len(row1.Components), len(row2.Components))
	}
}

// --- EditText / Delete tests ---

func TestEditText(t *testing.T) {
	tr, sess := newTestTransport(t)

	ref := chat.MessageRef{ChannelID: "dm-U1", MessageID: "msg-9"}
	if err := tr.EditText(context.Background(), ref, "updated"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.edits) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(sess.edits))
	}
	if sess.edits[0].content != "updated" {
		t.Errorf("content = %q", sess.edits[0].content)
	}
	if sess.edits[0].messageID != "msg-9" {
		t.Errorf("message id = %q", sess.edits[0].messageID)
	}
}

func TestDelete(t *testing.T) {
	tr, sess := newTestTransport(t)

	ref := chat.MessageRef{ChannelID: "dm-U1", MessageID: "msg-9"}
	if err := tr.Delete(context.Background(), ref); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.deletes) != 1 {
		t.Fatalf("expected 1 delete, got %d", len(sess.deletes))
	}
	if sess.deletes[0] != ref {
		t.Errorf("deleted ref = %+v, want %+v", sess.deletes[0], ref)
	}
}

func TestDelete_Error(t *testing.T) {
	tr, sess := newTestTransport(t)
	sess.deleteErr = fmt.Errorf("forbidden")

	err := tr.Delete(context.Background(), chat.MessageRef{ChannelID: "c", MessageID: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
}

// --- Close tests ---

func TestClose_Success(t *testing.T) {
	tr, sess := newTestTransport(t)
	if err := tr.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sess.closeCalled {
		t.Error("expected session Close() to be called")
	}
}

func TestClose_Idempotent(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.Close()
	if err := tr.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

func TestClose_RemovesHandlers(t *testing.T) {
	tr, sess := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := tr.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	tr.Close()

	sess.mu.Lock()
	removed := sess.removeCount
	sess.mu.Unlock()
	if removed != 2 {
		t.Errorf("expected message and interaction handlers removed, removeCount = %d", removed)
	}

	// Close alone must end the event stream; nothing else cancels it.
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected no events after Close")
		}
	default:
		t.Error("expected the event channel to be closed")
	}
}

// --- parseCustomID tests ---

func TestParseCustomID(t *testing.T) {
	tests := []struct {
		input  string
		wantID string
		wantN  int
		wantOK bool
	}{
		{"12345:0", "12345", 0, true},
		{"12345:12", "12345", 12, true},
		{"id:with:colons:3", "id:with:colons", 3, true},
		{"nocolon", "", 0, false},
		{":5", "", 0, false},
		{"12345:", "", 0, false},
		{"12345:-1", "", 0, false},
		{"12345:abc", "", 0, false},
	}
	for _, tt := range tests {
		id, n, ok := parseCustomID(tt.input)
		if ok != tt.wantOK || id != tt.wantID || n != tt.wantN {
			t.Errorf("parseCustomID(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.input, id, n, ok, tt.wantID, tt.wantN, tt.wantOK)
		}
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.baseBackoff = time.Millisecond
	tr.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	tr, _ := newTestTransport(t)
	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.baseBackoff = time.Millisecond
	tr.maxBackoff = 10 * time.Millisecond

	calls := 0
	err := tr.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.baseBackoff = time.Second // long backoff

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := tr.retryOnRateLimit(ctx, func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}

// --- Verify Transport interface compliance ---

var _ chat.Transport = (*Transport)(nil)
