// Package slack implements the chat Transport for Slack using Socket Mode.
// Conversations are direct-message channels; choice prompts are rendered as
// Block Kit buttons whose action IDs carry the correlation ID.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/mkatzman/valet/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Transport implements chat.Transport for Slack Socket Mode.
type Transport struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan chat.Event
	dmChannels   map[string]string // user ID -> DM channel ID
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// TransportOpts holds parameters for creating a Slack Transport.
type TransportOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	t := &Transport{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan chat.Event, 100),
		dmChannels:   make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}

	if opts.Client != nil {
		t.client = opts.Client
	}
	if opts.Socket != nil {
		t.socket = opts.Socket
	}

	return t, nil
}

// Connect establishes the Socket Mode WebSocket connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("slack: transport already closed")
	}
	if t.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if t.client == nil {
		api := slackapi.New(t.botToken, slackapi.OptionAppLevelToken(t.appToken))
		t.client = api
		t.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := t.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	t.botUserID = auth.UserID

	t.connected = true
	return nil
}

// Listen returns a channel of inbound events. Starts the Socket Mode event
// pump in a background goroutine. Must be called after Connect.
func (t *Transport) Listen(ctx context.Context) (<-chan chat.Event, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	t.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelFunc = cancel
	t.mu.Unlock()

	// Start socket mode in background with reconnection logic.
	go t.runWithReconnect(listenCtx)

	// Pump events from socket mode to inbound channel.
	go t.pumpEvents(listenCtx)

	return t.inbound, nil
}

// SendText delivers a plain text message to the user's DM channel.
func (t *Transport) SendText(ctx context.Context, userID, text string) (chat.MessageRef, error) {
	channelID, err := t.dmChannel(ctx, userID)
	if err != nil {
		return chat.MessageRef{}, err
	}

	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = t.client.PostMessage(channelID, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: ts}, nil
}

// SendChoice delivers a prompt with one Block Kit button per option. Each
// button's action ID is "<correlationID>:<index>" so a tap can be routed back
// to the waiting prompt without any adapter-side state.
func (t *Transport) SendChoice(ctx context.Context, userID, prompt string, options []string, correlationID string) (chat.MessageRef, error) {
	channelID, err := t.dmChannel(ctx, userID)
	if err != nil {
		return chat.MessageRef{}, err
	}

	blocks := buildChoiceBlocks(prompt, options, correlationID)

	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = t.client.PostMessage(channelID,
			slackapi.MsgOptionText(prompt, false),
			slackapi.MsgOptionBlocks(blocks...))
		return postErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("slack: post choice: %w", err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: ts}, nil
}

// EditText replaces the text of a previously sent message. Any Block Kit
// buttons on the message are dropped by the update.
func (t *Transport) EditText(ctx context.Context, ref chat.MessageRef, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := t.client.UpdateMessage(ref.ChannelID, ref.MessageID,
			slackapi.MsgOptionText(text, false))
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (t *Transport) Delete(ctx context.Context, ref chat.MessageRef) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, deleteErr := t.client.DeleteMessage(ref.ChannelID, ref.MessageID)
		return deleteErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete message: %w", err)
	}
	return nil
}

// Close shuts down the transport and closes the inbound channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	close(t.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (t *Transport) BotUserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botUserID
}

// dmChannel resolves (and caches) the DM channel for a user.
func (t *Transport) dmChannel(ctx context.Context, userID string) (string, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return "", fmt.Errorf("slack: not connected")
	}
	if id, ok := t.dmChannels[userID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var ch *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, _, _, apiErr = t.client.OpenConversation(&slackapi.OpenConversationParameters{
			Users: []string{userID},
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: open conversation: %w", err)
	}

	t.mu.Lock()
	t.dmChannels[userID] = ch.ID
	t.mu.Unlock()
	return ch.ID, nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (t *Transport) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < t.maxReconnect; attempt++ {
		err := t.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		// Check if we're shutting down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * t.baseBackoff
		if wait > t.maxBackoff {
			wait = t.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v — reconnecting in %v",
			attempt+1, t.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", t.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to chat events.
func (t *Transport) pumpEvents(ctx context.Context) {
	events := t.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			t.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (t *Transport) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge the event.
		if evt.Request != nil {
			t.socket.Ack(*evt.Request)
		}
		t.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			t.socket.Ack(*evt.Request)
		}
		t.handleInteractive(callback)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (t *Transport) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			t.handleMessage(ev)
		}
	}
}

// handleMessage converts a Slack message event to a text event.
func (t *Transport) handleMessage(ev *slackevents.MessageEvent) {
	// Filter bot self-messages.
	if ev.User == t.botUserID {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}
	// Only direct messages carry conversation traffic.
	if ev.ChannelType != "" && ev.ChannelType != "im" {
		return
	}

	t.inbound <- chat.Event{
		Kind:      chat.EventText,
		UserID:    ev.User,
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
}

// handleInteractive converts a block action callback to a choice event.
func (t *Transport) handleInteractive(callback slackapi.InteractionCallback) {
	if callback.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		correlationID, option, ok := parseActionID(action.ActionID)
		if !ok {
			log.Printf("slack: ignoring action with malformed action ID %q", action.ActionID)
			continue
		}
		t.inbound <- chat.Event{
			Kind:          chat.EventChoice,
			UserID:        callback.User.ID,
			CorrelationID: correlationID,
			Option:        option,
			Timestamp:     time.Now(),
		}
	}
}

// buildChoiceBlocks renders a prompt and its options as a section block
// followed by an action block of buttons.
func buildChoiceBlocks(prompt string, options []string, correlationID string) []slackapi.Block {
	var buttons []slackapi.BlockElement
	for i, opt := range options {
		buttons = append(buttons, slackapi.NewButtonBlockElement(
			fmt.Sprintf("%s:%d", correlationID, i),
			strconv.Itoa(i),
			slackapi.NewTextBlockObject(slackapi.PlainTextType, opt, false, false),
		))
	}
	return []slackapi.Block{
		slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.PlainTextType, prompt, false, false),
			nil, nil),
		slackapi.NewActionBlock("choices", buttons...),
	}
}

// parseActionID splits "<correlationID>:<index>" back into its parts.
func parseActionID(actionID string) (string, int, bool) {
	idx := strings.LastIndex(actionID, ":")
	if idx <= 0 {
		return "", 0, false
	}
	option, err := strconv.Atoi(actionID[idx+1:])
	if err != nil || option < 0 {
		return "", 0, false
	}
	return actionID[:idx], option, true
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
