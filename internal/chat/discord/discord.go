// Package discord implements the chat Transport for Discord using the Gateway
// WebSocket. Conversations are direct-message channels; choice prompts are
// rendered as button components whose custom IDs carry the correlation ID.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mkatzman/valet/internal/chat"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for rate-limit retries.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Transport implements chat.Transport for Discord via the Gateway WebSocket.
type Transport struct {
	sess           session
	botToken       string
	botUserID      string
	mu             sync.Mutex
	connected      bool
	closed         bool
	inbound        chan chat.Event
	dmChannels     map[string]string // user ID -> DM channel ID
	removeHandlers []func()
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// TransportOpts holds parameters for creating a Discord Transport.
type TransportOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Transport.
func New(opts TransportOpts) (*Transport, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	t := &Transport{
		botToken:    opts.BotToken,
		inbound:     make(chan chat.Event, 100),
		dmChannels:  make(map[string]string),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}

	if opts.Session != nil {
		t.sess = opts.Session
	}

	return t, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("discord: transport already closed")
	}
	if t.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if t.sess == nil {
		dg, err := discordgo.New("Bot " + t.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		t.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	t.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		t.mu.Lock()
		t.botUserID = r.User.ID
		t.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo handles reconnection automatically; log it for observability.
	t.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	if err := t.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	t.connected = true
	return nil
}

// Listen returns a channel of inbound events from Discord. Registers message
// and interaction handlers on the Gateway session. Must be called after Connect.
func (t *Transport) Listen(ctx context.Context) (<-chan chat.Event, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	t.mu.Unlock()

	removeMsg := t.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		t.handleMessage(m)
	})
	removeInteraction := t.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		t.handleInteraction(i)
	})

	t.mu.Lock()
	t.removeHandlers = append(t.removeHandlers, removeMsg, removeInteraction)
	t.mu.Unlock()

	return t.inbound, nil
}

// SendText delivers a plain text message to the user's DM channel.
func (t *Transport) SendText(ctx context.Context, userID, text string) (chat.MessageRef, error) {
	channelID, err := t.dmChannel(ctx, userID)
	if err != nil {
		return chat.MessageRef{}, err
	}

	var msg *discordgo.Message
	err = t.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = t.sess.ChannelMessageSend(channelID, text)
		return sendErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

// SendChoice delivers a prompt with one button per option. Each button's
// custom ID is "<correlationID>:<index>" so a tap can be routed back to the
// waiting prompt without any adapter-side state.
func (t *Transport) SendChoice(ctx context.Context, userID, prompt string, options []string, correlationID string) (chat.MessageRef, error) {
	channelID, err := t.dmChannel(ctx, userID)
	if err != nil {
		return chat.MessageRef{}, err
	}

	data := &discordgo.MessageSend{
		Content:    prompt,
		Components: buildButtonRows(options, correlationID),
	}

	var msg *discordgo.Message
	err = t.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = t.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("discord: send choice: %w", err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

// EditText replaces the text of a previously sent message.
func (t *Transport) EditText(ctx context.Context, ref chat.MessageRef, text string) error {
	err := t.retryOnRateLimit(ctx, func() error {
		_, editErr := t.sess.ChannelMessageEdit(ref.ChannelID, ref.MessageID, text)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (t *Transport) Delete(ctx context.Context, ref chat.MessageRef) error {
	err := t.retryOnRateLimit(ctx, func() error {
		return t.sess.ChannelMessageDelete(ref.ChannelID, ref.MessageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// Close gracefully shuts down the transport connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	for _, remove := range t.removeHandlers {
		remove()
	}
	close(t.inbound)
	if t.sess != nil {
		return t.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (t *Transport) BotUserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (t *Transport) SetBotUserID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.botUserID = id
}

// dmChannel resolves (and caches) the DM channel for a user.
func (t *Transport) dmChannel(ctx context.Context, userID string) (string, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return "", fmt.Errorf("discord: not connected")
	}
	if id, ok := t.dmChannels[userID]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var ch *discordgo.Channel
	err := t.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = t.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create DM channel: %w", err)
	}

	t.mu.Lock()
	t.dmChannels[userID] = ch.ID
	t.mu.Unlock()
	return ch.ID, nil
}

// handleMessage converts a Discord DM into a text event.
func (t *Transport) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	// Filter bot self-messages.
	t.mu.Lock()
	botID := t.botUserID
	t.mu.Unlock()
	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	// Only direct messages carry conversation traffic.
	if m.GuildID != "" {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	t.inbound <- chat.Event{
		Kind:      chat.EventText,
		UserID:    m.Author.ID,
		Text:      m.Content,
		Timestamp: ts,
	}
}

// handleInteraction converts a button tap into a choice event. The tap is
// acknowledged with a deferred update so Discord does not show an error.
func (t *Transport) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	correlationID, option, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		log.Printf("discord: ignoring interaction with malformed custom ID %q", i.MessageComponentData().CustomID)
		return
	}

	if err := t.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		log.Printf("discord: ack interaction: %v", err)
	}

	userID := ""
	if i.User != nil {
		userID = i.User.ID
	} else if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	}
	if userID == "" {
		return
	}

	t.inbound <- chat.Event{
		Kind:          chat.EventChoice,
		UserID:        userID,
		CorrelationID: correlationID,
		Option:        option,
		Timestamp:     time.Now(),
	}
}

// buildButtonRows lays options out as button components, five per action row
// (the Discord per-row limit).
func buildButtonRows(options []string, correlationID string) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var row discordgo.ActionsRow
	for i, opt := range options {
		row.Components = append(row.Components, discordgo.Button{
			Label:    opt,
			Style:    discordgo.SecondaryButton,
			CustomID: fmt.Sprintf("%s:%d", correlationID, i),
		})
		if len(row.Components) == 5 {
			rows = append(rows, row)
			row = discordgo.ActionsRow{}
		}
	}
	if len(row.Components) > 0 {
		rows = append(rows, row)
	}
	return rows
}

// parseCustomID splits "<correlationID>:<index>" back into its parts.
func parseCustomID(customID string) (string, int, bool) {
	idx := strings.LastIndex(customID, ":")
	if idx <= 0 {
		return "", 0, false
	}
	option, err := strconv.Atoi(customID[idx+1:])
	if err != nil || option < 0 {
		return "", 0, false
	}
	return customID[:idx], option, true
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (t *Transport) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * t.baseBackoff
		if wait > t.maxBackoff {
			wait = t.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d) — retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
