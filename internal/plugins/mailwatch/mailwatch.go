// Package mailwatch polls the Gmail REST API for messages matching a search
// query and asks the user whether to archive each new match. Archiving runs
// through the user's companion so vault-side mail rules stay in one place.
package mailwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/models"
	"github.com/mkatzman/valet/internal/plugin"
	"github.com/mkatzman/valet/internal/store"
)

const (
	defaultPoll    = 10 * time.Minute
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	// seenLimit caps the remembered message IDs per user.
	seenLimit = 100
	// listLimit caps how many matches one sweep considers.
	listLimit = 10
)

// seenState is the per-user KV record of already-handled message IDs.
type seenState struct {
	IDs []string `json:"ids"`
}

// Plugin is the email watcher.
type Plugin struct {
	query   string
	poll    time.Duration
	client  *http.Client
	baseURL string
}

// Opts holds parameters for creating the mailwatch Plugin.
type Opts struct {
	Query       string             // required; Gmail search query
	Poll        time.Duration      // sweep interval; defaults to 10m
	TokenSource oauth2.TokenSource // required unless HTTPClient is set
	HTTPClient  *http.Client       // overrides TokenSource-derived client
	BaseURL     string             // overrides the Gmail endpoint
}

// New creates the mailwatch Plugin.
func New(opts Opts) (*Plugin, error) {
	if opts.Query == "" {
		return nil, fmt.Errorf("mailwatch: query is required")
	}
	client := opts.HTTPClient
	if client == nil {
		if opts.TokenSource == nil {
			return nil, fmt.Errorf("mailwatch: token source is required")
		}
		client = oauth2.NewClient(context.Background(), opts.TokenSource)
	}
	p := &Plugin{
		query:   opts.Query,
		poll:    opts.Poll,
		client:  client,
		baseURL: opts.BaseURL,
	}
	if p.poll <= 0 {
		p.poll = defaultPoll
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	return p, nil
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "mailwatch" }

// Run sweeps the mailbox on the poll interval until ctx is cancelled.
func (p *Plugin) Run(ctx context.Context, deps *plugin.Deps, user models.User) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.sweep(ctx, deps, user)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx, deps, user)
		}
	}
}

// Commands implements plugin.Plugin. Mailwatch is purely scheduled.
func (p *Plugin) Commands() []plugin.Command { return nil }

// sweep lists matching messages and raises a prompt for each unseen one.
func (p *Plugin) sweep(ctx context.Context, deps *plugin.Deps, user models.User) {
	ids, err := p.listMessages(ctx)
	if err != nil {
		log.Printf("mailwatch: list messages for %s: %v", user.Name, err)
		return
	}

	key := store.Key("mailwatch", user.ChatUserID, "seen")
	var seen seenState
	if _, err := deps.Store.Get(key, &seen); err != nil {
		log.Printf("mailwatch: load seen state: %v", err)
		return
	}
	known := make(map[string]bool, len(seen.IDs))
	for _, id := range seen.IDs {
		known[id] = true
	}

	for _, id := range ids {
		if known[id] {
			continue
		}
		from, subject, err := p.fetchHeaders(ctx, id)
		if err != nil {
			log.Printf("mailwatch: fetch message %s: %v", id, err)
			continue
		}
		if !p.prompt(ctx, deps, user, id, from, subject) {
			continue
		}
		seen.IDs = append(seen.IDs, id)
		if len(seen.IDs) > seenLimit {
			seen.IDs = seen.IDs[len(seen.IDs)-seenLimit:]
		}
		if err := deps.Store.Set(key, seen); err != nil {
			log.Printf("mailwatch: save seen state: %v", err)
		}
	}
}

// prompt asks the user about one message and reports whether it was handled.
// A preempted turn is re-queued.
func (p *Plugin) prompt(ctx context.Context, deps *plugin.Deps, user models.User, id, from, subject string) bool {
	for {
		err := deps.Arbiter.Interact(ctx, user.ChatUserID, arbiter.Normal, arbiter.Options{}, func(ctx context.Context) error {
			text := fmt.Sprintf("New mail from %s: %s", from, subject)
			choice, err := deps.Messenger.RequestChoice(ctx, user.ChatUserID, text, []string{"Archive", "Keep"})
			if err != nil {
				return err
			}
			if choice == 0 && deps.RPC != nil {
				if _, err := deps.RPC.Call(ctx, user.ChatUserID, "archive-mail", map[string]interface{}{
					"message_id": id,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, arbiter.ErrPreempted) {
			continue
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("mailwatch: prompt for %s: %v", user.Name, err)
			}
			return false
		}
		return true
	}
}

// listMessages returns the IDs of messages matching the configured query.
func (p *Plugin) listMessages(ctx context.Context) ([]string, error) {
	u := fmt.Sprintf("%s/users/me/messages?q=%s&maxResults=%d", p.baseURL, url.QueryEscape(p.query), listLimit)
	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := p.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// fetchHeaders returns the From and Subject headers of one message.
func (p *Plugin) fetchHeaders(ctx context.Context, id string) (from, subject string, err error) {
	u := fmt.Sprintf("%s/users/me/messages/%s?format=metadata&metadataHeaders=From&metadataHeaders=Subject", p.baseURL, url.PathEscape(id))
	var out struct {
		Payload struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := p.getJSON(ctx, u, &out); err != nil {
		return "", "", err
	}
	for _, h := range out.Payload.Headers {
		switch h.Name {
		case "From":
			from = h.Value
		case "Subject":
			subject = h.Value
		}
	}
	return from, subject, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func (p *Plugin) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("mailwatch: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailwatch: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailwatch: gmail returned %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mailwatch: decode response: %w", err)
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
