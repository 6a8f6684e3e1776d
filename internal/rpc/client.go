// Package rpc calls methods on a user's remote companion process over the
// durable queue transport. Each request carries a fresh correlation ID; the
// companion replies on a per-request response queue. Slow calls surface a
// progress bar in the user's chat.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mkatzman/valet/internal/chat"
	"github.com/mkatzman/valet/internal/correlate"
	"github.com/mkatzman/valet/internal/queue"
)

// Sentinel errors classified from companion failures. ErrTimedOut means every
// attempt went unanswered; the remote errors are parsed from the companion's
// failure message.
var (
	ErrTimedOut            = errors.New("rpc: timed out")
	ErrRemoteNotFound      = errors.New("rpc: remote: not found")
	ErrRemoteAlreadyExists = errors.New("rpc: remote: already exists")
	ErrRemoteFailure       = errors.New("rpc: remote: call failed")
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 30 * time.Second

	// progressGrace is how long a call may run before a progress bar appears.
	progressGrace = 5 * time.Second
	// progressRefresh is how often the bar is re-rendered.
	progressRefresh = 3 * time.Second
	// progressCells is the bar width.
	progressCells = 10
	// failureHold is how long a failure notice stays up before deletion.
	failureHold = 5 * time.Second
)

// request is the wire format pushed to the companion's outbound queue.
type request struct {
	RequestID string      `json:"request_id"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params"`
}

// response is the wire format popped from the per-request response queue.
type response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
}

// Client issues correlated request/response calls over a Queue. Construct one
// per process and share it; it is safe for concurrent use.
type Client struct {
	queue          queue.Queue
	chat           chat.Transport // optional; nil disables progress/notices
	maxAttempts    int
	attemptTimeout time.Duration
	retryBackoff   time.Duration

	// Progress timing, overridable in tests.
	grace       time.Duration
	refresh     time.Duration
	failureHold time.Duration
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Queue          queue.Queue    // required
	Chat           chat.Transport // optional; enables progress bars and failure notices
	MaxAttempts    int            // defaults to 3
	AttemptTimeout time.Duration  // defaults to 30s
	RetryBackoff   time.Duration  // wait between attempts; defaults to 0
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("rpc: queue is required")
	}
	c := &Client{
		queue:          opts.Queue,
		chat:           opts.Chat,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
		retryBackoff:   opts.RetryBackoff,
		grace:          progressGrace,
		refresh:        progressRefresh,
		failureHold:    failureHold,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = defaultAttemptTimeout
	}
	return c, nil
}

// OutboundQueue returns the queue name the user's companion consumes from.
func OutboundQueue(userID string) string {
	return "outbound:" + userID
}

// ResponseQueue returns the queue name a response for requestID arrives on.
func ResponseQueue(userID, requestID string) string {
	return "response:" + userID + ":" + requestID
}

// Call invokes method on the user's companion and returns the raw result.
// Each attempt pushes a request with a fresh request ID and waits on that
// request's response queue; an unanswered attempt has its request removed
// from the outbound queue before the next try, so the companion never sees a
// request the client has given up on. After MaxAttempts unanswered attempts
// Call returns ErrTimedOut. Context cancellation aborts immediately and is
// never retried.
func (c *Client) Call(ctx context.Context, userID, method string, params interface{}) (json.RawMessage, error) {
	prog := c.startProgress(ctx, userID, method)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		prog.beginAttempt(attempt)
		requestID := correlate.NewID()
		payload, err := json.Marshal(request{RequestID: requestID, Method: method, Params: params})
		if err != nil {
			prog.finish(false)
			return nil, fmt.Errorf("rpc: marshal request: %w", err)
		}

		if err := c.queue.Push(ctx, OutboundQueue(userID), string(payload)); err != nil {
			prog.finish(false)
			return nil, fmt.Errorf("rpc: push request: %w", err)
		}

		raw, err := c.queue.BlockingPop(ctx, ResponseQueue(userID, requestID), c.attemptTimeout)
		if err == nil {
			var resp response
			if err := json.Unmarshal([]byte(raw), &resp); err != nil {
				prog.finish(false)
				return nil, fmt.Errorf("rpc: decode response: %w", err)
			}
			prog.finish(true)
			if !resp.Success {
				return nil, c.remoteError(ctx, userID, method, resp.Result)
			}
			return resp.Result, nil
		}
		if !errors.Is(err, queue.ErrEmpty) {
			prog.finish(false)
			return nil, err
		}

		// Unanswered attempt: pull the stale request back off the outbound
		// queue so the companion never processes it after we retry.
		if _, rmErr := c.queue.Remove(ctx, OutboundQueue(userID), string(payload)); rmErr != nil {
			log.Printf("rpc: remove stale request %s: %v", requestID, rmErr)
		}
		log.Printf("rpc: %s for user %s: attempt %d/%d unanswered", method, userID, attempt, c.maxAttempts)

		if c.retryBackoff > 0 && attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				prog.finish(false)
				return nil, ctx.Err()
			case <-time.After(c.retryBackoff):
			}
		}
	}

	prog.finish(false)
	return nil, fmt.Errorf("rpc: %s: %w", method, ErrTimedOut)
}

// remoteError classifies a companion failure and surfaces it in chat.
func (c *Client) remoteError(ctx context.Context, userID, method string, result json.RawMessage) error {
	msg := failureMessage(result)

	if c.chat != nil {
		notice := fmt.Sprintf("Something went wrong with %s: %s", method, msg)
		if _, err := c.chat.SendText(ctx, userID, notice); err != nil {
			log.Printf("rpc: send failure notice: %v", err)
		}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"):
		return fmt.Errorf("rpc: %s: %s: %w", method, msg, ErrRemoteNotFound)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("rpc: %s: %s: %w", method, msg, ErrRemoteAlreadyExists)
	default:
		return fmt.Errorf("rpc: %s: %s: %w", method, msg, ErrRemoteFailure)
	}
}

// failureMessage extracts a human-readable message from a failed call's
// result, which the companion sends as a JSON string.
func failureMessage(result json.RawMessage) string {
	var msg string
	if err := json.Unmarshal(result, &msg); err == nil && msg != "" {
		return msg
	}
	if len(result) > 0 {
		return string(result)
	}
	return "unknown error"
}

// --- Progress bar ---

// progress drives the in-chat progress indicator for one call. The zero-value
// noopProgress is used when no chat transport is configured.
type progress interface {
	beginAttempt(n int)
	finish(ok bool)
}

type noopProgress struct{}

func (noopProgress) beginAttempt(int) {}
func (noopProgress) finish(bool)      {}

type chatProgress struct {
	attempts chan int
	outcome  chan bool
	done     chan struct{}
}

// beginAttempt tells the progress goroutine a new attempt has started so the
// bar restarts from empty. The channel is sized for MaxAttempts, so the send
// never blocks the call path.
func (p *chatProgress) beginAttempt(n int) {
	select {
	case p.attempts <- n:
	default:
	}
}

// finish reports the call outcome to the progress goroutine and waits for it
// to clean up its message.
func (p *chatProgress) finish(ok bool) {
	p.outcome <- ok
	<-p.done
}

// startProgress launches the indicator goroutine: nothing is shown for the
// grace delay, then a bar proportional to elapsed time within the current
// attempt over the per-attempt timeout is sent and re-rendered until the call
// finishes. Each retry restarts the bar from empty and bumps the rendered
// attempt counter. Success deletes the bar; failure replaces it with a notice
// that is deleted after a short hold.
func (c *Client) startProgress(ctx context.Context, userID, method string) progress {
	if c.chat == nil {
		return noopProgress{}
	}
	p := &chatProgress{
		attempts: make(chan int, c.maxAttempts),
		outcome:  make(chan bool, 1),
		done:     make(chan struct{}),
	}
	go c.runProgress(ctx, userID, method, p)
	return p
}

func (c *Client) runProgress(ctx context.Context, userID, method string, p *chatProgress) {
	defer close(p.done)
	attempt := 1
	attemptStart := time.Now()
	// Pick up queued attempt starts without resetting the clock for the
	// attempt we are already tracking.
	drainAttempts := func() {
		for {
			select {
			case n := <-p.attempts:
				if n != attempt {
					attempt = n
					attemptStart = time.Now()
				}
			default:
				return
			}
		}
	}
	render := func() string {
		return renderBar(method, attempt, c.maxAttempts, time.Since(attemptStart), c.attemptTimeout)
	}

	grace := time.NewTimer(c.grace)
	defer grace.Stop()
	select {
	case <-p.outcome:
		return // finished before anything was shown
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	drainAttempts()
	ref, err := c.chat.SendText(ctx, userID, render())
	if err != nil {
		log.Printf("rpc: send progress bar: %v", err)
		return
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case ok := <-p.outcome:
			if ok {
				if err := c.chat.Delete(ctx, ref); err != nil {
					log.Printf("rpc: delete progress bar: %v", err)
				}
				return
			}
			notice := fmt.Sprintf("✖ %s did not answer", method)
			if err := c.chat.EditText(ctx, ref, notice); err != nil {
				log.Printf("rpc: edit progress bar: %v", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(c.failureHold):
			}
			if err := c.chat.Delete(ctx, ref); err != nil {
				log.Printf("rpc: delete failure notice: %v", err)
			}
			return
		case n := <-p.attempts:
			if n != attempt {
				attempt = n
				attemptStart = time.Now()
				if err := c.chat.EditText(ctx, ref, render()); err != nil {
					log.Printf("rpc: edit progress bar: %v", err)
				}
			}
		case <-ctx.Done():
			// Best-effort cleanup of a dangling bar on shutdown.
			if err := c.chat.Delete(context.Background(), ref); err != nil {
				log.Printf("rpc: delete progress bar: %v", err)
			}
			return
		case <-ticker.C:
			drainAttempts()
			if err := c.chat.EditText(ctx, ref, render()); err != nil {
				log.Printf("rpc: edit progress bar: %v", err)
			}
		}
	}
}

// renderBar renders a fixed-width filled/empty bar for the elapsed fraction
// of one attempt's timeout, tagged with the attempt counter.
func renderBar(method string, attempt, maxAttempts int, elapsed, total time.Duration) string {
	filled := 0
	if total > 0 {
		filled = int(float64(progressCells) * float64(elapsed) / float64(total))
	}
	if filled > progressCells {
		filled = progressCells
	}
	if filled < 0 {
		filled = 0
	}
	return fmt.Sprintf("%s%s %s (attempt %d/%d)",
		strings.Repeat("█", filled), strings.Repeat("░", progressCells-filled), method, attempt, maxAttempts)
}
