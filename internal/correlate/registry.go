// Package correlate turns a fire-and-forget outbound prompt plus an eventual
// inbound reply into an awaitable pair keyed by an opaque correlation ID.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimedOut is returned by Await when no reply arrives within the timeout.
// It is a domain timeout: the entry stays registered and can be awaited again.
var ErrTimedOut = errors.New("correlate: timed out")

// defaultBufferTTL is how long a reply that arrived with no registered waiter
// is kept before being dropped. Replies can arrive late (the waiter gave up,
// or resolution raced with abandonment); buffering briefly lets a re-awaiting
// caller still pick them up.
const defaultBufferTTL = 5 * time.Minute

// Kind discriminates the two reply shapes a prompt can produce.
type Kind int

const (
	// KindText is a typed free-text reply.
	KindText Kind = iota
	// KindChoice is a button tap carrying the chosen option index.
	KindChoice
)

// Reply is an inbound answer to a correlated prompt.
type Reply struct {
	Kind   Kind
	Text   string
	Choice int
}

// entry is one outstanding waiter.
type entry struct {
	ch chan Reply // capacity 1; Resolve never blocks
}

// buffered is a reply that arrived with no waiter registered.
type buffered struct {
	reply   Reply
	expires time.Time
}

// Registry maps correlation IDs to pending waiters. It is an explicit owned
// store: construct one at startup and hand it to every component that sends
// or receives correlated messages.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	orphans map[string]buffered
	ttl     time.Duration
	now     func() time.Time // test hook
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	BufferTTL time.Duration // defaults to defaultBufferTTL
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	ttl := opts.BufferTTL
	if ttl <= 0 {
		ttl = defaultBufferTTL
	}
	return &Registry{
		entries: make(map[string]*entry),
		orphans: make(map[string]buffered),
		ttl:     ttl,
		now:     time.Now,
	}
}

// NewID allocates a fresh correlation ID: a random 128-bit integer rendered
// as a decimal string. String form avoids integer-width mismatches with
// remote consumers that cannot represent full-width integers.
func NewID() string {
	u := uuid.New()
	return new(big.Int).SetBytes(u[:]).String()
}

// Register allocates a fresh unique ID and a waiter for it.
func (r *Registry) Register() (string, <-chan Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	id := NewID()
	for {
		if _, taken := r.entries[id]; !taken {
			break
		}
		id = NewID()
	}
	e := &entry{ch: make(chan Reply, 1)}
	r.entries[id] = e
	return id, e.ch
}

// Resolve delivers a reply for the given ID. Safe to call when nobody is
// waiting: the reply is buffered for BufferTTL and handed to a late Await,
// then dropped.
func (r *Registry) Resolve(id string, reply Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	if e, ok := r.entries[id]; ok {
		select {
		case e.ch <- reply:
		default:
			// Already resolved; keep the first reply.
		}
		return
	}
	r.orphans[id] = buffered{reply: reply, expires: r.now().Add(r.ttl)}
}

// Await blocks until a reply for id arrives, the timeout elapses, or ctx is
// cancelled. A timeout leaves the registration in place so the caller can
// re-send the prompt and await again.
func (r *Registry) Await(ctx context.Context, id string, timeout time.Duration) (Reply, error) {
	r.mu.Lock()
	r.sweepLocked()
	if o, ok := r.orphans[id]; ok {
		delete(r.orphans, id)
		r.mu.Unlock()
		return o.reply, nil
	}
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return Reply{}, fmt.Errorf("correlate: id %s is not registered", id)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case reply := <-e.ch:
		r.Abandon(id)
		return reply, nil
	case <-deadline.C:
		return Reply{}, ErrTimedOut
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Abandon deregisters id and drops any buffered reply for it.
func (r *Registry) Abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	delete(r.orphans, id)
}

// Outstanding reports the number of currently-registered waiters.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweepLocked drops expired orphaned replies. Called opportunistically from
// every mutating method, so no background janitor goroutine is needed.
func (r *Registry) sweepLocked() {
	if len(r.orphans) == 0 {
		return
	}
	now := r.now()
	for id, o := range r.orphans {
		if now.After(o.expires) {
			delete(r.orphans, id)
		}
	}
}
