// Package queue provides the ordered, durable, multi-producer queue transport
// used for companion RPC and chat callback delivery. Queues are named; pop
// order is push order.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by BlockingPop when no payload arrives within the
// timeout. It is a domain timeout, distinct from context cancellation.
var ErrEmpty = errors.New("queue: empty")

// Queue is the transport contract. Payloads are opaque strings (the RPC
// layer uses JSON).
type Queue interface {
	// Push appends payload to the named queue.
	Push(ctx context.Context, name, payload string) error
	// BlockingPop removes and returns the oldest payload on the named queue,
	// waiting up to timeout for one to appear. Returns ErrEmpty on timeout
	// and ctx.Err() on cancellation.
	BlockingPop(ctx context.Context, name string, timeout time.Duration) (string, error)
	// Remove deletes all items on the named queue whose payload equals
	// payload, returning the number removed.
	Remove(ctx context.Context, name, payload string) (int, error)
}
