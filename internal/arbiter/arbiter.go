// Package arbiter grants background tasks exclusive, ordered, preemptible
// access to a user's single conversation. At most one lease per user runs at
// a time; waiters are served by priority, FIFO within a tier, and a running
// lease is preempted only by a strictly higher-priority waiter.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPreempted is the cancellation cause carried by a lease context when the
// lease lost its turn to a higher-priority waiter. It is distinguishable from
// ordinary shutdown cancellation so preempted callers can choose to re-queue
// instead of terminating.
var ErrPreempted = errors.New("arbiter: lease preempted")

// Priority orders leases. High is the most urgent.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// leaseState is the lease lifecycle. Guarded by the Arbiter mutex.
type leaseState int

const (
	stateQueued leaseState = iota
	stateGranted
	stateRunning
	stateReleased
)

// Lease is one task's claim to a user's conversation. It is returned by
// Acquire once the claim is both granted and holding the per-user body lock;
// the holder must call Release exactly once (defer it).
type Lease struct {
	userID   string
	priority Priority
	wake     chan struct{} // capacity 1; a token means "you are current"
	ctx      context.Context
	cancel   context.CancelCauseFunc

	// Guarded by the owning Arbiter's mutex.
	state     leaseState
	holdsBody bool
}

// Context returns the lease-scoped context. It is cancelled with cause
// ErrPreempted on preemption, or with the parent's cause on shutdown. Code
// running under the lease should use it for all blocking work.
func (l *Lease) Context() context.Context { return l.ctx }

// Priority returns the priority the lease was acquired with.
func (l *Lease) Priority() Priority { return l.priority }

// Preempted reports whether the lease was cancelled because a strictly
// higher-priority waiter took its turn.
func (l *Lease) Preempted() bool {
	return context.Cause(l.ctx) == ErrPreempted
}

// userState is the per-user queue state: one FIFO list per priority tier,
// the currently-running lease, and the body-execution lock.
type userState struct {
	queues  [numPriorities][]*Lease
	current *Lease
	bodyMu  chan struct{} // capacity-1 semaphore; cancellable acquisition
}

// Arbiter owns all per-user queue state. Construct one at startup and pass
// it by handle to every component; no other code mutates queue internals.
type Arbiter struct {
	mu    sync.Mutex
	users map[string]*userState
}

// New creates an Arbiter with no queued leases.
func New() *Arbiter {
	return &Arbiter{users: make(map[string]*userState)}
}

// Options tunes how a preempted interaction surfaces to the caller.
type Options struct {
	// SwallowPreemption reports preemption as a plain context cancellation
	// instead of ErrPreempted. Leave false (the default) to receive the
	// distinguishable ErrPreempted and decide whether to re-acquire.
	SwallowPreemption bool
}

// Acquire queues a claim to the user's conversation and blocks until it is
// granted and the per-user body lock is held. Cancelling ctx while queued
// removes the claim from its queue before the cancellation propagates.
//
// A claim preempted between grant and lock acquisition is transparently
// re-enqueued at the back of its tier and the caller keeps waiting; only a
// lease that has entered its body is ever cancelled with ErrPreempted.
func (a *Arbiter) Acquire(ctx context.Context, userID string, priority Priority) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if priority < High || priority > Low {
		return nil, fmt.Errorf("arbiter: invalid priority %d", int(priority))
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	lease := &Lease{
		userID:   userID,
		priority: priority,
		wake:     make(chan struct{}, 1),
		ctx:      leaseCtx,
		cancel:   cancel,
	}

	a.mu.Lock()
	st := a.userStateLocked(userID)
	st.queues[priority] = append(st.queues[priority], lease)
	a.preemptCheckLocked(st)
	a.grantCheckLocked(st)
	a.mu.Unlock()

	for {
		// Wait for our turn.
		select {
		case <-lease.wake:
		case <-leaseCtx.Done():
			return nil, a.abandonWait(st, lease)
		}

		// Granted; now take the body lock.
		select {
		case st.bodyMu <- struct{}{}:
		case <-leaseCtx.Done():
			return nil, a.abandonWait(st, lease)
		}

		// Between wake and lock acquisition we may have been preempted and
		// re-enqueued. Only proceed if we are still the current lease.
		a.mu.Lock()
		if st.current == lease && lease.state == stateGranted {
			lease.state = stateRunning
			lease.holdsBody = true
			a.mu.Unlock()
			return lease, nil
		}
		a.mu.Unlock()
		<-st.bodyMu
	}
}

// Release yields the user's conversation: it clears the running slot,
// releases the body lock, and grants the next eligible waiter. It must be
// called exactly once per successful Acquire and always runs its cleanup,
// including after preemption or failure of the lease body.
func (a *Arbiter) Release(lease *Lease) {
	a.mu.Lock()
	st := a.userStateLocked(lease.userID)
	if st.current == lease {
		st.current = nil
	}
	lease.state = stateReleased
	if lease.holdsBody {
		lease.holdsBody = false
		<-st.bodyMu // never blocks: we hold the token
	}
	a.grantCheckLocked(st)
	a.mu.Unlock()

	lease.cancel(nil) // free the lease context; cause is already set if preempted
}

// Interact acquires a lease, runs fn under the lease context, and releases.
// On preemption it returns ErrPreempted (or the plain cancellation when
// opts.SwallowPreemption is set) so the caller can decide to re-acquire.
func (a *Arbiter) Interact(ctx context.Context, userID string, priority Priority, opts Options, fn func(ctx context.Context) error) error {
	lease, err := a.Acquire(ctx, userID, priority)
	if err != nil {
		return err
	}
	defer a.Release(lease)

	err = fn(lease.Context())
	if lease.Preempted() {
		if opts.SwallowPreemption {
			return context.Canceled
		}
		return ErrPreempted
	}
	return err
}

// PendingCount reports how many leases are queued (not running) for a user.
func (a *Arbiter) PendingCount(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.users[userID]
	if !ok {
		return 0
	}
	total := 0
	for _, q := range st.queues {
		total += len(q)
	}
	return total
}

// UserSnapshot describes one user's arbitration state for observability.
type UserSnapshot struct {
	UserID          string
	Queued          [numPriorities]int
	RunningPriority string // empty when idle
}

// Snapshot returns the arbitration state of every user with activity.
func (a *Arbiter) Snapshot() []UserSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []UserSnapshot
	for id, st := range a.users {
		snap := UserSnapshot{UserID: id}
		active := false
		for p, q := range st.queues {
			snap.Queued[p] = len(q)
			if len(q) > 0 {
				active = true
			}
		}
		if st.current != nil {
			snap.RunningPriority = st.current.priority.String()
			active = true
		}
		if active {
			out = append(out, snap)
		}
	}
	return out
}

// userStateLocked returns (creating if needed) the state for a user.
func (a *Arbiter) userStateLocked(userID string) *userState {
	st, ok := a.users[userID]
	if !ok {
		st = &userState{bodyMu: make(chan struct{}, 1)}
		a.users[userID] = st
	}
	return st
}

// grantCheckLocked starts the next eligible lease if none is running: scan
// tiers from High to Low and wake the first non-empty tier's front entry.
func (a *Arbiter) grantCheckLocked(st *userState) {
	if st.current != nil {
		return
	}
	for p := range st.queues {
		if len(st.queues[p]) == 0 {
			continue
		}
		lease := st.queues[p][0]
		st.queues[p] = st.queues[p][1:]
		lease.state = stateGranted
		st.current = lease
		select {
		case lease.wake <- struct{}{}:
		default:
		}
		return
	}
}

// preemptCheckLocked runs whenever a lease is enqueued. Scanning from High
// to Low: a tier that is same-or-lower urgency than the running lease, or
// empty, stops the scan; a strictly more urgent non-empty tier preempts the
// running lease. A flood of equal/lower priority arrivals therefore never
// disturbs the current holder.
func (a *Arbiter) preemptCheckLocked(st *userState) {
	cur := st.current
	if cur == nil {
		return
	}
	for p := Priority(0); p < numPriorities; p++ {
		if p >= cur.priority || len(st.queues[p]) == 0 {
			return
		}
		a.preemptLocked(st, cur)
		return
	}
}

// preemptLocked interrupts the current lease. A running lease is cancelled
// with the ErrPreempted cause; a granted-but-not-yet-running lease has done
// no caller-visible work, so it is re-enqueued at the back of its own tier
// instead.
func (a *Arbiter) preemptLocked(st *userState, cur *Lease) {
	if cur.state == stateRunning {
		cur.cancel(ErrPreempted)
		return
	}
	st.current = nil
	cur.state = stateQueued
	select {
	case <-cur.wake: // drop a stale wake token
	default:
	}
	st.queues[cur.priority] = append(st.queues[cur.priority], cur)
}

// abandonWait cleans up a lease whose context was cancelled while it was
// queued or waiting for the body lock, and returns the cancellation cause.
func (a *Arbiter) abandonWait(st *userState, lease *Lease) error {
	a.mu.Lock()
	if st.current == lease {
		st.current = nil
	}
	q := st.queues[lease.priority]
	for i, l := range q {
		if l == lease {
			st.queues[lease.priority] = append(q[:i], q[i+1:]...)
			break
		}
	}
	lease.state = stateReleased
	a.grantCheckLocked(st)
	a.mu.Unlock()

	err := context.Cause(lease.ctx)
	if err == nil {
		err = lease.ctx.Err()
	}
	return err
}
