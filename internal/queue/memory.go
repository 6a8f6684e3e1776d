package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Queue. It is the default for single-box runs and
// tests; payloads do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]string
	wake   map[string]chan struct{} // closed and replaced on every push
}

// NewMemory creates an empty in-process queue set.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][]string),
		wake:   make(map[string]chan struct{}),
	}
}

// Push appends payload to the named queue and wakes any blocked poppers.
func (m *Memory) Push(ctx context.Context, name, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[name] = append(m.queues[name], payload)
	if ch, ok := m.wake[name]; ok {
		close(ch)
	}
	delete(m.wake, name)
	return nil
}

// BlockingPop removes and returns the oldest payload on the named queue.
func (m *Memory) BlockingPop(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if items := m.queues[name]; len(items) > 0 {
			payload := items[0]
			m.queues[name] = items[1:]
			m.mu.Unlock()
			return payload, nil
		}
		wake, ok := m.wake[name]
		if !ok {
			wake = make(chan struct{})
			m.wake[name] = wake
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-wake:
			// Something was pushed; loop and race for it.
		}
	}
}

// Remove deletes all matching payloads from the named queue.
func (m *Memory) Remove(ctx context.Context, name, payload string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.queues[name]
	kept := items[:0]
	removed := 0
	for _, it := range items {
		if it == payload {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	m.queues[name] = kept
	return removed, nil
}

// Len reports the current depth of the named queue.
func (m *Memory) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[name])
}
