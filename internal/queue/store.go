package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkatzman/valet/internal/models"
	"gorm.io/gorm"
)

// defaultPollInterval is how often a blocked pop re-checks the table.
const defaultPollInterval = 200 * time.Millisecond

// Store is a durable Queue backed by the QueueItem table. Multiple processes
// can share it: the companion process consumes `outbound:<user>` rows and
// pushes `response:<user>:<request_id>` rows through the same table.
type Store struct {
	db   *gorm.DB
	poll time.Duration
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB           *gorm.DB
	PollInterval time.Duration // defaults to defaultPollInterval
}

// NewStore creates a durable queue over the given database.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("queue: db is required")
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Store{db: opts.DB, poll: poll}, nil
}

// Push appends payload to the named queue.
func (s *Store) Push(ctx context.Context, name, payload string) error {
	item := models.QueueItem{Queue: name, Payload: payload}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("queue: push to %s: %w", name, err)
	}
	return nil
}

// BlockingPop removes and returns the oldest payload on the named queue,
// polling until one appears, the timeout elapses, or ctx is cancelled.
func (s *Store) BlockingPop(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		payload, ok, err := s.tryPop(ctx, name)
		if err != nil {
			return "", err
		}
		if ok {
			return payload, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-ticker.C:
		}
	}
}

// tryPop claims the head row of the named queue inside a transaction.
// The delete is conditioned on the row ID so two concurrent poppers can
// never claim the same row.
func (s *Store) tryPop(ctx context.Context, name string) (string, bool, error) {
	var payload string
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.QueueItem
		result := tx.Where("queue = ?", name).Order("id ASC").First(&item)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if result.Error != nil {
			return result.Error
		}

		del := tx.Where("id = ?", item.ID).Delete(&models.QueueItem{})
		if del.Error != nil {
			return del.Error
		}
		if del.RowsAffected == 0 {
			// Lost the race to another popper; treat as empty this round.
			return nil
		}
		payload = item.Payload
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("queue: pop from %s: %w", name, err)
	}
	return payload, found, nil
}

// Remove deletes all items on the named queue whose payload matches.
func (s *Store) Remove(ctx context.Context, name, payload string) (int, error) {
	result := s.db.WithContext(ctx).
		Where("queue = ? AND payload = ?", name, payload).
		Delete(&models.QueueItem{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: remove from %s: %w", name, result.Error)
	}
	return int(result.RowsAffected), nil
}

// Len reports the current depth of the named queue.
func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("queue = ?", name).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: len of %s: %w", name, err)
	}
	return count, nil
}
