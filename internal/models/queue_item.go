package models

import "time"

// QueueItem is one payload on a named durable queue. Pop order is insertion
// order (auto-increment ID) within a queue name.
type QueueItem struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Queue     string `gorm:"size:191;index;not null"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}
