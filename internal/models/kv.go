package models

import "time"

// KVEntry is a namespaced key/value row holding JSON blobs: plugin config,
// plugin state, and secrets set via `valet auth`.
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
