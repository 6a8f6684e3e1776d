package models

import "time"

// User is a registered end user of the assistant. ChatUserID is the
// platform-specific identifier (Discord user ID, Slack member ID) that
// inbound events carry; all queue and correlation keys are derived from it.
type User struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"size:128"`
	ChatUserID string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Plugins []PluginRegistration `gorm:"foreignKey:UserID"`
}

// PluginRegistration subscribes a user to a plugin by canonical name.
type PluginRegistration struct {
	UserID     uint   `gorm:"primaryKey"`
	PluginName string `gorm:"primaryKey;size:64"`
	CreatedAt  time.Time

	User User `gorm:"foreignKey:UserID"`
}
