package models

import "time"

// HabitLog records one habit check-in answer.
type HabitLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    uint   `gorm:"index"`
	Habit     string `gorm:"size:128"`
	Outcome   string `gorm:"size:16"` // done | skipped | deferred
	CreatedAt time.Time
}

// PaymentLog records one confirmed recurring payment.
type PaymentLog struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	UserID    uint    `gorm:"index"`
	Payee     string  `gorm:"size:128"`
	Amount    float64 `gorm:"not null"`
	Currency  string  `gorm:"size:8;default:USD"`
	CreatedAt time.Time
}
