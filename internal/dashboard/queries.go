package dashboard

import (
	"time"

	"gorm.io/gorm"

	"github.com/mkatzman/valet/internal/arbiter"
	"github.com/mkatzman/valet/internal/models"
)

// UserRow holds one user's summary for display.
type UserRow struct {
	ID                 uint      `json:"id"`
	Name               string    `json:"name"`
	ChatUserID         string    `json:"chat_user_id"`
	Plugins            []string  `json:"plugins"`
	PendingInteraction int       `json:"pending_interactions"`
	CreatedAt          time.Time `json:"created_at"`
}

// UserSummary returns every registered user with their enabled plugins and
// queued interaction count.
func UserSummary(db *gorm.DB, arb *arbiter.Arbiter) ([]UserRow, error) {
	var users []models.User
	if err := db.Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}

	rows := make([]UserRow, len(users))
	for i, u := range users {
		var regs []models.PluginRegistration
		if err := db.Find(&regs, "user_id = ?", u.ID).Error; err != nil {
			return nil, err
		}
		plugins := make([]string, 0, len(regs))
		for _, r := range regs {
			plugins = append(plugins, r.PluginName)
		}
		rows[i] = UserRow{
			ID:                 u.ID,
			Name:               u.Name,
			ChatUserID:         u.ChatUserID,
			Plugins:            plugins,
			PendingInteraction: arb.PendingCount(u.ChatUserID),
			CreatedAt:          u.CreatedAt,
		}
	}
	return rows, nil
}

// ArbitrationRow is one user's live arbitration state.
type ArbitrationRow struct {
	UserID          string `json:"user_id"`
	QueuedHigh      int    `json:"queued_high"`
	QueuedNormal    int    `json:"queued_normal"`
	QueuedLow       int    `json:"queued_low"`
	RunningPriority string `json:"running_priority,omitempty"`
}

// arbitrationRows converts the arbiter snapshot to display rows.
func arbitrationRows(arb *arbiter.Arbiter) []ArbitrationRow {
	snaps := arb.Snapshot()
	rows := make([]ArbitrationRow, len(snaps))
	for i, s := range snaps {
		rows[i] = ArbitrationRow{
			UserID:          s.UserID,
			QueuedHigh:      s.Queued[arbiter.High],
			QueuedNormal:    s.Queued[arbiter.Normal],
			QueuedLow:       s.Queued[arbiter.Low],
			RunningPriority: s.RunningPriority,
		}
	}
	return rows
}

// QueueRow holds one named queue's depth.
type QueueRow struct {
	Name  string `json:"name"`
	Depth int64  `json:"depth"`
}

// QueueSummary returns per-queue row counts for the durable queue table.
func QueueSummary(db *gorm.DB) ([]QueueRow, error) {
	var rows []QueueRow
	if err := db.Model(&models.QueueItem{}).
		Select("queue as name, count(*) as depth").
		Group("queue").
		Order("queue ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecentActivity returns the newest habit and payment logs.
func RecentActivity(db *gorm.DB, limit int) ([]models.HabitLog, []models.PaymentLog, error) {
	var habits []models.HabitLog
	if err := db.Order("id DESC").Limit(limit).Find(&habits).Error; err != nil {
		return nil, nil, err
	}
	var payments []models.PaymentLog
	if err := db.Order("id DESC").Limit(limit).Find(&payments).Error; err != nil {
		return nil, nil, err
	}
	return habits, payments, nil
}
