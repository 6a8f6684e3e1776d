// Package store is the persistence façade: user records, plugin
// registrations, and a namespaced JSON key/value store, all backed by gorm.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/mkatzman/valet/internal/models"
)

// Store wraps a gorm DB with the assistant's persistence operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// Key builds a namespaced KV key from its parts.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get unmarshals the value stored under key into out. It reports whether the
// key existed.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	var entry models.KVEntry
	err := s.db.First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// Set marshals value as JSON and upserts it under key.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	entry := models.KVEntry{Key: key, Value: string(raw)}
	if err := s.db.Save(&entry).Error; err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is not
// an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(&models.KVEntry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// --- Users ---

// UserByChatID looks a user up by their platform identifier. Returns nil
// when no such user exists.
func (s *Store) UserByChatID(chatUserID string) (*models.User, error) {
	var user models.User
	err := s.db.First(&user, "chat_user_id = ?", chatUserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user by chat id: %w", err)
	}
	return &user, nil
}

// CreateUser registers a new user.
func (s *Store) CreateUser(name, chatUserID string) (*models.User, error) {
	user := models.User{Name: name, ChatUserID: chatUserID}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &user, nil
}

// Users returns all registered users.
func (s *Store) Users() ([]models.User, error) {
	var users []models.User
	if err := s.db.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// --- Plugin registrations ---

// RegisterPlugin subscribes a user to a plugin. Idempotent.
func (s *Store) RegisterPlugin(userID uint, pluginName string) error {
	reg := models.PluginRegistration{UserID: userID, PluginName: pluginName}
	err := s.db.FirstOrCreate(&reg, models.PluginRegistration{UserID: userID, PluginName: pluginName}).Error
	if err != nil {
		return fmt.Errorf("store: register plugin: %w", err)
	}
	return nil
}

// UnregisterPlugin removes a user's subscription to a plugin.
func (s *Store) UnregisterPlugin(userID uint, pluginName string) error {
	err := s.db.Delete(&models.PluginRegistration{}, "user_id = ? AND plugin_name = ?", userID, pluginName).Error
	if err != nil {
		return fmt.Errorf("store: unregister plugin: %w", err)
	}
	return nil
}

// UserPlugins returns the plugin names a user is subscribed to.
func (s *Store) UserPlugins(userID uint) ([]string, error) {
	var regs []models.PluginRegistration
	if err := s.db.Find(&regs, "user_id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("store: user plugins: %w", err)
	}
	names := make([]string, 0, len(regs))
	for _, r := range regs {
		names = append(names, r.PluginName)
	}
	return names, nil
}

// --- Activity logs ---

// LogHabit appends a habit check-in outcome.
func (s *Store) LogHabit(entry *models.HabitLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("store: log habit: %w", err)
	}
	return nil
}

// LogPayment appends a confirmed payment.
func (s *Store) LogPayment(entry *models.PaymentLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("store: log payment: %w", err)
	}
	return nil
}

// RecentHabitLogs returns up to limit habit logs, newest first.
func (s *Store) RecentHabitLogs(limit int) ([]models.HabitLog, error) {
	var logs []models.HabitLog
	if err := s.db.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("store: recent habit logs: %w", err)
	}
	return logs, nil
}

// RecentPaymentLogs returns up to limit payment logs, newest first.
func (s *Store) RecentPaymentLogs(limit int) ([]models.PaymentLog, error) {
	var logs []models.PaymentLog
	if err := s.db.Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("store: recent payment logs: %w", err)
	}
	return logs, nil
}
