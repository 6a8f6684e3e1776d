package db

import (
	"fmt"

	"github.com/mkatzman/valet/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.PluginRegistration{},
		&models.KVEntry{},
		&models.QueueItem{},
		&models.HabitLog{},
		&models.PaymentLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
