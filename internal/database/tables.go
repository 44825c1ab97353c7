package database

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates or updates all tables used by the server.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}
	if err := db.AutoMigrate(
		&User{},
		&Session{},
		&KeyRecord{},
		&Message{},
		&QueueEntry{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
