package database

import (
	"fmt"
	"log"

	"project-realtime-server/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB opens the session history database at path and runs migrations
func InitDB(path string) error {
	// glebarez/sqlite is a pure Go implementation (no CGO required)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return err
	}

	DB = db
	log.Printf("Session database %s connected and migrated", path)
	return nil
}

// Migrate creates or updates the tables used by the server
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Session{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

// GetDB returns the database connection
func GetDB() *gorm.DB {
	return DB
}

// Close releases the underlying connection pool
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
