package database

import (
	"fmt"

	"behaviorbench/internal/models"

	"github.com/jinzhu/gorm"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Supported dialects.
const (
	SQLite   = "sqlite3"
	Postgres = "postgres"
)

// Open initializes a database connection and migrates the schema.
func Open(dialect, dsn string) (*gorm.DB, error) {
	switch dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}

	db, err := gorm.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	// SQLite serialises writers; a single connection avoids "database is locked".
	if dialect == SQLite {
		db.DB().SetMaxOpenConns(1)
	}
	db.LogMode(false)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table used by the service.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.TestRun{},
		&models.AgentInstance{},
		&models.BehavioralAction{},
		&models.LLMInteraction{},
	).Error
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
