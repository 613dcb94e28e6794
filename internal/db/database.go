// Package db provides PostgreSQL (gorm) and Redis connections for AppForge.
package db

import (
	"fmt"
	"time"

	"appforge/internal/config"
	"appforge/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// New connects to PostgreSQL and runs schema migrations for the
// orchestration tables.
func New(cfg config.DatabaseConfig) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

// Migrate creates or updates the orchestration tables.
func (d *Database) Migrate() error {
	return d.DB.AutoMigrate(
		&models.SandboxSession{},
		&models.PendingJob{},
		&models.AgentRun{},
		&models.ValidationRecord{},
	)
}

// Healthy reports whether the database connection is usable.
func (d *Database) Healthy() bool {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}
