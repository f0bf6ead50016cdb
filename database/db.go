package database

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketplace-gateway/config"
)

// Open connects to the configured database. TranslateError is enabled so
// unique violations surface as gorm.ErrDuplicatedKey on every driver.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// SQLite has a single writer; serialize on one connection to avoid SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return db, nil
}

// MustOpen is Open for command entry points.
func MustOpen(cfg config.DatabaseConfig, log *slog.Logger) *gorm.DB {
	db, err := Open(cfg)
	if err != nil {
		log.Error("database unavailable", "driver", cfg.Driver, "error", err)
		panic("Could not connect to database")
	}
	return db
}
