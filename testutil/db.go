package testutil

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"marketplace-gateway/config"
	"marketplace-gateway/database"
)

// NewDB opens a migrated SQLite database in a per-test temp dir.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    path + "?_busy_timeout=5000&_foreign_keys=on",
	})
	if err != nil {
		t.Fatalf("database.Open() failed: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("database.Migrate() failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
