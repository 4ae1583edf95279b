package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/velumreader/rights/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the SQLite connection backing the license and
// passphrase tables and brings the schema to the current version before
// the handle is shared.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := ensureBaseSchema(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("license store initialized", zap.String("path", path))
	}

	return db, nil
}

// ensureBaseSchema creates missing tables. Existing tables are left
// untouched here; column evolution belongs to the versioned steps.
func ensureBaseSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&store.SchemaInfo{}); err != nil {
		return err
	}

	migrator := db.Migrator()
	if !migrator.HasTable(&store.LicenseRecord{}) {
		if err := migrator.CreateTable(&store.LicenseRecord{}); err != nil {
			return err
		}
	}
	if !migrator.HasTable(&store.PassphraseRecord{}) {
		if err := migrator.CreateTable(&store.PassphraseRecord{}); err != nil {
			return err
		}
	}
	return nil
}
