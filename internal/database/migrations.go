package database

import (
	"errors"

	"github.com/velumreader/rights/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// schemaVersionLatest is the version the migration list converges on.
const schemaVersionLatest = 2

type migrationStep struct {
	version int
	name    string
	apply   func(*gorm.DB) (applied bool, err error)
}

// Steps are idempotent: each checks for its target columns before
// altering, so re-running from any persisted version is safe.
func migrationSteps() []migrationStep {
	return []migrationStep{
		{version: 1, name: "add_registered_flag", apply: addRegisteredFlag},
		{version: 2, name: "add_local_file_cache", apply: addLocalFileCache},
	}
}

// applyMigrations walks the steps above the persisted schema version.
// A failing step is logged and skipped rather than aborting the open;
// every addition is nullable or default-valued, never backfilled.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	current, err := storedSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, step := range migrationSteps() {
		if step.version <= current {
			continue
		}
		applied, err := step.apply(db)
		if err != nil {
			if logger != nil {
				logger.Warn("schema migration step failed",
					zap.Int("version", step.version),
					zap.String("migration", step.name),
					zap.Error(err))
			}
			continue
		}
		if applied && logger != nil {
			logger.Info("schema migration applied",
				zap.Int("version", step.version),
				zap.String("migration", step.name))
		}
	}

	return persistSchemaVersion(db, schemaVersionLatest)
}

func storedSchemaVersion(db *gorm.DB) (int, error) {
	var info store.SchemaInfo
	err := db.Where("id = ?", 1).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Version, nil
}

func persistSchemaVersion(db *gorm.DB, version int) error {
	return db.Save(&store.SchemaInfo{ID: 1, Version: version}).Error
}

func addRegisteredFlag(db *gorm.DB) (bool, error) {
	migrator := db.Migrator()
	if migrator.HasColumn(&store.LicenseRecord{}, "registered") {
		return false, nil
	}
	if err := migrator.AddColumn(&store.LicenseRecord{}, "Registered"); err != nil {
		return false, err
	}
	return true, nil
}

// The two columns are handled separately so a partial earlier upgrade
// completes instead of failing.
func addLocalFileCache(db *gorm.DB) (bool, error) {
	migrator := db.Migrator()
	applied := false
	if !migrator.HasColumn(&store.LicenseRecord{}, "local_file_url") {
		if err := migrator.AddColumn(&store.LicenseRecord{}, "LocalFileURL"); err != nil {
			return applied, err
		}
		applied = true
	}
	if !migrator.HasColumn(&store.LicenseRecord{}, "local_file_updated") {
		if err := migrator.AddColumn(&store.LicenseRecord{}, "LocalFileUpdated"); err != nil {
			return applied, err
		}
		applied = true
	}
	return applied, nil
}
