package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	noOpLogger         = zap.NewNop()
)

// LicenseStoreConfig describes the dependencies of a LicenseStore.
type LicenseStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// LicenseStore is the durable single-writer-many-readers table keyed by
// license id. All mutations run inside a transaction on a connection
// pool of size one, so row-level check-then-write sequences observe a
// consistent row.
type LicenseStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLicenseStore constructs the store. Schema migration is owned by the
// database package; the handle passed here must already be migrated.
func NewLicenseStore(cfg LicenseStoreConfig) (*LicenseStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &LicenseStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create inserts the record if its id is absent. It fails with
// ErrAlreadyExists when the id is present, leaving the existing row
// unmodified.
func (s *LicenseStore) Create(ctx context.Context, record LicenseRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LicenseRecord
		err := tx.Where("id = ?", record.ID).Take(&existing).Error
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return storageFailure("create: select", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			return storageFailure("create: insert", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		s.logError("license_create", record.ID, err)
	}
	return err
}

// Get returns the stored record for the id, or ErrNotFound.
func (s *LicenseStore) Get(ctx context.Context, id string) (LicenseRecord, error) {
	var record LicenseRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LicenseRecord{}, ErrNotFound
	}
	if err != nil {
		s.logError("license_get", id, err)
		return LicenseRecord{}, storageFailure("get", err)
	}
	return record, nil
}

// List returns every stored license ordered by id.
func (s *LicenseStore) List(ctx context.Context) ([]LicenseRecord, error) {
	var records []LicenseRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		s.logError("license_list", "", err)
		return nil, storageFailure("list", err)
	}
	return records, nil
}

// UpdateState projects a freshly observed status label onto the row and
// refreshes the update timestamp. Identity fields are never touched.
func (s *LicenseStore) UpdateState(ctx context.Context, id, state string) error {
	return s.mutate(ctx, "license_update_state", id, func(tx *gorm.DB, record LicenseRecord) error {
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"state":   state,
			"updated": s.clock().UTC(),
		}).Error
	})
}

// MarkRegistered flips the registration flag to true. The flag is
// monotonic; marking an already-registered license is a no-op success.
func (s *LicenseStore) MarkRegistered(ctx context.Context, id string) error {
	return s.mutate(ctx, "license_mark_registered", id, func(tx *gorm.DB, record LicenseRecord) error {
		if record.Registered {
			return nil
		}
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).
			Update("registered", true).Error
	})
}

// UpdateLocalFile records where the downloaded content package landed and
// when it was fetched.
func (s *LicenseStore) UpdateLocalFile(ctx context.Context, id, path string, fetchedAt time.Time) error {
	at := fetchedAt.UTC()
	return s.mutate(ctx, "license_update_local_file", id, func(tx *gorm.DB, record LicenseRecord) error {
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"local_file_url":     path,
			"local_file_updated": at,
		}).Error
	})
}

// ClearLocalFile drops the cached content pointer.
func (s *LicenseStore) ClearLocalFile(ctx context.Context, id string) error {
	return s.mutate(ctx, "license_clear_local_file", id, func(tx *gorm.DB, record LicenseRecord) error {
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"local_file_url":     nil,
			"local_file_updated": nil,
		}).Error
	})
}

// ReplaceRights refreshes the counters and validity window from a freshly
// imported license document. Status synchronization never calls this;
// counters are sourced from license documents only.
func (s *LicenseStore) ReplaceRights(ctx context.Context, id string, printsLeft, copiesLeft *int, start, end *time.Time, document string) error {
	return s.mutate(ctx, "license_replace_rights", id, func(tx *gorm.DB, record LicenseRecord) error {
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"prints_left":  printsLeft,
			"copies_left":  copiesLeft,
			"rights_start": start,
			"rights_end":   end,
			"document":     document,
			"updated":      s.clock().UTC(),
		}).Error
	})
}

// ConsumePrint decrements the remaining print counter by amount. A nil
// counter means printing is unlimited and the call is a no-op success.
func (s *LicenseStore) ConsumePrint(ctx context.Context, id string, amount int) error {
	return s.consume(ctx, "license_consume_print", "prints_left", id, amount, func(r LicenseRecord) *int {
		return r.PrintsLeft
	})
}

// ConsumeCopy decrements the remaining copy counter by amount. A nil
// counter means copying is unlimited and the call is a no-op success.
func (s *LicenseStore) ConsumeCopy(ctx context.Context, id string, amount int) error {
	return s.consume(ctx, "license_consume_copy", "copies_left", id, amount, func(r LicenseRecord) *int {
		return r.CopiesLeft
	})
}

// Delete removes the row entirely. Missing ids fail with ErrNotFound.
func (s *LicenseStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&LicenseRecord{})
	if result.Error != nil {
		s.logError("license_delete", id, result.Error)
		return storageFailure("delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LastUpdated returns when the row was last written by import or
// synchronization. A nil timestamp means the license has never been
// synchronized; callers treat that as refresh-due.
func (s *LicenseStore) LastUpdated(ctx context.Context, id string) (*time.Time, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.Updated, nil
}

func (s *LicenseStore) consume(ctx context.Context, op, column, id string, amount int, counter func(LicenseRecord) *int) error {
	if amount <= 0 {
		return fmt.Errorf("store: consume amount must be positive, got %d", amount)
	}
	return s.mutate(ctx, op, id, func(tx *gorm.DB, record LicenseRecord) error {
		left := counter(record)
		if left == nil {
			return nil
		}
		if *left < amount {
			return ErrRightsExhausted
		}
		remaining := *left - amount
		return tx.Model(&LicenseRecord{}).Where("id = ?", id).
			Update(column, remaining).Error
	})
}

// mutate runs a check-then-write sequence against one row: the row is
// loaded first so missing ids surface as ErrNotFound before any write.
func (s *LicenseStore) mutate(ctx context.Context, op, id string, apply func(tx *gorm.DB, record LicenseRecord) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record LicenseRecord
		err := tx.Where("id = ?", id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return storageFailure(op+": select", err)
		}
		if err := apply(tx, record); err != nil {
			if errors.Is(err, ErrRightsExhausted) {
				return err
			}
			return storageFailure(op, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRightsExhausted) {
		s.logError(op, id, err)
	}
	return err
}

func (s *LicenseStore) logError(operation, licenseID string, err error) {
	fields := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	if licenseID != "" {
		fields = append(fields, zap.String("license_id", licenseID))
	}
	s.logger.Error("license store error", fields...)
}
