package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errEmptyPassphraseHash = errors.New("store: passphrase hash is required")

// Hash derives the stored form of a user-supplied passphrase: the
// lowercase hex encoding of its SHA-256 digest. The raw passphrase never
// reaches the table.
func Hash(passphrase string) string {
	digest := sha256.Sum256([]byte(passphrase))
	return hex.EncodeToString(digest[:])
}

// PassphraseStoreConfig describes the dependencies of a PassphraseStore.
type PassphraseStoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// PassphraseStore is the append-only table of hashed passphrases.
// Lookups degrade to empty results on storage read failure; the failure
// is logged and counted so it stays observable, but never blocks the
// read path — candidate hashes feed a trial loop that tolerates misses.
type PassphraseStore struct {
	db           *gorm.DB
	logger       *zap.Logger
	readFailures atomic.Uint64
}

// NewPassphraseStore constructs the store over an already-migrated
// database handle.
func NewPassphraseStore(cfg PassphraseStoreConfig) (*PassphraseStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &PassphraseStore{db: cfg.Database, logger: logger}, nil
}

// Record appends a passphrase hash. Duplicate content is allowed — every
// successful validation may be logged — and only an underlying storage
// failure makes the call fail.
func (s *PassphraseStore) Record(ctx context.Context, hash, licenseID, origin string, userID *string) error {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return errEmptyPassphraseHash
	}
	record := PassphraseRecord{
		LicenseID:  strings.TrimSpace(licenseID),
		Origin:     strings.TrimSpace(origin),
		Passphrase: trimmed,
	}
	if userID != nil && strings.TrimSpace(*userID) != "" {
		value := strings.TrimSpace(*userID)
		record.UserID = &value
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("passphrase record failed",
			zap.String("license_id", record.LicenseID),
			zap.Error(err))
		return storageFailure("passphrase_record", err)
	}
	return nil
}

// All returns every stored hash, for trial against a newly fetched
// license whose passphrase is not yet known.
func (s *PassphraseStore) All(ctx context.Context) []string {
	var hashes []string
	err := s.db.WithContext(ctx).
		Model(&PassphraseRecord{}).
		Pluck("passphrase", &hashes).Error
	if err != nil {
		s.noteReadFailure("passphrase_all", err)
		return nil
	}
	return hashes
}

// ByLicense returns the hash most recently recorded for the license id.
// When several records match, the latest insertion wins.
func (s *PassphraseStore) ByLicense(ctx context.Context, licenseID string) (string, bool) {
	var record PassphraseRecord
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("seq DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false
	}
	if err != nil {
		s.noteReadFailure("passphrase_by_license", err)
		return "", false
	}
	return record.Passphrase, true
}

// ByUser returns every hash recorded for the user id.
func (s *PassphraseStore) ByUser(ctx context.Context, userID string) []string {
	var hashes []string
	err := s.db.WithContext(ctx).
		Model(&PassphraseRecord{}).
		Where("user_id = ?", userID).
		Pluck("passphrase", &hashes).Error
	if err != nil {
		s.noteReadFailure("passphrase_by_user", err)
		return nil
	}
	return hashes
}

// ReadFailures reports how many lookups have degraded to an empty result
// because of a storage read failure.
func (s *PassphraseStore) ReadFailures() uint64 {
	return s.readFailures.Load()
}

func (s *PassphraseStore) noteReadFailure(operation string, err error) {
	s.readFailures.Add(1)
	s.logger.Error("passphrase lookup degraded to empty result",
		zap.String("operation", operation),
		zap.Error(err))
}
