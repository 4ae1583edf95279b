package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&LicenseRecord{}, &PassphraseRecord{}, &SchemaInfo{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestLicenseStore(t *testing.T, clock func() time.Time) *LicenseStore {
	t.Helper()
	store, err := NewLicenseStore(LicenseStoreConfig{
		Database: openTestDatabase(t),
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to create license store: %v", err)
	}
	return store
}

func newTestPassphraseStore(t *testing.T) *PassphraseStore {
	t.Helper()
	store, err := NewPassphraseStore(PassphraseStoreConfig{
		Database: openTestDatabase(t),
	})
	if err != nil {
		t.Fatalf("failed to create passphrase store: %v", err)
	}
	return store
}

func staticClock(at time.Time) func() time.Time {
	return func() time.Time {
		return at
	}
}

func testRecord(id string) LicenseRecord {
	return LicenseRecord{
		ID:       id,
		Provider: "https://rights.example.org",
		Issued:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Document: fmt.Sprintf(`{"id":%q}`, id),
	}
}

func mustCreate(t *testing.T, store *LicenseStore, record LicenseRecord) {
	t.Helper()
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
}

func intPtr(value int) *int {
	return &value
}
