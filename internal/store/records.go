package store

import (
	"time"

	"github.com/velumreader/rights/internal/license"
)

// LicenseRecord is the durable projection of a license: one row per
// license id carrying the remaining usage rights, the registration flag,
// and the cached local content pointer. The raw document travels with the
// row so action links survive restarts.
type LicenseRecord struct {
	ID               string     `gorm:"column:id;primaryKey;size:190;not null"`
	Provider         string     `gorm:"column:provider;size:512;not null"`
	Issued           time.Time  `gorm:"column:issued;not null"`
	Updated          *time.Time `gorm:"column:updated"`
	PrintsLeft       *int       `gorm:"column:prints_left"`
	CopiesLeft       *int       `gorm:"column:copies_left"`
	RightsStart      *time.Time `gorm:"column:rights_start"`
	RightsEnd        *time.Time `gorm:"column:rights_end"`
	State            *string    `gorm:"column:state;size:32"`
	Registered       bool       `gorm:"column:registered;not null;default:false"`
	LocalFileURL     *string    `gorm:"column:local_file_url;size:1024"`
	LocalFileUpdated *time.Time `gorm:"column:local_file_updated"`
	Document         string     `gorm:"column:document;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LicenseRecord) TableName() string {
	return "licenses"
}

// NewLicenseRecord projects a parsed license document into its stored
// form. Counters and the rights window are sourced from the document;
// state, registration, and the local file pointer start empty.
func NewLicenseRecord(doc license.License) LicenseRecord {
	record := LicenseRecord{
		ID:       doc.ID,
		Provider: doc.Provider,
		Issued:   doc.Issued,
		Updated:  doc.Updated,
		Document: string(doc.Raw()),
	}
	if doc.Rights.Print != nil {
		value := *doc.Rights.Print
		record.PrintsLeft = &value
	}
	if doc.Rights.Copy != nil {
		value := *doc.Rights.Copy
		record.CopiesLeft = &value
	}
	record.RightsStart = doc.Rights.Start
	record.RightsEnd = doc.Rights.End
	return record
}

// ParseDocument rehydrates the license document stored with the row.
func (r LicenseRecord) ParseDocument() (license.License, error) {
	return license.Parse([]byte(r.Document))
}

// PassphraseRecord is one append-only entry of the passphrase table. The
// passphrase column holds a one-way hash of the user-supplied secret,
// never the secret itself. Seq preserves insertion order for the
// latest-wins lookup.
type PassphraseRecord struct {
	Seq        int64   `gorm:"column:seq;primaryKey;autoIncrement"`
	LicenseID  string  `gorm:"column:license_id;size:190;index"`
	Origin     string  `gorm:"column:origin;size:512"`
	UserID     *string `gorm:"column:user_id;size:190;index"`
	Passphrase string  `gorm:"column:passphrase;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PassphraseRecord) TableName() string {
	return "passphrases"
}

// SchemaInfo is the single-row table holding the persisted schema
// version that gates migrations.
type SchemaInfo struct {
	ID      int `gorm:"column:id;primaryKey"`
	Version int `gorm:"column:version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SchemaInfo) TableName() string {
	return "schema_info"
}
