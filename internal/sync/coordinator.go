package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/velumreader/rights/internal/device"
	"github.com/velumreader/rights/internal/license"
	"github.com/velumreader/rights/internal/registration"
	"github.com/velumreader/rights/internal/status"
	"github.com/velumreader/rights/internal/store"
	"github.com/velumreader/rights/internal/transport"
)

var (
	errMissingLicenseStore   = errors.New("sync: license store is required")
	errMissingRegistration   = errors.New("sync: registration service is required")
	errMissingTransport      = errors.New("sync: transport client is required")
	errMissingDeviceIdentity = errors.New("sync: device identity is required")
)

// Outcome summarizes one reconciliation pass over a license.
type Outcome struct {
	LicenseID     string
	PreviousState string
	NewState      string
	Changed       bool

	// RightsExhausted is raised when the new state is revoked, returned,
	// or cancelled; the decryption collaborator must stop honoring the
	// license. This coordinator only observes the condition.
	RightsExhausted bool
}

// CoordinatorConfig bundles the dependencies required to instantiate a
// Coordinator.
type CoordinatorConfig struct {
	Licenses     *store.LicenseStore
	Registration *registration.Service
	Client       transport.Client
	Device       device.Identity
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Coordinator drives the license lifecycle against the rights server:
// import, status synchronization, renew/return actions, and publication
// acquisition. Every network exchange is a single attempt; a failure
// leaves the stored license exactly as it was, usable offline with its
// last known state.
type Coordinator struct {
	licenses     *store.LicenseStore
	registration *registration.Service
	client       transport.Client
	identity     device.Identity
	clock        func() time.Time
	logger       *zap.Logger
}

// NewCoordinator constructs a Coordinator with validated configuration.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Licenses == nil {
		return nil, errMissingLicenseStore
	}
	if cfg.Registration == nil {
		return nil, errMissingRegistration
	}
	if cfg.Client == nil {
		return nil, errMissingTransport
	}
	if strings.TrimSpace(cfg.Device.ID) == "" {
		return nil, errMissingDeviceIdentity
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		licenses:     cfg.Licenses,
		registration: cfg.Registration,
		client:       cfg.Client,
		identity:     cfg.Device,
		clock:        clock,
		logger:       logger,
	}, nil
}

// ImportLicense parses a raw license document and creates its row. The
// usage counters and rights window are sourced from the document; an id
// that is already stored yields store.ErrAlreadyExists and leaves the
// existing row unmodified.
func (c *Coordinator) ImportLicense(ctx context.Context, raw []byte) (store.LicenseRecord, error) {
	document, err := license.Parse(raw)
	if err != nil {
		return store.LicenseRecord{}, err
	}

	record := store.NewLicenseRecord(document)
	if err := c.licenses.Create(ctx, record); err != nil {
		return store.LicenseRecord{}, err
	}

	c.logger.Info("license imported",
		zap.String("license_id", record.ID),
		zap.String("provider", record.Provider),
	)

	return record, nil
}

// ReimportLicense refreshes an existing license from a newly issued
// document: counters, rights window, and the stored document are
// replaced. This is the only path that may raise a usage counter; status
// synchronization never touches counters.
func (c *Coordinator) ReimportLicense(ctx context.Context, raw []byte) (store.LicenseRecord, error) {
	document, err := license.Parse(raw)
	if err != nil {
		return store.LicenseRecord{}, err
	}

	err = c.licenses.ReplaceRights(ctx, document.ID,
		document.Rights.Print, document.Rights.Copy,
		document.Rights.Start, document.Rights.End,
		string(document.Raw()),
	)
	if err != nil {
		return store.LicenseRecord{}, err
	}

	record, err := c.licenses.Get(ctx, document.ID)
	if err != nil {
		return store.LicenseRecord{}, err
	}

	c.logger.Info("license rights refreshed",
		zap.String("license_id", record.ID),
		zap.String("provider", record.Provider),
	)

	return record, nil
}

// Refresh fetches the current status document for the license and
// reconciles the stored state with it. When the license is not yet
// registered and the document offers a register link, registration rides
// along; its failure is logged but never fails the refresh.
func (c *Coordinator) Refresh(ctx context.Context, licenseID string) (Outcome, error) {
	record, err := c.licenses.Get(ctx, licenseID)
	if err != nil {
		return Outcome{}, err
	}

	document, err := c.fetchStatus(ctx, record)
	if err != nil {
		return Outcome{}, err
	}

	if !record.Registered {
		updated, regErr := c.registration.RegisterIfNeeded(ctx, record.ID, &document)
		switch {
		case regErr == nil && updated != nil:
			document = *updated
		case errors.Is(regErr, status.ErrLinkUnavailable):
			c.logger.Debug("license offers no registration", zap.String("license_id", record.ID))
		case regErr != nil:
			c.logger.Warn("device registration failed",
				zap.String("license_id", record.ID),
				zap.Error(regErr),
			)
		}
	}

	return c.reconcile(ctx, record, document)
}

// Register fetches the current status document and attempts device
// registration with it, then reconciles. Unlike Refresh, a status
// document without a register link surfaces as
// status.ErrLinkUnavailable here.
func (c *Coordinator) Register(ctx context.Context, licenseID string) (Outcome, error) {
	record, err := c.licenses.Get(ctx, licenseID)
	if err != nil {
		return Outcome{}, err
	}

	document, err := c.fetchStatus(ctx, record)
	if err != nil {
		return Outcome{}, err
	}

	updated, err := c.registration.RegisterIfNeeded(ctx, record.ID, &document)
	if err != nil {
		return Outcome{}, err
	}
	if updated != nil {
		document = *updated
	}

	return c.reconcile(ctx, record, document)
}

// RefreshIfStale refreshes only when the license has never synchronized
// or its last reconciled change is older than maxAge. A fresh license is
// reported as-is without touching the network.
func (c *Coordinator) RefreshIfStale(ctx context.Context, licenseID string, maxAge time.Duration) (Outcome, error) {
	updated, err := c.licenses.LastUpdated(ctx, licenseID)
	if err != nil {
		return Outcome{}, err
	}

	if updated != nil && c.clock().Sub(*updated) < maxAge {
		record, err := c.licenses.Get(ctx, licenseID)
		if err != nil {
			return Outcome{}, err
		}
		current := currentState(record)
		return Outcome{
			LicenseID:       record.ID,
			PreviousState:   current,
			NewState:        current,
			RightsExhausted: status.BlocksDecryption(current),
		}, nil
	}

	return c.Refresh(ctx, licenseID)
}

// Renew asks the rights server to extend the license, optionally until a
// specific end date, and reconciles the status document it returns. A
// license whose status document has no renew link yields
// status.ErrLinkUnavailable.
func (c *Coordinator) Renew(ctx context.Context, licenseID string, until *time.Time) (Outcome, error) {
	extra := url.Values{}
	if until != nil {
		extra.Set("end", until.UTC().Format(time.RFC3339))
	}
	return c.performAction(ctx, licenseID, status.RelRenew, extra)
}

// Return gives the license back to the rights server and reconciles the
// resulting state, normally to returned.
func (c *Coordinator) Return(ctx context.Context, licenseID string) (Outcome, error) {
	return c.performAction(ctx, licenseID, status.RelReturn, nil)
}

// Acquire downloads the publication the license protects into dir and
// records the local file pointer. The pointer is written only after the
// download has fully completed; a failed transfer leaves the row
// untouched.
func (c *Coordinator) Acquire(ctx context.Context, licenseID, dir string) (string, error) {
	record, err := c.licenses.Get(ctx, licenseID)
	if err != nil {
		return "", err
	}

	document, err := record.ParseDocument()
	if err != nil {
		return "", err
	}

	link, ok := document.PublicationLink()
	if !ok {
		return "", fmt.Errorf("%w: %s", status.ErrLinkUnavailable, license.RelPublication)
	}

	target, err := status.ResolveLink(link.Href, link.Templated, nil)
	if err != nil {
		return "", err
	}

	destination := filepath.Join(dir, publicationFileName(record.ID, target))
	if err := c.client.Download(ctx, target, destination); err != nil {
		return "", err
	}

	if err := c.licenses.UpdateLocalFile(ctx, record.ID, destination, c.clock().UTC()); err != nil {
		return "", err
	}

	c.logger.Info("publication acquired",
		zap.String("license_id", record.ID),
		zap.String("destination", destination),
	)

	return destination, nil
}

// fetchStatus resolves the status link carried by the stored license
// document and retrieves the current status document. Any HTTP error
// status counts as a transport failure here, uniformly with timeouts and
// connection errors.
func (c *Coordinator) fetchStatus(ctx context.Context, record store.LicenseRecord) (status.Document, error) {
	document, err := record.ParseDocument()
	if err != nil {
		return status.Document{}, err
	}

	link, ok := document.StatusLink()
	if !ok {
		return status.Document{}, fmt.Errorf("%w: %s", status.ErrLinkUnavailable, license.RelStatus)
	}

	target, err := status.ResolveLink(link.Href, link.Templated, c.identity.QueryParams())
	if err != nil {
		return status.Document{}, err
	}

	response, err := c.client.Fetch(ctx, http.MethodGet, target)
	if err != nil {
		return status.Document{}, err
	}
	if !response.OK() {
		return status.Document{}, &transport.NetworkError{
			URL: target,
			Err: fmt.Errorf("server returned status %d", response.StatusCode),
		}
	}

	return status.Parse(response.Body)
}

// performAction fetches a fresh status document, posts to the named
// action link with the device identity attached, and reconciles the
// status document the server answers with.
func (c *Coordinator) performAction(ctx context.Context, licenseID, rel string, extra url.Values) (Outcome, error) {
	record, err := c.licenses.Get(ctx, licenseID)
	if err != nil {
		return Outcome{}, err
	}

	document, err := c.fetchStatus(ctx, record)
	if err != nil {
		return Outcome{}, err
	}

	params := c.identity.QueryParams()
	for key, values := range extra {
		for _, value := range values {
			params.Add(key, value)
		}
	}

	target, err := document.ActionURL(rel, params)
	if err != nil {
		return Outcome{}, err
	}

	response, err := c.client.Fetch(ctx, http.MethodPost, target)
	if err != nil {
		return Outcome{}, err
	}
	if !response.OK() {
		return Outcome{}, &transport.NetworkError{
			URL: target,
			Err: fmt.Errorf("server returned status %d", response.StatusCode),
		}
	}

	updated, err := status.Parse(response.Body)
	if err != nil {
		return Outcome{}, err
	}

	return c.reconcile(ctx, record, updated)
}

// reconcile projects the fetched status into the stored state. Only
// state (and its change timestamp) is ever written; id, provider,
// issued, and the usage counters are never touched from a status
// document.
func (c *Coordinator) reconcile(ctx context.Context, record store.LicenseRecord, document status.Document) (Outcome, error) {
	if document.LicenseID != record.ID {
		return Outcome{}, fmt.Errorf("%w: status document identifies %q, expected %q",
			license.ErrMalformedDocument, document.LicenseID, record.ID)
	}

	previous := currentState(record)
	outcome := Outcome{
		LicenseID:       record.ID,
		PreviousState:   previous,
		NewState:        document.Status,
		RightsExhausted: status.BlocksDecryption(document.Status),
	}

	if previous == document.Status {
		return outcome, nil
	}

	if err := c.licenses.UpdateState(ctx, record.ID, document.Status); err != nil {
		return outcome, err
	}
	outcome.Changed = true

	c.logger.Info("license state reconciled",
		zap.String("license_id", record.ID),
		zap.String("previous", previous),
		zap.String("state", document.Status),
		zap.Bool("rights_exhausted", outcome.RightsExhausted),
	)

	return outcome, nil
}

func currentState(record store.LicenseRecord) string {
	if record.State == nil {
		return ""
	}
	return *record.State
}

// publicationFileName derives a stable per-license file name, keeping
// the extension the publication URL advertises.
func publicationFileName(licenseID, target string) string {
	extension := ".epub"
	if parsed, err := url.Parse(target); err == nil {
		if ext := path.Ext(parsed.Path); ext != "" {
			extension = ext
		}
	}
	return sanitizeFileName(licenseID) + extension
}

func sanitizeFileName(value string) string {
	var builder strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			builder.WriteRune(r)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return "publication"
	}
	return builder.String()
}
