package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/velumreader/rights/internal/device"
	"github.com/velumreader/rights/internal/status"
	"github.com/velumreader/rights/internal/store"
	"github.com/velumreader/rights/internal/transport"
)

var (
	errMissingLicenseStore   = errors.New("registration: license store is required")
	errMissingTransport      = errors.New("registration: transport client is required")
	errMissingDeviceIdentity = errors.New("registration: device identity is required")
)

// ServiceConfig bundles the dependencies required to instantiate a Service.
type ServiceConfig struct {
	Licenses *store.LicenseStore
	Client   transport.Client
	Device   device.Identity
	Logger   *zap.Logger
}

// Service announces this device to the rights server, at most once per
// license. The registered flag only ever moves from false to true; once
// set, RegisterIfNeeded never touches the network again for that license.
type Service struct {
	licenses *store.LicenseStore
	client   transport.Client
	identity device.Identity
	logger   *zap.Logger
}

// NewService constructs a Service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Licenses == nil {
		return nil, errMissingLicenseStore
	}
	if cfg.Client == nil {
		return nil, errMissingTransport
	}
	if strings.TrimSpace(cfg.Device.ID) == "" {
		return nil, errMissingDeviceIdentity
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		licenses: cfg.Licenses,
		client:   cfg.Client,
		identity: cfg.Device,
		logger:   logger,
	}, nil
}

// RegisterIfNeeded posts the device identity to the register link of the
// supplied status document, unless the license is already registered
// locally. It returns the status document the server sent back, or nil
// when no exchange was needed or the server refused the registration.
//
// Two callers racing on an unregistered license may both reach the
// server; the server treats a repeated registration for the same device
// as a no-op, and the local flag flips once, so the duplicate call is
// harmless. A network failure leaves the flag untouched and the next
// synchronization retries.
func (s *Service) RegisterIfNeeded(ctx context.Context, licenseID string, document *status.Document) (*status.Document, error) {
	record, err := s.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if record.Registered {
		return nil, nil
	}

	target, err := document.ActionURL(status.RelRegister, s.identity.QueryParams())
	if err != nil {
		return nil, err
	}

	response, err := s.client.Fetch(ctx, http.MethodPost, target)
	if err != nil {
		return nil, err
	}
	if !response.OK() {
		s.logger.Warn("device registration refused",
			zap.String("license_id", licenseID),
			zap.Int("status", response.StatusCode),
		)
		return nil, nil
	}

	// The server has accepted the registration, so the flag flips even
	// if the response body turns out to be unusable.
	if err := s.licenses.MarkRegistered(ctx, licenseID); err != nil {
		return nil, err
	}

	updated, err := status.Parse(response.Body)
	if err != nil {
		s.logger.Warn("registration response unreadable",
			zap.String("license_id", licenseID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("registration: decode server response: %w", err)
	}

	s.logger.Info("device registered",
		zap.String("license_id", licenseID),
		zap.String("device_id", s.identity.ID),
	)

	return &updated, nil
}
