package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/velumreader/rights/internal/license"
	"github.com/velumreader/rights/internal/status"
	"github.com/velumreader/rights/internal/store"
	"github.com/velumreader/rights/internal/sync"
	"github.com/velumreader/rights/internal/transport"
)

const (
	clientContextKey  = "rights_client"
	heartbeatInterval = 25 * time.Second

	defaultStaleAge        = 15 * time.Minute
	defaultPublicationsDir = "publications"
)

var (
	errMissingLicenseStore    = errors.New("license store dependency required")
	errMissingPassphraseStore = errors.New("passphrase store dependency required")
	errMissingCoordinator     = errors.New("coordinator dependency required")
	errMissingTokenValidator  = errors.New("token validator dependency required")
)

// TokenValidator guards the facade; every request carries a bearer
// token minted with the shared signing secret.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the facade router to the lifecycle components.
type Dependencies struct {
	Licenses        *store.LicenseStore
	Passphrases     *store.PassphraseStore
	Coordinator     *sync.Coordinator
	Tokens          TokenValidator
	Dispatcher      *EventDispatcher
	PublicationsDir string
	StaleAge        time.Duration
	AllowedOrigins  []string
	Logger          *zap.Logger
}

// NewHTTPHandler builds the local facade the reading application talks
// to. Every route requires a valid access token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Licenses == nil {
		return nil, errMissingLicenseStore
	}
	if deps.Passphrases == nil {
		return nil, errMissingPassphraseStore
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewEventDispatcher()
	}

	publicationsDir := deps.PublicationsDir
	if strings.TrimSpace(publicationsDir) == "" {
		publicationsDir = defaultPublicationsDir
	}

	staleAge := deps.StaleAge
	if staleAge <= 0 {
		staleAge = defaultStaleAge
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		licenses:        deps.Licenses,
		passphrases:     deps.Passphrases,
		coordinator:     deps.Coordinator,
		tokens:          deps.Tokens,
		dispatcher:      dispatcher,
		publicationsDir: publicationsDir,
		staleAge:        staleAge,
		logger:          logger,
	}

	api := router.Group("/v1")
	api.Use(handler.authorizeRequest)
	api.POST("/licenses", handler.handleImportLicense)
	api.GET("/licenses", handler.handleListLicenses)
	api.GET("/licenses/:id", handler.handleGetLicense)
	api.DELETE("/licenses/:id", handler.handleDeleteLicense)
	api.POST("/licenses/:id/register", handler.handleRegisterDevice)
	api.POST("/licenses/:id/refresh", handler.handleRefreshStatus)
	api.POST("/licenses/:id/renew", handler.handleRenewLicense)
	api.POST("/licenses/:id/return", handler.handleReturnLicense)
	api.POST("/licenses/:id/acquire", handler.handleAcquirePublication)
	api.POST("/licenses/:id/passphrase", handler.handleRecordPassphrase)
	api.GET("/licenses/:id/passphrase", handler.handlePassphraseCandidates)
	api.POST("/licenses/:id/consume", handler.handleConsumeRight)
	api.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	licenses        *store.LicenseStore
	passphrases     *store.PassphraseStore
	coordinator     *sync.Coordinator
	tokens          TokenValidator
	dispatcher      *EventDispatcher
	publicationsDir string
	staleAge        time.Duration
	logger          *zap.Logger
}

type licensePayload struct {
	ID               string     `json:"id"`
	Provider         string     `json:"provider"`
	Issued           time.Time  `json:"issued"`
	Updated          *time.Time `json:"updated,omitempty"`
	PrintsLeft       *int       `json:"prints_left,omitempty"`
	CopiesLeft       *int       `json:"copies_left,omitempty"`
	RightsStart      *time.Time `json:"rights_start,omitempty"`
	RightsEnd        *time.Time `json:"rights_end,omitempty"`
	State            *string    `json:"state,omitempty"`
	Registered       bool       `json:"registered"`
	LocalFileURL     *string    `json:"local_file_url,omitempty"`
	LocalFileUpdated *time.Time `json:"local_file_updated,omitempty"`
}

type outcomePayload struct {
	LicenseID       string `json:"license_id"`
	PreviousState   string `json:"previous_state,omitempty"`
	NewState        string `json:"new_state,omitempty"`
	Changed         bool   `json:"changed"`
	RightsExhausted bool   `json:"rights_exhausted"`
}

type renewRequestPayload struct {
	End string `json:"end"`
}

type passphraseRequestPayload struct {
	Passphrase string `json:"passphrase"`
	UserID     string `json:"user_id"`
}

type consumeRequestPayload struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
}

type consumeResponsePayload struct {
	LicenseID  string `json:"license_id"`
	PrintsLeft *int   `json:"prints_left,omitempty"`
	CopiesLeft *int   `json:"copies_left,omitempty"`
}

func (h *httpHandler) handleImportLicense(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if c.Query("replace") == "true" {
		record, err := h.coordinator.ReimportLicense(c.Request.Context(), raw)
		if err != nil {
			h.writeError(c, "reimport", err)
			return
		}
		c.JSON(http.StatusOK, toLicensePayload(record))
		return
	}

	record, err := h.coordinator.ImportLicense(c.Request.Context(), raw)
	if err != nil {
		h.writeError(c, "import", err)
		return
	}
	c.JSON(http.StatusCreated, toLicensePayload(record))
}

func (h *httpHandler) handleListLicenses(c *gin.Context) {
	records, err := h.licenses.List(c.Request.Context())
	if err != nil {
		h.writeError(c, "list", err)
		return
	}

	payloads := make([]licensePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toLicensePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"licenses": payloads})
}

func (h *httpHandler) handleGetLicense(c *gin.Context) {
	record, err := h.licenses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, toLicensePayload(record))
}

func (h *httpHandler) handleDeleteLicense(c *gin.Context) {
	licenseID := c.Param("id")

	record, err := h.licenses.Get(c.Request.Context(), licenseID)
	if err != nil {
		h.writeError(c, "delete", err)
		return
	}
	if err := h.licenses.Delete(c.Request.Context(), licenseID); err != nil {
		h.writeError(c, "delete", err)
		return
	}

	if record.LocalFileURL != nil {
		if err := os.Remove(*record.LocalFileURL); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("cached publication not removed",
				zap.String("license_id", licenseID),
				zap.Error(err),
			)
		}
	}

	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	outcome, err := h.coordinator.Register(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "register", err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, toOutcomePayload(outcome))
}

func (h *httpHandler) handleRefreshStatus(c *gin.Context) {
	licenseID := c.Param("id")

	var (
		outcome sync.Outcome
		err     error
	)
	if c.Query("stale") == "true" {
		outcome, err = h.coordinator.RefreshIfStale(c.Request.Context(), licenseID, h.staleAge)
	} else {
		outcome, err = h.coordinator.Refresh(c.Request.Context(), licenseID)
	}
	if err != nil {
		h.writeError(c, "refresh", err)
		return
	}

	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, toOutcomePayload(outcome))
}

func (h *httpHandler) handleRenewLicense(c *gin.Context) {
	var request renewRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	var until *time.Time
	if strings.TrimSpace(request.End) != "" {
		parsed, err := time.Parse(time.RFC3339, request.End)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		end := parsed.UTC()
		until = &end
	}

	outcome, err := h.coordinator.Renew(c.Request.Context(), c.Param("id"), until)
	if err != nil {
		h.writeError(c, "renew", err)
		return
	}

	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, toOutcomePayload(outcome))
}

func (h *httpHandler) handleReturnLicense(c *gin.Context) {
	outcome, err := h.coordinator.Return(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "return", err)
		return
	}
	h.publishOutcome(outcome)
	c.JSON(http.StatusOK, toOutcomePayload(outcome))
}

func (h *httpHandler) handleAcquirePublication(c *gin.Context) {
	licenseID := c.Param("id")

	path, err := h.coordinator.Acquire(c.Request.Context(), licenseID, h.publicationsDir)
	if err != nil {
		h.writeError(c, "acquire", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"license_id": licenseID, "path": path})
}

func (h *httpHandler) handleRecordPassphrase(c *gin.Context) {
	licenseID := c.Param("id")

	var request passphraseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Passphrase) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.licenses.Get(c.Request.Context(), licenseID)
	if err != nil {
		h.writeError(c, "passphrase", err)
		return
	}

	var userID *string
	if trimmed := strings.TrimSpace(request.UserID); trimmed != "" {
		userID = &trimmed
	}

	hash := store.Hash(request.Passphrase)
	if err := h.passphrases.Record(c.Request.Context(), hash, licenseID, record.Provider, userID); err != nil {
		h.writeError(c, "passphrase", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"license_id": licenseID, "hash": hash})
}

// handlePassphraseCandidates returns hashes for the decryption engine to
// try, most specific first: the license's own record, then the user's
// other records, then every known hash.
func (h *httpHandler) handlePassphraseCandidates(c *gin.Context) {
	licenseID := c.Param("id")

	record, err := h.licenses.Get(c.Request.Context(), licenseID)
	if err != nil {
		h.writeError(c, "passphrase", err)
		return
	}

	seen := make(map[string]struct{})
	hashes := make([]string, 0)
	add := func(hash string) {
		if _, ok := seen[hash]; ok {
			return
		}
		seen[hash] = struct{}{}
		hashes = append(hashes, hash)
	}

	if hash, ok := h.passphrases.ByLicense(c.Request.Context(), licenseID); ok {
		add(hash)
	}
	if document, err := record.ParseDocument(); err == nil && document.User.ID != "" {
		for _, candidate := range h.passphrases.ByUser(c.Request.Context(), document.User.ID) {
			add(candidate)
		}
	}
	for _, candidate := range h.passphrases.All(c.Request.Context()) {
		add(candidate)
	}

	c.JSON(http.StatusOK, gin.H{"license_id": licenseID, "hashes": hashes})
}

func (h *httpHandler) handleConsumeRight(c *gin.Context) {
	licenseID := c.Param("id")

	var request consumeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	amount := request.Amount
	if amount == 0 {
		amount = 1
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(request.Kind)) {
	case "print":
		err = h.licenses.ConsumePrint(c.Request.Context(), licenseID, amount)
	case "copy":
		err = h.licenses.ConsumeCopy(c.Request.Context(), licenseID, amount)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	if err != nil {
		h.writeError(c, "consume", err)
		return
	}

	record, err := h.licenses.Get(c.Request.Context(), licenseID)
	if err != nil {
		h.writeError(c, "consume", err)
		return
	}

	c.JSON(http.StatusOK, consumeResponsePayload{
		LicenseID:  record.ID,
		PrintsLeft: record.PrintsLeft,
		CopiesLeft: record.CopiesLeft,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	// Flush the headers so subscribers observe the open stream before
	// the first event arrives.
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("facade token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientContextKey, subject)
	c.Next()
}

func (h *httpHandler) publishOutcome(outcome sync.Outcome) {
	if !outcome.Changed {
		return
	}
	h.dispatcher.Publish(LicenseEvent{
		LicenseID:       outcome.LicenseID,
		EventType:       EventLicenseStateChanged,
		PreviousState:   outcome.PreviousState,
		NewState:        outcome.NewState,
		RightsExhausted: outcome.RightsExhausted,
		Timestamp:       time.Now().UTC(),
	})
}

// writeError maps lifecycle failures onto the facade's HTTP vocabulary.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var networkErr *transport.NetworkError
	var storageErr *store.StorageError

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "license_not_found"})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "license_exists"})
	case errors.Is(err, store.ErrRightsExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "rights_exhausted"})
	case errors.Is(err, status.ErrLinkUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "link_unavailable"})
	case errors.Is(err, license.ErrMalformedDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_document"})
	case errors.As(err, &networkErr):
		h.logger.Warn("rights server unreachable",
			zap.String("operation", operation),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "rights_server_unreachable"})
	case errors.As(err, &storageErr):
		h.logger.Error("storage failure",
			zap.String("operation", operation),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure"})
	default:
		h.logger.Error("operation failed",
			zap.String("operation", operation),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func toLicensePayload(record store.LicenseRecord) licensePayload {
	return licensePayload{
		ID:               record.ID,
		Provider:         record.Provider,
		Issued:           record.Issued,
		Updated:          record.Updated,
		PrintsLeft:       record.PrintsLeft,
		CopiesLeft:       record.CopiesLeft,
		RightsStart:      record.RightsStart,
		RightsEnd:        record.RightsEnd,
		State:            record.State,
		Registered:       record.Registered,
		LocalFileURL:     record.LocalFileURL,
		LocalFileUpdated: record.LocalFileUpdated,
	}
}

func toOutcomePayload(outcome sync.Outcome) outcomePayload {
	return outcomePayload{
		LicenseID:       outcome.LicenseID,
		PreviousState:   outcome.PreviousState,
		NewState:        outcome.NewState,
		Changed:         outcome.Changed,
		RightsExhausted: outcome.RightsExhausted,
	}
}
