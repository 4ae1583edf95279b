package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/velumreader/rights/internal/device"
	"github.com/velumreader/rights/internal/registration"
	"github.com/velumreader/rights/internal/store"
	"github.com/velumreader/rights/internal/sync"
	"github.com/velumreader/rights/internal/transport"
)

type stubTokenValidator struct {
	subject string
	err     error
}

func (s stubTokenValidator) ValidateRequest(*http.Request) (string, error) {
	return s.subject, s.err
}

// routerFixture wires the facade router against real stores, a real
// coordinator, and a fake rights server reachable through upstream.
type routerFixture struct {
	handler         http.Handler
	licenses        *store.LicenseStore
	passphrases     *store.PassphraseStore
	coordinator     *sync.Coordinator
	dispatcher      *EventDispatcher
	upstream        *http.ServeMux
	upstreamURL     string
	publicationsDir string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fixture := &routerFixture{upstream: http.NewServeMux()}
	upstreamServer := httptest.NewServer(fixture.upstream)
	t.Cleanup(upstreamServer.Close)
	fixture.upstreamURL = upstreamServer.URL

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.LicenseRecord{}, &store.PassphraseRecord{}, &store.SchemaInfo{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	fixture.licenses, err = store.NewLicenseStore(store.LicenseStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create license store: %v", err)
	}
	fixture.passphrases, err = store.NewPassphraseStore(store.PassphraseStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create passphrase store: %v", err)
	}

	client := transport.NewHTTPClient(transport.HTTPClientConfig{})
	identity := device.Identity{ID: "device-1", Name: "shelf"}

	registrationService, err := registration.NewService(registration.ServiceConfig{
		Licenses: fixture.licenses,
		Client:   client,
		Device:   identity,
	})
	if err != nil {
		t.Fatalf("failed to create registration service: %v", err)
	}

	fixture.coordinator, err = sync.NewCoordinator(sync.CoordinatorConfig{
		Licenses:     fixture.licenses,
		Registration: registrationService,
		Client:       client,
		Device:       identity,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	fixture.dispatcher = NewEventDispatcher()
	fixture.publicationsDir = t.TempDir()

	fixture.handler, err = NewHTTPHandler(Dependencies{
		Licenses:        fixture.licenses,
		Passphrases:     fixture.passphrases,
		Coordinator:     fixture.coordinator,
		Tokens:          stubTokenValidator{subject: "reader"},
		Dispatcher:      fixture.dispatcher,
		PublicationsDir: fixture.publicationsDir,
		StaleAge:        15 * time.Minute,
		AllowedOrigins:  []string{"https://reader.example.org"},
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return fixture
}

func (f *routerFixture) doRequest(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer facade-token")
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

// licenseBody builds a license document whose links point at this
// fixture's fake rights server.
func (f *routerFixture) licenseBody(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"issued": "2026-03-01T12:00:00Z",
		"provider": "https://rights.example.org",
		"rights": {"print": 3, "copy": 2},
		"links": [
			{"rel": "status", "href": %q},
			{"rel": "publication", "href": %q}
		]
	}`, id, f.upstreamURL+"/status/"+id, f.upstreamURL+"/pub/book.epub")
}

func (f *routerFixture) importLicense(t *testing.T, id string) {
	t.Helper()
	recorder := f.doRequest(t, http.MethodPost, "/v1/licenses", f.licenseBody(id))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("failed to import license: status %d body %s", recorder.Code, recorder.Body.String())
	}
}

// serveStatus wires the upstream status route for a license with a
// fixed reply. Extra links target the upstream server by relation path.
func (f *routerFixture) serveStatus(id, state string, rels ...string) {
	links := make(map[string]string, len(rels))
	for _, rel := range rels {
		links[rel] = f.upstreamURL + "/" + rel + "/" + id
	}
	f.upstream.HandleFunc("/status/"+id, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statusReply(id, state, links))
	})
}

func statusReply(id, state string, links map[string]string) string {
	payload := map[string]any{"id": id, "status": state}
	if len(links) > 0 {
		linkSet := make(map[string][]map[string]string, len(links))
		for rel, href := range links {
			linkSet[rel] = []map[string]string{{"href": href}}
		}
		payload["links"] = linkSet
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func decodeErrorBody(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}
