package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/velumreader/rights/internal/status"
)

func TestRefreshStatusReconcilesLicense(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusRevoked)
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		LicenseID       string `json:"license_id"`
		NewState        string `json:"new_state"`
		Changed         bool   `json:"changed"`
		RightsExhausted bool   `json:"rights_exhausted"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.NewState != status.StatusRevoked || !payload.Changed || !payload.RightsExhausted {
		t.Fatalf("unexpected outcome: %+v", payload)
	}
}

func TestRefreshStatusPublishesStateChangeEvent(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusActive)
	fixture.importLicense(t, "lic-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := fixture.dispatcher.Subscribe(ctx)
	defer cleanup()

	if code := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "").Code; code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}

	select {
	case event := <-stream:
		if event.LicenseID != "lic-1" {
			t.Fatalf("unexpected license in event: %q", event.LicenseID)
		}
		if event.EventType != EventLicenseStateChanged {
			t.Fatalf("unexpected event type: %q", event.EventType)
		}
		if event.NewState != status.StatusActive {
			t.Fatalf("unexpected state in event: %q", event.NewState)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected state change event within deadline")
	}
}

func TestRefreshStatusSkipsEventWhenUnchanged(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusActive)
	fixture.importLicense(t, "lic-1")

	if code := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "").Code; code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := fixture.dispatcher.Subscribe(ctx)
	defer cleanup()

	if code := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "").Code; code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}

	select {
	case event := <-stream:
		t.Fatalf("unchanged state must not publish an event, got %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRefreshStatusUpstreamFailure(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.upstream.HandleFunc("/status/lic-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "")
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if label := decodeErrorBody(t, recorder); label != "rights_server_unreachable" {
		t.Fatalf("unexpected error label: %q", label)
	}
}

func TestRefreshStatusStaleModeSkipsFreshLicense(t *testing.T) {
	fixture := newRouterFixture(t)
	var hits atomic.Int64
	fixture.upstream.HandleFunc("/status/lic-1", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, statusReply("lic-1", status.StatusActive, nil))
	})
	fixture.importLicense(t, "lic-1")

	if code := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh", "").Code; code != http.StatusOK {
		t.Fatalf("unexpected status: %d", code)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream fetch, saw %d", hits.Load())
	}

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/refresh?stale=true", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if hits.Load() != 1 {
		t.Fatalf("fresh license must skip the upstream fetch, saw %d", hits.Load())
	}
}

func TestRegisterDeviceWithoutLink(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusReady)
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/register", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if label := decodeErrorBody(t, recorder); label != "link_unavailable" {
		t.Fatalf("unexpected error label: %q", label)
	}
}

func TestRegisterDeviceFlipsFlag(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusReady, status.RelRegister)
	fixture.upstream.HandleFunc("/register/lic-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statusReply("lic-1", status.StatusActive, nil))
	})
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/register", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}

	record, err := fixture.licenses.Get(context.Background(), "lic-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !record.Registered {
		t.Fatal("expected registered flag after register call")
	}
}

func TestRenewLicenseForwardsEndDate(t *testing.T) {
	fixture := newRouterFixture(t)
	var observedEnd atomic.Value
	fixture.serveStatus("lic-1", status.StatusActive, status.RelRenew)
	fixture.upstream.HandleFunc("/renew/lic-1", func(w http.ResponseWriter, r *http.Request) {
		observedEnd.Store(r.URL.Query().Get("end"))
		fmt.Fprint(w, statusReply("lic-1", status.StatusActive, nil))
	})
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/renew", `{"end":"2026-12-01T00:00:00Z"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}
	if end, _ := observedEnd.Load().(string); end != "2026-12-01T00:00:00Z" {
		t.Fatalf("end date not forwarded: %q", end)
	}
}

func TestRenewLicenseRejectsBadEndDate(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/renew", `{"end":"next summer"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if label := decodeErrorBody(t, recorder); label != "invalid_request" {
		t.Fatalf("unexpected error label: %q", label)
	}
}

func TestReturnLicenseExhaustsRights(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.serveStatus("lic-1", status.StatusActive, status.RelReturn)
	fixture.upstream.HandleFunc("/return/lic-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statusReply("lic-1", status.StatusReturned, nil))
	})
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/return", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		NewState        string `json:"new_state"`
		RightsExhausted bool   `json:"rights_exhausted"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if payload.NewState != status.StatusReturned || !payload.RightsExhausted {
		t.Fatalf("unexpected outcome: %+v", payload)
	}
}

func TestAcquirePublicationDownloadsFile(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.upstream.HandleFunc("/pub/book.epub", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "protected publication bytes")
	})
	fixture.importLicense(t, "lic-1")

	recorder := fixture.doRequest(t, http.MethodPost, "/v1/licenses/lic-1/acquire", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		LicenseID string `json:"license_id"`
		Path      string `json:"path"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	content, err := os.ReadFile(payload.Path)
	if err != nil {
		t.Fatalf("publication not written: %v", err)
	}
	if string(content) != "protected publication bytes" {
		t.Fatalf("unexpected file content: %s", content)
	}
}
