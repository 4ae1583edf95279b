package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodOptions, "/v1/licenses", http.NoBody)
	request.Header.Set("Origin", "https://reader.example.org")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://reader.example.org" {
		t.Fatalf("unexpected Access-Control-Allow-Origin: %q", origin)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
}

func TestCORSPreflightRejectsUnknownOrigin(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodOptions, "/v1/licenses", http.NoBody)
	request.Header.Set("Origin", "https://intruder.example.net")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
}

func TestCORSFlagsAllowedOriginOnActualRequest(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/v1/licenses", http.NoBody)
	request.Header.Set("Origin", "https://reader.example.org")
	request.Header.Set("Authorization", "Bearer facade-token")

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://reader.example.org" {
		t.Fatalf("unexpected Access-Control-Allow-Origin: %q", origin)
	}
}
