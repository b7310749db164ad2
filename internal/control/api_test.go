package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicegate/internal/bandit"
	"voicegate/internal/deployguard"
	"voicegate/internal/session"
	"voicegate/internal/variant"
)

func newTestHandler(t *testing.T, authEnabled bool, apiKey string) (*Handler, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(session.NewMemoryStore(), time.Minute, time.Minute)
	b := bandit.New("")
	if err := b.AddVariant(variant.Variant{ID: "v0a"}); err != nil {
		t.Fatal(err)
	}
	g := deployguard.New(deployguard.DefaultConfig("v0a"), b, "")
	return New(registry, b, g, nil, authEnabled, apiKey), registry
}

func TestHealthEndpointReportsActiveCalls(t *testing.T) {
	h, registry := newTestHandler(t, false, "")
	if _, err := registry.Create("call-1", "v0a", session.Context{}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["active_calls"].(float64) != 1 {
		t.Errorf("expected active_calls=1, got %v", body["active_calls"])
	}
}

func TestAuthRequiredRejectsMissingKey(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}
}

func TestAuthAcceptsBearerAndXAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid bearer token, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/control/health", nil)
	req2.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid X-API-Key, got %d", rec2.Code)
	}
}

func TestCallsEndpointListsActiveSessions(t *testing.T) {
	h, registry := newTestHandler(t, false, "")
	if _, err := registry.Create("call-1", "v0a", session.Context{}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/control/calls", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("expected total=1, got %v", body["total"])
	}
}

func TestSingleCallEndpointReturns404ForUnknown(t *testing.T) {
	h, _ := newTestHandler(t, false, "")

	req := httptest.NewRequest(http.MethodGet, "/control/calls/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHistoryEndpointReports503WhenPersistenceDisabled(t *testing.T) {
	h, _ := newTestHandler(t, false, "")

	req := httptest.NewRequest(http.MethodGet, "/control/history", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when calls store is nil, got %d", rec.Code)
	}
}

func TestOptionsRequestShortCircuitsWithoutAuth(t *testing.T) {
	h, _ := newTestHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodOptions, "/control/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected OPTIONS to bypass auth with 200, got %d", rec.Code)
	}
}

func TestPolicyEndpointReportsBanditState(t *testing.T) {
	h, _ := newTestHandler(t, false, "")

	req := httptest.NewRequest(http.MethodGet, "/control/policy", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
