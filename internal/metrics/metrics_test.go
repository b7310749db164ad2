package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"voicegate/internal/bandit"
	"voicegate/internal/deployguard"
	"voicegate/internal/variant"
)

func TestHandlerExposesRegisteredSeries(t *testing.T) {
	r := New()
	r.CallsActive.Inc()
	r.IncHTTPResponse(101)
	r.IncRateLimit("messages_per_sec")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, name := range []string{"tom_calls_active", "tom_ws_gateway_http_responses_total", "tom_ws_gateway_rate_limit_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected /metrics output to contain %q", name)
		}
	}
}

func TestSetActiveBackendIsExclusive(t *testing.T) {
	r := New()
	r.SetActiveBackend("provider")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()

	if !strings.Contains(body, `tom_realtime_backend{backend="provider"} 1`) {
		t.Errorf("expected provider backend gauge set to 1, body:\n%s", body)
	}
	if !strings.Contains(body, `tom_realtime_backend{backend="local"} 0`) {
		t.Errorf("expected local backend gauge set to 0, body:\n%s", body)
	}
}

func TestObserveStageIgnoresNonPositiveDuration(t *testing.T) {
	r := New()
	r.ObserveStage("stt_to_llm", 0) // must not panic
	r.ObserveE2E(-1)
}

func TestReportRLStateReflectsGuardSnapshot(t *testing.T) {
	r := New()
	b := bandit.New("")
	if err := b.AddVariant(variant.Variant{ID: "v0a"}); err != nil {
		t.Fatal(err)
	}
	g := deployguard.New(deployguard.DefaultConfig("v0a"), b, "")

	r.ReportRLState(b, g)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, "rl_active_variants_total 1") {
		t.Errorf("expected one active variant reflected in rl_active_variants_total, body:\n%s", body)
	}
}

func TestRecordPullIncrementsPerVariant(t *testing.T) {
	r := New()
	r.RecordPull("v1a", 0.5)
	r.RecordPull("v1a", -0.2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, `rl_policy_pulls_total{policy_variant="v1a"} 2`) {
		t.Errorf("expected 2 recorded pulls for v1a, body:\n%s", body)
	}
}
