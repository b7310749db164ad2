package gateway

import (
	"net/http"
	"testing"

	"voicegate/internal/config"
)

func TestRemoteIPPrefersForwardedFor(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "10.0.0.2:5000"

	if got := remoteIP(r); got != "203.0.113.5" {
		t.Errorf("remoteIP = %q, want %q", got, "203.0.113.5")
	}
}

func TestRemoteIPFallsBackToStrippedRemoteAddr(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.9:54321"

	if got := remoteIP(r); got != "198.51.100.9" {
		t.Errorf("remoteIP = %q, want %q", got, "198.51.100.9")
	}
}

func TestCallIDFromPathTakesLastSegment(t *testing.T) {
	cases := map[string]string{
		"/v1/realtime/call-123": "call-123",
		"/call-456/":            "call-456",
		"":                      "",
	}
	for path, want := range cases {
		if got := callIDFromPath(path); got != want {
			t.Errorf("callIDFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestContains(t *testing.T) {
	list := []string{"a", "b", "c"}
	if !contains(list, "b") {
		t.Error("expected contains to find existing element")
	}
	if contains(list, "z") {
		t.Error("expected contains to report false for missing element")
	}
	if contains(nil, "a") {
		t.Error("expected contains to report false for a nil slice")
	}
}

func TestRewardWeightsCopiesAllFields(t *testing.T) {
	c := config.RewardWeightsConfig{
		Resolution:  1,
		Rating:      2,
		BargeIn:     3,
		Repeats:     4,
		Handover:    5,
		DurationMax: 6,
	}
	w := rewardWeights(c)
	if w.Resolution != 1 || w.Rating != 2 || w.BargeIn != 3 || w.Repeats != 4 || w.Handover != 5 || w.DurationMax != 6 {
		t.Errorf("rewardWeights did not copy all fields: %+v", w)
	}
}
