// Package metrics exposes the gateway's Prometheus metrics surface
// (spec §6 "names are contracts"). One Registry is constructed at process
// start and threaded through the components that observe it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicegate/internal/bandit"
	"voicegate/internal/deployguard"
)

// Registry bundles every metric the gateway exposes. Fields are exported
// so callers can call the typed prometheus methods directly (With, Inc,
// Observe, Set) instead of going through wrapper methods for everything.
type Registry struct {
	reg *prometheus.Registry

	CallsActive prometheus.Gauge

	RealtimeBackend *prometheus.GaugeVec

	ProviderFailoverTotal prometheus.Counter

	RealtimeE2EMs    prometheus.Histogram
	StageLatencyMs   *prometheus.HistogramVec

	WSHTTPResponsesTotal *prometheus.CounterVec
	WSRateLimitTotal     *prometheus.CounterVec

	AudioFramesSentTotal    prometheus.Counter
	AudioFramesDroppedTotal prometheus.Counter
	WSBackpressureTotal     prometheus.Counter

	PolicyPullsTotal       *prometheus.CounterVec
	RewardDistribution     *prometheus.HistogramVec
	ActiveVariantsTotal    prometheus.Gauge
	BlacklistedVariantsTotal prometheus.Gauge
	BanditExplorationRate  prometheus.Gauge
}

// New constructs a Registry with every series pre-registered. A fresh
// *prometheus.Registry is used (not the global DefaultRegisterer) so
// multiple Registries can coexist in tests.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		CallsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tom_calls_active",
			Help: "Number of calls with an active CallSession.",
		}),
		RealtimeBackend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tom_realtime_backend",
			Help: "1 if the given realtime backend is currently selected, 0 otherwise.",
		}, []string{"backend"}),
		ProviderFailoverTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tom_provider_failover_total",
			Help: "Count of provider-to-local failover cutovers.",
		}),
		RealtimeE2EMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tom_realtime_e2e_ms",
			Help:    "End-to-end audio-in to audio-out latency per turn, in milliseconds.",
			Buckets: []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		StageLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tom_stage_latency_ms",
			Help:    "Per-stage turn latency, in milliseconds.",
			Buckets: []float64{20, 50, 100, 200, 300, 500, 800, 1500},
		}, []string{"stage"}),
		WSHTTPResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tom_ws_gateway_http_responses_total",
			Help: "Count of admission-gate HTTP responses by status code.",
		}, []string{"code"}),
		WSRateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tom_ws_gateway_rate_limit_total",
			Help: "Count of rate-limit hits by type.",
		}, []string{"type"}),
		AudioFramesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tom_audio_frames_sent_total",
			Help: "Count of audio frames forwarded to a Realtime Session.",
		}),
		AudioFramesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tom_audio_frames_dropped_total",
			Help: "Count of audio frames dropped by the bounded audio buffer.",
		}),
		WSBackpressureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tom_ws_backpressure_events_total",
			Help: "Count of audio-buffer overflow events.",
		}),
		PolicyPullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rl_policy_pulls_total",
			Help: "Count of bandit pulls per policy variant.",
		}, []string{"policy_variant"}),
		RewardDistribution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rl_reward_distribution",
			Help:    "Distribution of rewards observed per policy variant.",
			Buckets: []float64{-1, -0.5, -0.2, 0, 0.2, 0.5, 0.8, 1},
		}, []string{"policy_variant"}),
		ActiveVariantsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rl_active_variants_total",
			Help: "Number of variants currently eligible for traffic.",
		}),
		BlacklistedVariantsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rl_blacklisted_variants_total",
			Help: "Number of variants currently blacklisted.",
		}),
		BanditExplorationRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rl_bandit_exploration_rate",
			Help: "Mean posterior variance across bandit arms.",
		}),
	}

	reg.MustRegister(
		r.CallsActive, r.RealtimeBackend, r.ProviderFailoverTotal,
		r.RealtimeE2EMs, r.StageLatencyMs,
		r.WSHTTPResponsesTotal, r.WSRateLimitTotal,
		r.AudioFramesSentTotal, r.AudioFramesDroppedTotal, r.WSBackpressureTotal,
		r.PolicyPullsTotal, r.RewardDistribution,
		r.ActiveVariantsTotal, r.BlacklistedVariantsTotal, r.BanditExplorationRate,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this Registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// IncHTTPResponse increments the admission-gate HTTP-response counter.
func (r *Registry) IncHTTPResponse(code int) {
	r.WSHTTPResponsesTotal.WithLabelValues(httpCodeLabel(code)).Inc()
}

// IncRateLimit increments the rate-limit counter for the given gate type
// ("messages_per_sec", "bytes_per_sec", "conn_per_min", "frame_size").
func (r *Registry) IncRateLimit(kind string) {
	r.WSRateLimitTotal.WithLabelValues(kind).Inc()
}

// SetActiveBackend sets the realtime-backend gauge pair so exactly one of
// "provider"/"local" reads 1.
func (r *Registry) SetActiveBackend(backend string) {
	for _, b := range []string{"provider", "local"} {
		v := 0.0
		if b == backend {
			v = 1
		}
		r.RealtimeBackend.WithLabelValues(b).Set(v)
	}
}

// ObserveStage implements fsm.LatencyObserver.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.StageLatencyMs.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

// ObserveE2E implements fsm.LatencyObserver.
func (r *Registry) ObserveE2E(d time.Duration) {
	if d <= 0 {
		return
	}
	r.RealtimeE2EMs.Observe(float64(d.Milliseconds()))
}

// ReportRLState refreshes the rl_* gauges from the bandit and deploy guard's
// current snapshots. Called periodically and after each reward update.
func (r *Registry) ReportRLState(b *bandit.Bandit, g *deployguard.Guard) {
	for id, s := range b.AllStats() {
		r.PolicyPullsTotal.WithLabelValues(id).Add(0) // ensure series exists
		_ = s
	}
	r.BanditExplorationRate.Set(b.ExplorationRate())

	snap := g.Snapshot()
	r.ActiveVariantsTotal.Set(float64(len(snap.Active)))
	r.BlacklistedVariantsTotal.Set(float64(len(snap.Blacklisted)))
}

// RecordPull increments the pull counter and reward histogram for a variant
// after a bandit.Update call.
func (r *Registry) RecordPull(variantID string, reward float64) {
	r.PolicyPullsTotal.WithLabelValues(variantID).Inc()
	r.RewardDistribution.WithLabelValues(variantID).Observe(reward)
}

func httpCodeLabel(code int) string {
	switch code {
	case 200:
		return "200"
	case 101:
		return "101"
	case 403:
		return "403"
	case 429:
		return "429"
	case 1008:
		return "1008"
	case 1013:
		return "1013"
	case 1011:
		return "1011"
	default:
		return "other"
	}
}
