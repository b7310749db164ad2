package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FailureType classifies a backend failure, the same enumeration idiom the
// teacher's HTTP reverse proxy used for upstream failover, adapted here to
// the audio/LLM streaming path instead of HTTP status codes.
type FailureType int

const (
	FailureNone FailureType = iota
	FailureOpenError
	FailureSendError
	FailureStreamError
	FailureLatencyBreach
)

func (f FailureType) String() string {
	switch f {
	case FailureOpenError:
		return "open_error"
	case FailureSendError:
		return "send_error"
	case FailureStreamError:
		return "stream_error"
	case FailureLatencyBreach:
		return "latency_breach"
	default:
		return "none"
	}
}

// FailoverConfig enumerates the cutover thresholds (spec §4.4).
type FailoverConfig struct {
	ErrorBurst      int
	ErrorWindow     time.Duration
	TriggerLatency  time.Duration
	CooldownSec     time.Duration
}

// DefaultFailoverConfig matches the defaults in spec.md §4.4.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		ErrorBurst:     3,
		ErrorWindow:    60 * time.Second,
		TriggerLatency: 800 * time.Millisecond,
		CooldownSec:    600 * time.Second,
	}
}

// LocalFactory constructs a fresh LocalSession for cutover.
type LocalFactory func() Session

// Failover decorates a provider Session, transparently cutting over to a
// locally constructed Session on an error burst, a p95 latency breach, or an
// open() failure, without the caller ever seeing a disconnect (spec §4.4).
type Failover struct {
	cfg          FailoverConfig
	newLocal     LocalFactory

	mu           sync.Mutex
	current      Session
	currentKind  Backend
	errTimes     []time.Time
	latencies    []time.Duration
	cutoverAt    time.Time
	onCutover    func(from, to Backend)
}

// NewFailover wraps provider with cutover logic. newLocal builds a fresh
// LocalSession on demand; onCutover, if non-nil, is called once per cutover
// for metrics (failover counter, backend gauge).
func NewFailover(provider Session, newLocal LocalFactory, cfg FailoverConfig, onCutover func(from, to Backend)) *Failover {
	return &Failover{
		cfg:         cfg,
		newLocal:    newLocal,
		current:     provider,
		currentKind: provider.Backend(),
		onCutover:   onCutover,
	}
}

// Open opens the current backend; an open failure on the provider triggers
// an immediate cutover to local (spec §4.4 "open_failure").
func (f *Failover) Open(ctx context.Context) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()

	if err := cur.Open(ctx); err != nil {
		if cur.Backend() == BackendProvider {
			slog.Warn("realtime/failover: provider open failed, cutting over to local", "error", err)
			return f.cutover(ctx, FailureOpenError)
		}
		return err
	}
	return nil
}

// SendAudio forwards to the current backend, recording send errors toward
// the error-burst trigger.
func (f *Failover) SendAudio(pcm []byte, ts float64) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()

	err := cur.SendAudio(pcm, ts)
	if err != nil && cur.Backend() == BackendProvider {
		f.recordError(FailureSendError)
	}
	return err
}

// SendEvent forwards to the current backend.
func (f *Failover) SendEvent(c Control) error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.SendEvent(c)
}

// Recv returns the current backend's event channel. Callers re-fetch Recv()
// after a cutover notification (the channel identity changes with backend).
func (f *Failover) Recv() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Recv()
}

// Cancel forwards to the current backend.
func (f *Failover) Cancel() error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.Cancel()
}

// Close tears down the current backend.
func (f *Failover) Close() error {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	return cur.Close()
}

// Backend reports the currently live backend.
func (f *Failover) Backend() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentKind
}

// ObserveTurnLatency feeds one turn's end-to-end (stt_final → first
// tts_audio) latency into the rolling p95 used by the latency_trigger rule.
func (f *Failover) ObserveTurnLatency(d time.Duration) {
	f.mu.Lock()
	f.latencies = append(f.latencies, d)
	if len(f.latencies) > 50 {
		f.latencies = f.latencies[len(f.latencies)-50:]
	}
	p95 := percentile95(f.latencies)
	trigger := p95 > f.cfg.TriggerLatency && f.currentKind == BackendProvider && f.cooldownElapsedLocked()
	f.mu.Unlock()

	if trigger {
		slog.Warn("realtime/failover: p95 latency breach, cutting over to local", "p95_ms", p95.Milliseconds())
		_ = f.cutover(context.Background(), FailureLatencyBreach)
	}
}

// ObserveError records a transient backend error for the error-burst rule.
func (f *Failover) ObserveError() {
	f.recordError(FailureStreamError)
}

func (f *Failover) recordError(kind FailureType) {
	f.mu.Lock()
	if f.currentKind != BackendProvider {
		f.mu.Unlock()
		return
	}
	now := time.Now()
	f.errTimes = append(f.errTimes, now)
	cutoff := now.Add(-f.cfg.ErrorWindow)
	kept := f.errTimes[:0]
	for _, t := range f.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.errTimes = kept
	burst := len(f.errTimes) >= f.cfg.ErrorBurst && f.cooldownElapsedLocked()
	f.mu.Unlock()

	if burst {
		slog.Warn("realtime/failover: error burst detected, cutting over to local", "kind", kind, "count", len(f.errTimes))
		_ = f.cutover(context.Background(), kind)
	}
}

func (f *Failover) cooldownElapsedLocked() bool {
	if f.cutoverAt.IsZero() {
		return true
	}
	return time.Since(f.cutoverAt) > f.cfg.CooldownSec
}

// cutover closes the provider best-effort, constructs and opens a fresh
// local session, and swaps it in as current.
func (f *Failover) cutover(ctx context.Context, _ FailureType) error {
	f.mu.Lock()
	if f.currentKind == BackendLocal {
		f.mu.Unlock()
		return nil // already on local, idempotent
	}
	old := f.current
	f.mu.Unlock()

	_ = old.Close() // best-effort; queued provider output is discarded

	local := f.newLocal()
	if err := local.Open(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	f.current = local
	f.currentKind = BackendLocal
	f.cutoverAt = time.Now()
	cb := f.onCutover
	f.mu.Unlock()

	if cb != nil {
		cb(BackendProvider, BackendLocal)
	}
	return nil
}

func percentile95(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
