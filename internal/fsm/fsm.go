// Package fsm implements the per-call finite state machine that
// coordinates the STT→LLM→TTS turn, barge-in, and latency accounting
// (spec §4.5, component C5).
package fsm

import (
	"log/slog"
	"sync"
	"time"

	"voicegate/internal/reward"
)

// State is one of the five per-call states. ENDED is absorbing.
type State string

const (
	Listening State = "LISTENING"
	Thinking  State = "THINKING"
	Speaking  State = "SPEAKING"
	Barred    State = "BARRED"
	Ended     State = "ENDED"
)

// Event names the inputs the machine reacts to (spec §4.5 transition table).
type Event string

const (
	EvAudioChunk  Event = "audio_chunk"
	EvSTTFinal    Event = "stt_final"
	EvLLMToken    Event = "llm_token"
	EvLLMComplete Event = "llm_complete"
	EvTTSAudio    Event = "tts_audio"
	EvTTSComplete Event = "tts_complete"
	EvBargeIn     Event = "barge_in"
	EvError       Event = "error"
	EvCallEnded   Event = "call_ended"

	// evDebounceExpire is the internal pseudo-event fired when a BARRED
	// debounce timer re-enables input; it never comes from outside.
	evDebounceExpire Event = "debounce_expire"
)

// BargeInDebounce and ErrorDebounce are the fixed re-enable delays named in
// spec §4.5 ("after debounce ~100 ms", "after 1 s").
const (
	BargeInDebounce = 100 * time.Millisecond
	ErrorDebounce    = 1 * time.Second
)

// Canceller is the subset of the Realtime Session contract the FSM drives
// on barge-in.
type Canceller interface {
	Cancel() error
}

// RewardSink receives the reward computed at call end, keyed by the
// variant this call used (spec §4.5 "Reward emission at ENDED").
type RewardSink interface {
	Update(variantID string, r float64)
}

// LatencyObserver records per-turn stage and end-to-end latencies for the
// metrics surface (spec §6: tom_stage_latency_ms, tom_realtime_e2e_ms).
type LatencyObserver interface {
	ObserveStage(stage string, d time.Duration)
	ObserveE2E(d time.Duration)
}

// TurnLatencyObserver feeds e2e latency into the failover decorator's
// rolling p95 (spec §4.4 latency_trigger).
type TurnLatencyObserver interface {
	ObserveTurnLatency(d time.Duration)
}

// EndSignals carries the externally supplied parts of call-end scoring;
// barge-in count is tracked internally by the machine.
type EndSignals struct {
	Resolution bool
	UserRating *int
	Repeats    int
	Handover   bool
}

// TurnMetrics is the latency breakdown for one completed turn (spec §4.5).
type TurnMetrics struct {
	STTToLLM time.Duration
	LLMToTTS time.Duration
	E2E      time.Duration
}

// Machine is the per-call finite state machine. One Machine per CallSession.
type Machine struct {
	mu sync.Mutex

	callID    string
	variantID string
	state     State

	canceller Canceller
	rewardSink RewardSink
	latency    LatencyObserver
	turnLatency TurnLatencyObserver

	startTime time.Time

	// Per-turn timestamps, reset at the top of each LISTENING→…→LISTENING cycle.
	tStt        time.Time
	tFirstToken time.Time
	tFirstAudio time.Time
	sawToken    bool
	sawAudio    bool

	bargeInCount int
	rewardEmitted bool

	debounceTimer *time.Timer

	onTransition func(from, to State, ev Event)
}

// Config bundles a Machine's collaborators.
type Config struct {
	CallID     string
	VariantID  string
	Canceller  Canceller
	RewardSink RewardSink
	Latency    LatencyObserver
	TurnLatency TurnLatencyObserver
	// OnTransition, if set, is called after every accepted transition; useful
	// for driving a gateway's outbound event forwarding and for tests.
	OnTransition func(from, to State, ev Event)
}

// New creates a Machine in the initial LISTENING state.
func New(cfg Config) *Machine {
	return &Machine{
		callID:      cfg.CallID,
		variantID:   cfg.VariantID,
		state:       Listening,
		canceller:   cfg.Canceller,
		rewardSink:  cfg.RewardSink,
		latency:     cfg.Latency,
		turnLatency: cfg.TurnLatency,
		startTime:   time.Now(),
		onTransition: cfg.OnTransition,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves the machine to `to` and fires OnTransition. Caller must
// hold m.mu.
func (m *Machine) transition(to State, ev Event) {
	from := m.state
	m.state = to
	cb := m.onTransition
	if cb != nil {
		// Fire without holding the lock, to let callbacks safely call back
		// into other Machine methods.
		m.mu.Unlock()
		cb(from, to, ev)
		m.mu.Lock()
	}
}

// HandleAudioChunk implements the LISTENING/audio_chunk transition (and the
// BARRED/audio_chunk silent-drop edge case).
func (m *Machine) HandleAudioChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Listening:
		m.transition(Listening, EvAudioChunk)
	case Barred:
		// dropped silently
	default:
		m.warnInvalid(EvAudioChunk)
	}
}

// HandleSTTFinal implements LISTENING→THINKING.
func (m *Machine) HandleSTTFinal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Listening {
		m.warnInvalid(EvSTTFinal)
		return
	}
	m.tStt = time.Now()
	m.sawToken = false
	m.sawAudio = false
	m.transition(Thinking, EvSTTFinal)
}

// HandleLLMToken implements THINKING→SPEAKING (first token) and
// SPEAKING→SPEAKING (subsequent tokens).
func (m *Machine) HandleLLMToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Thinking:
		m.tFirstToken = time.Now()
		m.sawToken = true
		m.transition(Speaking, EvLLMToken)
	case Speaking:
		// append, no state change
	default:
		m.warnInvalid(EvLLMToken)
	}
}

// HandleLLMComplete validates that at least one token was seen; an empty
// completion in THINKING is treated as an error per spec §4.5 edge case.
func (m *Machine) HandleLLMComplete() {
	m.mu.Lock()
	if m.state == Thinking && !m.sawToken {
		m.mu.Unlock()
		m.HandleError()
		return
	}
	m.mu.Unlock()
}

// HandleTTSAudio implements the tts_audio/first transition (records
// t_first_audio); subsequent frames are a no-op state-wise.
func (m *Machine) HandleTTSAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Speaking {
		m.warnInvalid(EvTTSAudio)
		return
	}
	if !m.sawAudio {
		m.tFirstAudio = time.Now()
		m.sawAudio = true
	}
}

// HandleTTSComplete implements SPEAKING→LISTENING, computing and emitting
// turn latency metrics.
func (m *Machine) HandleTTSComplete() {
	m.mu.Lock()
	if m.state != Speaking {
		m.warnInvalid(EvTTSComplete)
		m.mu.Unlock()
		return
	}
	metrics := m.computeTurnMetricsLocked()
	m.resetTurnLocked()
	m.transition(Listening, EvTTSComplete)
	m.mu.Unlock()

	m.reportTurnMetrics(metrics)
}

func (m *Machine) computeTurnMetricsLocked() TurnMetrics {
	tm := TurnMetrics{}
	if !m.tFirstToken.IsZero() && !m.tStt.IsZero() {
		tm.STTToLLM = m.tFirstToken.Sub(m.tStt)
	}
	if !m.tFirstAudio.IsZero() && !m.tFirstToken.IsZero() {
		tm.LLMToTTS = m.tFirstAudio.Sub(m.tFirstToken)
	}
	if !m.tFirstAudio.IsZero() && !m.tStt.IsZero() {
		tm.E2E = m.tFirstAudio.Sub(m.tStt)
	}
	return tm
}

func (m *Machine) reportTurnMetrics(tm TurnMetrics) {
	if m.latency != nil {
		m.latency.ObserveStage("stt_to_llm", tm.STTToLLM)
		m.latency.ObserveStage("llm_to_tts", tm.LLMToTTS)
		m.latency.ObserveE2E(tm.E2E)
	}
	if m.turnLatency != nil && tm.E2E > 0 {
		m.turnLatency.ObserveTurnLatency(tm.E2E)
	}
}

func (m *Machine) resetTurnLocked() {
	m.tStt = time.Time{}
	m.tFirstToken = time.Time{}
	m.tFirstAudio = time.Time{}
	m.sawToken = false
	m.sawAudio = false
}

// HandleBargeIn implements the `any→BARRED` transition. A second barge-in
// while already BARRED is idempotent.
func (m *Machine) HandleBargeIn() {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return
	}
	alreadyBarred := m.state == Barred
	m.bargeInCount++
	m.transition(Barred, EvBargeIn)
	m.mu.Unlock()

	if m.canceller != nil {
		if err := m.canceller.Cancel(); err != nil {
			slog.Warn("fsm: cancel on barge-in failed", "call_id", m.callID, "error", err)
		}
	}
	if !alreadyBarred {
		m.scheduleDebounce(BargeInDebounce)
	}
}

// HandleError implements `any→BARRED`, recovering to LISTENING after the
// longer error debounce.
func (m *Machine) HandleError() {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return
	}
	m.resetTurnLocked()
	m.transition(Barred, EvError)
	m.mu.Unlock()

	m.scheduleDebounce(ErrorDebounce)
}

func (m *Machine) scheduleDebounce(d time.Duration) {
	m.mu.Lock()
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.state == Barred {
			m.transition(Listening, evDebounceExpire)
		}
		m.mu.Unlock()
	})
	m.mu.Unlock()
}

// HandleCallEnded implements `any→ENDED`, computing the reward exactly once
// and pushing it to the bandit for this call's variant. Returns the computed
// reward, or 0 if a reward was already emitted for this call.
func (m *Machine) HandleCallEnded(w reward.Weights, sig EndSignals) float64 {
	m.mu.Lock()
	if m.state == Ended {
		m.mu.Unlock()
		return 0
	}
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	durationSec := time.Since(m.startTime).Seconds()
	bargeIns := m.bargeInCount
	alreadyEmitted := m.rewardEmitted
	m.rewardEmitted = true
	m.transition(Ended, EvCallEnded)
	m.mu.Unlock()

	if alreadyEmitted {
		return 0
	}

	r := reward.Compute(w, reward.Signals{
		Resolution:   sig.Resolution,
		UserRating:   sig.UserRating,
		BargeInCount: bargeIns,
		Repeats:      sig.Repeats,
		Handover:     sig.Handover,
		DurationSec:  durationSec,
	})

	if m.rewardSink != nil && m.variantID != "" {
		m.rewardSink.Update(m.variantID, r)
	}
	slog.Info("fsm: call ended, reward emitted",
		"call_id", m.callID, "variant", m.variantID, "reward", r, "duration_sec", durationSec)
	return r
}

// BargeInCount returns the number of barge-ins observed so far this call.
func (m *Machine) BargeInCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bargeInCount
}

func (m *Machine) warnInvalid(ev Event) {
	slog.Warn("fsm: invalid transition ignored", "call_id", m.callID, "state", m.state, "event", ev)
}
