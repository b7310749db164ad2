// Package session owns the CallSession registry: the gateway process's
// exclusive record of every in-flight call, its FSM state, selected
// policy variant, and per-call context (spec §3 "CallSession", "CallContext").
package session

import (
	"sync"
	"time"

	"voicegate/internal/fsm"
)

// TimeBucket is the coarse time-of-day bucket recorded on CallContext.
type TimeBucket string

const (
	BucketMorning   TimeBucket = "morning"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
	BucketNight     TimeBucket = "night"
)

// BucketFor classifies t into one of the four buckets, in t's own location.
func BucketFor(t time.Time) TimeBucket {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return BucketMorning
	case h >= 12 && h < 18:
		return BucketAfternoon
	case h >= 18 && h < 23:
		return BucketEvening
	default:
		return BucketNight
	}
}

// Context is the CallContext of spec §3: profile tag, time bucket, running
// counters, and the outcome fields filled in as the call proceeds.
type Context struct {
	ProfileTag string
	TimeBucket TimeBucket

	BargeInCount int
	RepeatCount  int
	DurationSec  float64

	UserRating *int
	Resolution bool
	Handover   bool
}

// EventLogEntry is one append-only record in a CallSession's event log.
type EventLogEntry struct {
	At   time.Time
	Kind string
	Note string
}

// CallSession is the gateway's exclusive record of one call (spec §3). At
// most one CallSession exists per call_id; it owns one RealtimeSession and
// carries the FSM driving that call's turn.
type CallSession struct {
	mu sync.RWMutex

	CallID       string
	VariantID    string
	StartTime    time.Time
	LastActivity time.Time

	CLIHash string // SHA-256(pepper||E.164), never the raw number
	CLIMask string // "+49****1234"-style, safe for logs

	ctx   Context
	FSM   *fsm.Machine
	log   []EventLogEntry

	endedAt *time.Time
}

// New creates a CallSession in its initial bring-up state. The caller is
// responsible for constructing and attaching the FSM once the Realtime
// Session is available (they share the RealtimeSession as the FSM's
// Canceller).
func New(callID, variantID string, ctx Context) *CallSession {
	now := time.Now()
	return &CallSession{
		CallID:       callID,
		VariantID:    variantID,
		StartTime:    now,
		LastActivity: now,
		ctx:          ctx,
	}
}

// AttachFSM wires the per-call state machine once constructed.
func (c *CallSession) AttachFSM(m *fsm.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FSM = m
}

// Touch records activity, used by the idle-timeout sweep.
func (c *CallSession) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastActivity = time.Now()
}

// IdleTime reports how long since the last recorded activity.
func (c *CallSession) IdleTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.LastActivity)
}

// AppendEvent records one entry in the append-only event log.
func (c *CallSession) AppendEvent(kind, note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, EventLogEntry{At: time.Now(), Kind: kind, Note: note})
}

// EventLog returns a copy of the event log.
func (c *CallSession) EventLog() []EventLogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EventLogEntry, len(c.log))
	copy(out, c.log)
	return out
}

// IncrementBargeIn bumps the context's barge-in counter.
func (c *CallSession) IncrementBargeIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.BargeInCount++
}

// IncrementRepeat bumps the context's repeat counter.
func (c *CallSession) IncrementRepeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.RepeatCount++
}

// SetOutcome records the end-of-call outcome fields, supplied by whatever
// collaborator observes them (telephony bridge, in-call collector).
func (c *CallSession) SetOutcome(resolution, handover bool, rating *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.Resolution = resolution
	c.ctx.Handover = handover
	c.ctx.UserRating = rating
}

// MarkEnded records the terminal timestamp. Idempotent.
func (c *CallSession) MarkEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endedAt == nil {
		now := time.Now()
		c.endedAt = &now
	}
}

// Ended reports whether MarkEnded has been called.
func (c *CallSession) Ended() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endedAt != nil
}

// GracePeriodExpired reports whether the session ended more than grace ago.
func (c *CallSession) GracePeriodExpired(grace time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endedAt != nil && time.Since(*c.endedAt) > grace
}

// Snapshot is a read-only copy of a CallSession's state for introspection.
type Snapshot struct {
	CallID       string
	VariantID    string
	State        fsm.State
	StartTime    time.Time
	LastActivity time.Time
	Context      Context
	CLIMask      string
}

// Snapshot returns a consistent read-only copy.
func (c *CallSession) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state := fsm.State("")
	if c.FSM != nil {
		state = c.FSM.State()
	}
	return Snapshot{
		CallID:       c.CallID,
		VariantID:    c.VariantID,
		State:        state,
		StartTime:    c.StartTime,
		LastActivity: c.LastActivity,
		Context:      c.ctx,
		CLIMask:      c.CLIMask,
	}
}

// Context returns a copy of the current call context.
func (c *CallSession) GetContext() Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}
