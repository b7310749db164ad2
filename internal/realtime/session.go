// Package realtime abstracts the STT→LLM→TTS streaming pipeline behind a
// single Session contract, with a Failover decorator that cuts a call over
// from an external provider to the on-prem local pipeline without dropping
// the client connection (spec §4.4, component C4).
package realtime

import (
	"context"
	"time"
)

// EventKind enumerates the typed events a Session emits on Recv.
type EventKind string

const (
	EventSTTStarted EventKind = "stt_started"
	EventSTTFinal   EventKind = "stt_final"
	EventLLMToken   EventKind = "llm_token"
	EventLLMComplete EventKind = "llm_complete"
	EventTTSAudio   EventKind = "tts_audio"
	EventTTSComplete EventKind = "tts_complete"
	EventError      EventKind = "error"
)

// Event is one item from a Session's Recv stream.
type Event struct {
	Kind       EventKind
	Text       string    // llm_token text, stt_final transcript
	Confidence float64   // stt_final
	Words      []string  // stt_final, optional
	Audio      []byte    // tts_audio, raw PCM16
	Codec      string    // tts_audio, always "pcm16"
	FrameNumber int      // tts_audio, sequence within the turn
	TotalFrames int      // tts_complete
	ErrorKind  string    // error
	ErrorMsg   string    // error
	Timestamp  time.Time
}

// ControlKind enumerates the control-plane messages a caller can send.
type ControlKind string

const (
	ControlCommit         ControlKind = "commit_buffer"
	ControlCreateResponse ControlKind = "create_response"
)

// Control is a control-plane instruction sent via SendEvent.
type Control struct {
	Kind ControlKind
}

// Backend names the concrete pipeline behind a Session.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendProvider Backend = "provider"
)

// Session is the unified contract both local and provider pipelines
// implement, and that the Failover decorator also implements so the
// gateway and FSM never need to know which backend is live.
type Session interface {
	// Open establishes the downstream pipeline. Idempotent if already open.
	Open(ctx context.Context) error
	// SendAudio enqueues one 20ms PCM16 frame. Non-blocking; backpressure
	// is the caller's responsibility (spec §5).
	SendAudio(pcm []byte, ts float64) error
	// SendEvent delivers a control-plane instruction.
	SendEvent(c Control) error
	// Recv returns the channel of typed events. Closed when the session
	// terminates.
	Recv() <-chan Event
	// Cancel interrupts any in-flight LLM/TTS activity and drops queued
	// output; downstream must stop emitting audio within one frame.
	Cancel() error
	// Close tears the session down. Subsequent operations fail.
	Close() error
	// Backend reports which concrete pipeline is currently live.
	Backend() Backend
}

// baseSession is embedded error type text shared by Local/Provider to keep
// error classification uniform across backends.
type sessionError string

func (e sessionError) Error() string { return string(e) }

const (
	ErrNotOpen    sessionError = "realtime: session not open"
	ErrAlreadyOpen sessionError = "realtime: session already open"
	ErrClosed     sessionError = "realtime: session closed"
)
