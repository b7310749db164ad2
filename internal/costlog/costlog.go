// Package costlog tracks per-call STT/LLM/TTS stage duration and the
// resulting estimated cost in EUR, appending one JSON line per finished
// call to a daily log file.
package costlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Prices, in EUR per minute of stage duration. Defaults match the values
// the billing desk has used since the pilot rollout; override per
// environment via config, not by editing code.
type Prices struct {
	STTPerMin float64
	LLMPerMin float64
	TTSPerMin float64
}

// DefaultPrices returns the historical per-minute prices.
func DefaultPrices() Prices {
	return Prices{STTPerMin: 0.030, LLMPerMin: 0.040, TTSPerMin: 0.010}
}

// call accumulates stage durations for one in-progress call.
type call struct {
	backend   string
	startedAt time.Time
	stt       time.Duration
	llm       time.Duration
	tts       time.Duration
}

// Entry is one finished call's JSONL record.
type Entry struct {
	CallID       string    `json:"call_id"`
	Backend      string    `json:"backend"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	STTSeconds   float64   `json:"stt_seconds"`
	LLMSeconds   float64   `json:"llm_seconds"`
	TTSSeconds   float64   `json:"tts_seconds"`
	STTCostEUR   float64   `json:"stt_cost_eur"`
	LLMCostEUR   float64   `json:"llm_cost_eur"`
	TTSCostEUR   float64   `json:"tts_cost_eur"`
	TotalCostEUR float64   `json:"total_cost_eur"`
}

// Logger tracks stage durations per live call and appends a cost entry to
// a daily JSONL file once each call ends.
type Logger struct {
	mu     sync.Mutex
	prices Prices
	dir    string
	calls  map[string]*call
}

// New creates a Logger that writes daily JSONL files under dir (created on
// first write if absent). An empty dir disables file output; durations are
// still tracked and EndCall still returns the computed Entry.
func New(dir string, prices Prices) *Logger {
	return &Logger{prices: prices, dir: dir, calls: make(map[string]*call)}
}

// StartCall begins tracking a new call. Any prior entry for callID is
// discarded; a call_id is never reused while still active (spec §3).
func (l *Logger) StartCall(callID, backend string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[callID] = &call{backend: backend, startedAt: time.Now()}
}

// AddSTTDuration accumulates wall-clock time spent in STT transcription for callID.
func (l *Logger) AddSTTDuration(callID string, d time.Duration) {
	l.addDuration(callID, func(c *call) { c.stt += d })
}

// AddLLMDuration accumulates wall-clock time spent streaming an LLM response for callID.
func (l *Logger) AddLLMDuration(callID string, d time.Duration) {
	l.addDuration(callID, func(c *call) { c.llm += d })
}

// AddTTSDuration accumulates wall-clock time spent synthesizing audio for callID.
func (l *Logger) AddTTSDuration(callID string, d time.Duration) {
	l.addDuration(callID, func(c *call) { c.tts += d })
}

func (l *Logger) addDuration(callID string, apply func(*call)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.calls[callID]
	if !ok {
		return
	}
	apply(c)
}

// EndCall finalizes tracking for callID, computes its cost entry, appends
// it to today's JSONL file (if a directory was configured), and returns
// the entry so the caller can fold the cost fields into its own call
// record. Returns the zero Entry if callID was never started.
func (l *Logger) EndCall(callID string) Entry {
	l.mu.Lock()
	c, ok := l.calls[callID]
	if ok {
		delete(l.calls, callID)
	}
	l.mu.Unlock()
	if !ok {
		return Entry{}
	}

	entry := Entry{
		CallID:     callID,
		Backend:    c.backend,
		StartedAt:  c.startedAt,
		EndedAt:    time.Now(),
		STTSeconds: c.stt.Seconds(),
		LLMSeconds: c.llm.Seconds(),
		TTSSeconds: c.tts.Seconds(),
	}
	entry.STTCostEUR = entry.STTSeconds / 60 * l.prices.STTPerMin
	entry.LLMCostEUR = entry.LLMSeconds / 60 * l.prices.LLMPerMin
	entry.TTSCostEUR = entry.TTSSeconds / 60 * l.prices.TTSPerMin
	entry.TotalCostEUR = entry.STTCostEUR + entry.LLMCostEUR + entry.TTSCostEUR

	if l.dir != "" {
		if err := l.appendJSONL(entry); err != nil {
			slog.Warn("costlog: failed to append entry", "call_id", callID, "error", err)
		}
	}
	return entry
}

func (l *Logger) appendJSONL(entry Entry) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create cost log dir: %w", err)
	}
	path := filepath.Join(l.dir, fmt.Sprintf("costs_%s.jsonl", entry.EndedAt.Format("20060102")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open cost log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cost entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write cost entry: %w", err)
	}
	return nil
}
