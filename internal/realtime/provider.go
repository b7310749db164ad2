package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ProviderConfig describes how to dial the external realtime provider.
type ProviderConfig struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
}

// wireFrame is the JSON envelope the provider speaks on its control
// WebSocket. Only the fields this gateway needs are modeled; unknown
// provider fields are ignored on decode.
type wireFrame struct {
	Type        string  `json:"type"`
	Audio       string  `json:"audio,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Codec       string  `json:"codec,omitempty"`
	FrameNumber int     `json:"frame_number,omitempty"`
	TotalFrames int     `json:"total_frames,omitempty"`
	ErrorKind   string  `json:"kind,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// ProviderSession drives the same Session contract over a WebSocket to an
// external STT+LLM+TTS provider. ALLOW_EGRESS must be true in config for a
// gateway to ever construct one (spec §4.6 config table).
type ProviderSession struct {
	cfg ProviderConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool
	events chan Event
}

// NewProviderSession constructs a ProviderSession; it does not dial until Open.
func NewProviderSession(cfg ProviderConfig) *ProviderSession {
	return &ProviderSession{cfg: cfg, events: make(chan Event, 64)}
}

// Open dials the provider. Idempotent if already open.
func (p *ProviderSession) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.open {
		return nil
	}

	dialCtx := ctx
	if p.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, p.cfg.URL, &websocket.DialOptions{
		HTTPHeader: p.cfg.Headers,
	})
	if err != nil {
		return fmt.Errorf("realtime/provider: open failed: %w", err)
	}
	p.conn = conn
	p.open = true
	go p.readLoop()
	return nil
}

func (p *ProviderSession) readLoop() {
	for {
		p.mu.Lock()
		conn := p.conn
		closed := p.closed
		p.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			p.emit(Event{Kind: EventError, ErrorKind: "provider_stream_closed", ErrorMsg: err.Error(), Timestamp: time.Now()})
			return
		}

		var wf wireFrame
		if err := json.Unmarshal(data, &wf); err != nil {
			slog.Warn("realtime/provider: malformed provider frame, dropping", "error", err)
			continue
		}
		p.emit(decodeWireFrame(wf))
	}
}

func decodeWireFrame(wf wireFrame) Event {
	e := Event{Timestamp: time.Now()}
	switch wf.Type {
	case "stt_started":
		e.Kind = EventSTTStarted
	case "stt_final":
		e.Kind = EventSTTFinal
		e.Text = wf.Text
		e.Confidence = wf.Confidence
	case "llm_token":
		e.Kind = EventLLMToken
		e.Text = wf.Text
	case "llm_complete":
		e.Kind = EventLLMComplete
	case "tts_audio":
		e.Kind = EventTTSAudio
		e.Codec = wf.Codec
		e.FrameNumber = wf.FrameNumber
		if raw, err := base64.StdEncoding.DecodeString(wf.Audio); err == nil {
			e.Audio = raw
		}
	case "tts_complete":
		e.Kind = EventTTSComplete
		e.TotalFrames = wf.TotalFrames
	default:
		e.Kind = EventError
		e.ErrorKind = "unknown_frame_type"
		e.ErrorMsg = wf.Type
	}
	return e
}

func (p *ProviderSession) emit(e Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.events <- e:
	default:
		slog.Warn("realtime/provider: event channel full, dropping event", "kind", e.Kind)
	}
}

// SendAudio implements Session, forwarding one base64-encoded audio_chunk frame.
func (p *ProviderSession) SendAudio(pcm []byte, ts float64) error {
	return p.writeJSON(map[string]any{
		"type":      "audio_chunk",
		"audio":     base64.StdEncoding.EncodeToString(pcm),
		"timestamp": ts,
	})
}

// SendEvent implements Session.
func (p *ProviderSession) SendEvent(c Control) error {
	return p.writeJSON(map[string]any{"type": string(c.Kind)})
}

func (p *ProviderSession) writeJSON(v any) error {
	p.mu.Lock()
	conn := p.conn
	open := p.open
	p.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime/provider: marshal: %w", err)
	}
	return conn.Write(context.Background(), websocket.MessageText, data)
}

// Recv implements Session.
func (p *ProviderSession) Recv() <-chan Event { return p.events }

// Cancel implements Session by asking the provider to cancel in-flight work.
func (p *ProviderSession) Cancel() error {
	return p.writeJSON(map[string]any{"type": "cancel"})
}

// Close implements Session.
func (p *ProviderSession) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.open = false
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	close(p.events)
	return nil
}

// Backend implements Session.
func (p *ProviderSession) Backend() Backend { return BackendProvider }
