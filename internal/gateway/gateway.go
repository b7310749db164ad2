// Package gateway implements the WS Gateway: the single WebSocket endpoint
// that admits calls, authenticates them, and drives each call's Realtime
// Session and per-call FSM for the lifetime of the connection (spec §4.6,
// component C6).
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/coder/websocket"

	"voicegate/internal/bandit"
	"voicegate/internal/config"
	"voicegate/internal/costlog"
	"voicegate/internal/deployguard"
	"voicegate/internal/fsm"
	"voicegate/internal/metrics"
	"voicegate/internal/nonce"
	"voicegate/internal/phone"
	"voicegate/internal/realtime"
	"voicegate/internal/redaction"
	"voicegate/internal/reward"
	"voicegate/internal/session"
	"voicegate/internal/storage"
	"voicegate/internal/telemetry"
)

// subprotocol is the single WebSocket subprotocol the gateway accepts.
const subprotocol = "realtime-v1"

const (
	idleTimeout       = 30 * time.Second
	handshakeDeadline = 5 * time.Second
	bargeInAckBudget  = 120 * time.Millisecond
)

// Gateway serves the realtime voice WebSocket endpoint.
type Gateway struct {
	cfg *config.Config

	registry *session.Registry
	bandit   *bandit.Bandit
	deploy   *deployguard.Guard
	nonces   nonce.Store
	metrics  *metrics.Registry
	auth     *authenticator

	connLimiter *connRateLimiter

	pepper    phone.Pepper
	calls     *storage.Store
	redactor  *redaction.PatternRedactor
	telemetry *telemetry.Provider
	costs     *costlog.Logger
}

// New constructs a Gateway wired to its collaborators. All collaborators
// are expected to already be running (registry.Run, bandit/deploy loaded).
// tp may be nil, in which case it defaults to a no-op provider. cl may be
// nil, in which case per-call cost accounting is skipped entirely.
func New(cfg *config.Config, registry *session.Registry, b *bandit.Bandit, g *deployguard.Guard, nonces nonce.Store, m *metrics.Registry, calls *storage.Store, tp *telemetry.Provider, cl *costlog.Logger) *Gateway {
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		bandit:      b,
		deploy:      g,
		nonces:      nonces,
		metrics:     m,
		auth:        newAuthenticator(cfg.Auth, nonces),
		connLimiter: newConnRateLimiter(cfg.Gateway.RateLimitConnPerMin, time.Minute),
		pepper:      phone.Pepper{Current: cfg.Phone.PepperCurrent, Previous: cfg.Phone.PepperPrevious},
		calls:       calls,
		redactor:    redaction.NewPatternRedactor(),
		telemetry:   tp,
		costs:       cl,
	}
}

// ServeHTTP implements the admission gates and, on success, upgrades and
// drives one call's connection lifecycle (spec §4.6 steps 1-2).
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	callID := callIDFromPath(r.URL.Path)
	if callID == "" {
		gw.reject(w, http.StatusNotFound, "missing call_id")
		return
	}

	if len(gw.cfg.Gateway.IPAllowlist) > 0 && !contains(gw.cfg.Gateway.IPAllowlist, ip) {
		gw.reject(w, http.StatusForbidden, "ip not allowed")
		return
	}
	if origin := r.Header.Get("Origin"); len(gw.cfg.Gateway.OriginAllowlist) > 0 && origin != "" && !contains(gw.cfg.Gateway.OriginAllowlist, origin) {
		gw.reject(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if !gw.connLimiter.Allow(ip) {
		gw.reject(w, http.StatusTooManyRequests, "connection rate exceeded")
		return
	}

	conn, err := gorillaws.Accept(w, r, &gorillaws.AcceptOptions{
		Subprotocols:       []string{subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("gateway: upgrade failed", "call_id", callID, "error", err)
		return
	}
	gw.metrics.IncHTTPResponse(101)
	defer conn.CloseNow()

	conn.SetReadLimit(int64(gw.cfg.Gateway.MaxFrameSize))

	gw.handleConnection(r.Context(), conn, r, callID, ip)
}

func (gw *Gateway) reject(w http.ResponseWriter, code int, reason string) {
	gw.metrics.IncHTTPResponse(code)
	http.Error(w, reason, code)
}

// handleConnection drives authentication, session bring-up, and the frame
// loop / downstream pump for one accepted connection.
func (gw *Gateway) handleConnection(ctx context.Context, conn *gorillaws.Conn, r *http.Request, callID, ip string) {
	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, handshakeDeadline)
	defer cancelHandshake()

	if !gw.cfg.Auth.DevAllowNoJWT {
		if err := gw.authenticateFirstFrame(handshakeCtx, conn, callID); err != nil {
			slog.Warn("gateway: auth failed", "call_id", callID, "error", err)
			gw.sendFrame(ctx, conn, serverFrame{Type: outAuthError, Message: err.Error()})
			conn.Close(gorillaws.StatusPolicyViolation, "auth failed")
			return
		}
	}

	query := r.URL.Query()
	cliHash, cliMask := gw.hashCLI(query.Get("cli"))

	variantID := gw.deploy.SelectForDeployment(bandit.Context{CallID: callID})

	callCtx := session.Context{
		ProfileTag: query.Get("skill"),
		TimeBucket: session.BucketFor(time.Now()),
	}
	sess, err := gw.registry.Create(callID, variantID, callCtx)
	if err != nil {
		slog.Warn("gateway: session create failed", "call_id", callID, "error", err)
		conn.Close(gorillaws.StatusInternalError, "session create failed")
		return
	}
	sess.CLIHash = cliHash
	sess.CLIMask = cliMask

	spanCtx, callSpan := gw.telemetry.StartCallSpan(ctx, callID, variantID, ip)
	ctx = spanCtx

	rt := gw.newRealtimeSession(ctx)
	if err := rt.Open(ctx); err != nil {
		slog.Error("gateway: realtime session open failed", "call_id", callID, "error", err)
		gw.sendFrame(ctx, conn, serverFrame{Type: outProviderError, Message: "backend unavailable"})
		gw.registry.End(callID)
		gw.telemetry.EndCallSpan(callSpan, string(rt.Backend()), 0, 0, 0, 0, false, err)
		conn.Close(gorillaws.StatusInternalError, "backend unavailable")
		return
	}
	defer rt.Close()

	if gw.costs != nil {
		gw.costs.StartCall(callID, string(rt.Backend()))
	}

	machine := fsm.New(fsm.Config{
		CallID:      callID,
		VariantID:   variantID,
		Canceller:   rt,
		RewardSink:  rewardSink{bandit: gw.bandit, metrics: gw.metrics, calls: gw.calls, sess: sess, backend: string(rt.Backend()), costs: gw.costs},
		Latency:     gw.metrics,
		TurnLatency: turnLatencyObserver(rt),
		OnTransition: func(from, to fsm.State, ev fsm.Event) {
			slog.Debug("fsm transition", "call_id", callID, "from", from, "to", to, "event", ev)
		},
	})
	sess.AttachFSM(machine)

	gw.metrics.CallsActive.Inc()
	gw.metrics.SetActiveBackend(string(rt.Backend()))
	defer func() {
		gw.metrics.CallsActive.Dec()
	}()

	gw.sendFrame(ctx, conn, serverFrame{
		Type:   outConnected,
		CallID: callID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Config: map[string]any{"stt_mode": "streaming", "llm_mode": "streaming", "tts_mode": "streaming"},
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	audioBuf := newAudioBuffer(gw.cfg.Gateway.MaxAudioBuffer)
	stages := &stageTimer{}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		gw.pumpDownstream(connCtx, conn, rt, machine, audioBuf, callID, stages)
	}()

	gw.frameLoop(connCtx, conn, rt, machine, sess, audioBuf)
	cancel()
	<-pumpDone

	callCtxFinal := sess.GetContext()
	callReward := machine.HandleCallEnded(rewardWeights(gw.cfg.Policy.RewardWeights), fsm.EndSignals{
		Resolution: callCtxFinal.Resolution,
		UserRating: callCtxFinal.UserRating,
		Repeats:    callCtxFinal.RepeatCount,
		Handover:   callCtxFinal.Handover,
	})
	gw.metrics.ReportRLState(gw.bandit, gw.deploy)

	snap := sess.Snapshot()
	gw.telemetry.EndCallSpan(callSpan, string(rt.Backend()), time.Since(snap.StartTime).Milliseconds(), callReward,
		callCtxFinal.BargeInCount, callCtxFinal.RepeatCount, callCtxFinal.Resolution, nil)

	gw.registry.End(callID)
}

// authenticateFirstFrame reads the mandatory first `{jwt: "..."}` frame and
// validates it (spec §4.6 step 3).
func (gw *Gateway) authenticateFirstFrame(ctx context.Context, conn *gorillaws.Conn, callID string) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading jwt frame: %w", err)
	}
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.JWT == "" {
		return fmt.Errorf("first frame must carry jwt")
	}
	return gw.auth.Validate(ctx, f.JWT, callID)
}

// hashCLI normalizes and hashes an optional caller-line-identification
// number, never retaining the raw value (spec §4.6 step 4).
func (gw *Gateway) hashCLI(raw string) (hash, mask string) {
	if raw == "" {
		return "", ""
	}
	e164 := phone.Normalize(raw, gw.cfg.Phone.DefaultCountryCode)
	return gw.pepper.Hash(e164, true), phone.Mask(e164)
}

// newRealtimeSession builds the Realtime Session per REALTIME_BACKEND,
// wrapped in the failover decorator when provider mode is enabled.
func (gw *Gateway) newRealtimeSession(ctx context.Context) *realtime.Failover {
	newLocal := func() realtime.Session { return realtime.NewLocalSession(realtime.Engines{}) }

	var primary realtime.Session
	if gw.cfg.Realtime.Backend == "provider" && gw.cfg.Realtime.AllowEgress {
		primary = realtime.NewProviderSession(realtime.ProviderConfig{
			URL:              gw.cfg.Realtime.ProviderURL,
			HandshakeTimeout: gw.cfg.Realtime.ProviderHandshakeTimeout,
		})
	} else {
		primary = newLocal()
	}

	failoverCfg := realtime.FailoverConfig{
		ErrorBurst:     gw.cfg.Failover.ErrorBurst,
		ErrorWindow:    gw.cfg.Failover.ErrorWindow,
		TriggerLatency: gw.cfg.Failover.TriggerLatency,
		CooldownSec:    time.Duration(gw.cfg.Failover.CooldownSec) * time.Second,
	}
	return realtime.NewFailover(primary, newLocal, failoverCfg, func(from, to realtime.Backend) {
		gw.metrics.ProviderFailoverTotal.Inc()
		gw.metrics.SetActiveBackend(string(to))
		gw.telemetry.RecordBackendCutover(ctx, string(from), string(to))
		slog.Warn("gateway: realtime backend cutover", "from", from, "to", to)
	})
}

// frameLoop implements the inbound per-message gate chain and dispatch
// (spec §4.6 steps 6-10).
func (gw *Gateway) frameLoop(ctx context.Context, conn *gorillaws.Conn, rt realtime.Session, machine *fsm.Machine, sess *session.CallSession, audioBuf *audioBuffer) {
	rateLimiter := newFrameRateLimiter(gw.cfg.Gateway.RateLimitMsgsPerSec, gw.cfg.Gateway.RateLimitBytesPerSec)
	lastFrame := time.Now()

	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return
		}
		sess.Touch()

		now := time.Now()
		if jitter := now.Sub(lastFrame); jitter > 200*time.Millisecond {
			slog.Warn("gateway: inter-frame jitter", "call_id", sess.CallID, "jitter", jitter)
		}
		lastFrame = now

		if len(data) > gw.cfg.Gateway.MaxFrameSize {
			gw.metrics.IncRateLimit("frame_size")
			continue
		}
		if !rateLimiter.allowMsg() {
			gw.metrics.IncRateLimit("messages_per_sec")
			gw.sendFrame(ctx, conn, serverFrame{Type: outRateLimitExceeded, Message: "too many messages", RetryAfter: 1})
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !rateLimiter.allowBytes(len(data)) {
			gw.metrics.IncRateLimit("bytes_per_sec")
			gw.sendFrame(ctx, conn, serverFrame{Type: outRateLimitExceeded, Message: "too many bytes", RetryAfter: 1})
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			gw.metrics.IncRateLimit("schema")
			continue
		}

		switch f.Type {
		case frameAudioChunk:
			gw.handleAudioChunk(ctx, f, rt, machine, audioBuf)
		case frameBargeIn:
			start := time.Now()
			machine.HandleBargeIn()
			gw.sendFrame(ctx, conn, serverFrame{Type: outBargeInAck, Timestamp: time.Now().UTC().Format(time.RFC3339)})
			if elapsed := time.Since(start); elapsed > bargeInAckBudget {
				slog.Warn("gateway: barge-in ack exceeded budget", "call_id", sess.CallID, "elapsed", elapsed)
			}
			sess.IncrementBargeIn()
			gw.telemetry.RecordBargeIn(ctx)
		case frameStop:
			return
		case framePing:
			gw.sendFrame(ctx, conn, serverFrame{Type: outPong, Timestamp: time.Now().UTC().Format(time.RFC3339), LatencyMs: time.Since(now).Seconds() * 1000})
		default:
			gw.metrics.IncRateLimit("schema")
		}
	}
}

func (gw *Gateway) handleAudioChunk(ctx context.Context, f clientFrame, rt realtime.Session, machine *fsm.Machine, buf *audioBuffer) {
	pcm, err := base64.StdEncoding.DecodeString(f.Audio)
	if err != nil {
		return
	}
	if dropped := buf.Push(); dropped {
		gw.metrics.WSBackpressureTotal.Inc()
		gw.metrics.AudioFramesDroppedTotal.Inc()
	}
	machine.HandleAudioChunk()
	if err := rt.SendAudio(pcm, f.Timestamp); err != nil {
		slog.Warn("gateway: send audio failed", "error", err)
		if fo, ok := rt.(interface{ ObserveError() }); ok {
			fo.ObserveError()
		}
		return
	}
	gw.metrics.AudioFramesSentTotal.Inc()
	_ = ctx
}

// pumpDownstream forwards Realtime Session events to the client and feeds
// the FSM (spec §4.6 step 8).
// stageTimer tracks when each STT/LLM/TTS stage of the current turn began,
// so dispatchEvent can report stage duration to costlog once the matching
// completion event arrives. Not safe for concurrent use; owned by the
// single pumpDownstream goroutine for one call.
type stageTimer struct {
	sttStart time.Time
	llmStart time.Time
	ttsStart time.Time
}

func (gw *Gateway) pumpDownstream(ctx context.Context, conn *gorillaws.Conn, rt realtime.Session, machine *fsm.Machine, audioBuf *audioBuffer, callID string, stages *stageTimer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rt.Recv():
			if !ok {
				return
			}
			gw.dispatchEvent(ctx, conn, ev, machine, audioBuf, callID, stages)
		}
	}
}

func (gw *Gateway) dispatchEvent(ctx context.Context, conn *gorillaws.Conn, ev realtime.Event, machine *fsm.Machine, audioBuf *audioBuffer, callID string, stages *stageTimer) {
	switch ev.Kind {
	case realtime.EventSTTStarted:
		stages.sttStart = ev.Timestamp
		// Informational only: LISTENING already covers in-progress STT, no
		// transition to drive.
		gw.sendFrame(ctx, conn, serverFrame{Type: outSTTStarted})
	case realtime.EventSTTFinal:
		machine.HandleSTTFinal()
		if gw.costs != nil && !stages.sttStart.IsZero() {
			gw.costs.AddSTTDuration(callID, ev.Timestamp.Sub(stages.sttStart))
		}
		stages.sttStart = time.Time{}
		slog.Debug("gateway: stt final", "text", gw.redactor.RedactForCall(callID, ev.Text))
		gw.sendFrame(ctx, conn, serverFrame{Type: outSTTFinal, Text: ev.Text})
	case realtime.EventLLMToken:
		if stages.llmStart.IsZero() {
			stages.llmStart = ev.Timestamp
		}
		machine.HandleLLMToken()
		gw.sendFrame(ctx, conn, serverFrame{Type: outLLMToken, Text: ev.Text})
	case realtime.EventLLMComplete:
		machine.HandleLLMComplete()
		if gw.costs != nil && !stages.llmStart.IsZero() {
			gw.costs.AddLLMDuration(callID, ev.Timestamp.Sub(stages.llmStart))
		}
		stages.llmStart = time.Time{}
		gw.sendFrame(ctx, conn, serverFrame{Type: outLLMComplete})
	case realtime.EventTTSAudio:
		if stages.ttsStart.IsZero() {
			stages.ttsStart = ev.Timestamp
		}
		machine.HandleTTSAudio()
		audioBuf.Drain()
		gw.sendFrame(ctx, conn, serverFrame{
			Type: outTTSAudio, Codec: "pcm16", Audio: base64.StdEncoding.EncodeToString(ev.Audio),
			SampleRate: 16000, FrameMs: 20, FrameNum: ev.FrameNumber,
		})
	case realtime.EventTTSComplete:
		machine.HandleTTSComplete()
		if gw.costs != nil && !stages.ttsStart.IsZero() {
			gw.costs.AddTTSDuration(callID, ev.Timestamp.Sub(stages.ttsStart))
		}
		stages.ttsStart = time.Time{}
		gw.sendFrame(ctx, conn, serverFrame{Type: outTTSComplete, TotalFrames: ev.TotalFrames})
	case realtime.EventError:
		machine.HandleError()
		gw.sendFrame(ctx, conn, serverFrame{Type: outError, Message: ev.ErrorMsg})
	}
}

func (gw *Gateway) sendFrame(ctx context.Context, conn *gorillaws.Conn, f serverFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, gorillaws.MessageText, data); err != nil {
		slog.Debug("gateway: write failed", "error", err)
	}
}

func turnLatencyObserver(rt realtime.Session) fsm.TurnLatencyObserver {
	if f, ok := rt.(*realtime.Failover); ok {
		return f
	}
	return noopTurnLatency{}
}

type noopTurnLatency struct{}

func (noopTurnLatency) ObserveTurnLatency(time.Duration) {}

// rewardSink pushes rewards into the bandit and mirrors them onto the
// rl_* metrics in one place, so the FSM only needs the one RewardSink call.
type rewardSink struct {
	bandit  *bandit.Bandit
	metrics *metrics.Registry
	calls   *storage.Store
	sess    *session.CallSession
	backend string
	costs   *costlog.Logger
}

func (s rewardSink) Update(variantID string, r float64) {
	s.bandit.Update(variantID, r)
	s.metrics.RecordPull(variantID, r)

	var cost costlog.Entry
	if s.costs != nil {
		cost = s.costs.EndCall(s.sess.CallID)
	}

	if s.calls == nil {
		return
	}
	snap := s.sess.Snapshot()
	ctx := s.sess.GetContext()
	record := storage.CallRecord{
		CallID:       snap.CallID,
		VariantID:    variantID,
		StartTime:    snap.StartTime,
		EndTime:      time.Now(),
		DurationMs:   time.Since(snap.StartTime).Milliseconds(),
		Backend:      s.backend,
		CLIHash:      s.sess.CLIHash,
		CLIMask:      snap.CLIMask,
		Resolution:   ctx.Resolution,
		UserRating:   ctx.UserRating,
		BargeInCount: ctx.BargeInCount,
		RepeatCount:  ctx.RepeatCount,
		Handover:     ctx.Handover,
		Reward:       r,
		STTCostEUR:   cost.STTCostEUR,
		LLMCostEUR:   cost.LLMCostEUR,
		TTSCostEUR:   cost.TTSCostEUR,
		TotalCostEUR: cost.TotalCostEUR,
	}
	if err := s.calls.SaveCall(record); err != nil {
		slog.Error("failed to persist call record", "call_id", snap.CallID, "error", err)
	}
}

func rewardWeights(c config.RewardWeightsConfig) reward.Weights {
	return reward.Weights{
		Resolution:  c.Resolution,
		Rating:      c.Rating,
		BargeIn:     c.BargeIn,
		Repeats:     c.Repeats,
		Handover:    c.Handover,
		DurationMax: c.DurationMax,
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}

func callIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
