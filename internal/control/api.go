// Package control exposes an introspection/operator HTTP API over the live
// call registry, the policy bandit, and the deploy guard, grounded in the
// teacher's control API idiom (bearer/X-API-Key auth, a plain ServeMux,
// JSON responses).
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicegate/internal/bandit"
	"voicegate/internal/deployguard"
	"voicegate/internal/session"
	"voicegate/internal/storage"
)

// Handler serves the operator-facing control API.
type Handler struct {
	registry *session.Registry
	bandit   *bandit.Bandit
	deploy   *deployguard.Guard
	calls    *storage.Store
	mux      *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler. calls may be nil if persistence is
// disabled, in which case history endpoints report 503.
func New(registry *session.Registry, b *bandit.Bandit, g *deployguard.Guard, calls *storage.Store, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		registry:    registry,
		bandit:      b,
		deploy:      g,
		calls:       calls,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/calls", h.handleCalls)
	h.mux.HandleFunc("/control/calls/", h.handleCall)
	h.mux.HandleFunc("/control/policy", h.handlePolicy)
	h.mux.HandleFunc("/control/deploy", h.handleDeploy)
	h.mux.HandleFunc("/control/history", h.handleHistory)
	h.mux.HandleFunc("/control/history/", h.handleHistoryCall)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="voicegate control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "valid API key required via Authorization: Bearer <key> or X-API-Key",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		} else if authHeader == h.apiKey {
			return true
		}
	}
	return r.Header.Get("X-API-Key") == h.apiKey
}

// handleHealth handles GET /control/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"timestamp":    time.Now(),
		"active_calls": h.registry.ActiveCount(),
	})
}

// handleCalls handles GET /control/calls, listing live calls.
func (h *Handler) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := h.registry.ListActive()
	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": snaps, "total": len(snaps)})
}

// handleCall handles GET /control/calls/{call_id}.
func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callID := strings.TrimPrefix(r.URL.Path, "/control/calls/")
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}
	sess, ok := h.registry.Get(callID)
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": sess.Snapshot(),
		"events":   sess.EventLog(),
	})
}

// handlePolicy handles GET /control/policy, reporting bandit state.
func (h *Handler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variants":                h.bandit.AllStats(),
		"exploration_rate":        h.bandit.ExplorationRate(),
		"active_calls_by_variant": h.registry.ActiveByVariant(),
	})
}

// handleDeploy handles GET /control/deploy, reporting deploy-guard state.
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.deploy.Snapshot())
}

// handleHistory handles GET /control/history, listing persisted CDRs.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call history persistence disabled")
		return
	}

	query := r.URL.Query()
	opts := storage.ListCallsOptions{VariantID: query.Get("variant_id")}
	if limitStr := query.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			opts.Limit = n
		}
	}

	records, err := h.calls.ListCalls(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": records, "total": len(records)})
}

// handleHistoryCall handles GET /control/history/{call_id}.
func (h *Handler) handleHistoryCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call history persistence disabled")
		return
	}
	callID := strings.TrimPrefix(r.URL.Path, "/control/history/")
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}
	record, err := h.calls.GetCall(callID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	events, err := h.calls.ListEvents(callID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record, "events": events})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reports a server-side failure as JSON tagged with a fresh
// request ID, so an operator can correlate a client-visible error with the
// matching log line without the server having to retain any state.
func writeError(w http.ResponseWriter, status int, message string) {
	reqID := uuid.NewString()
	slog.Error("control API request failed", "request_id", reqID, "status", status, "message", message)
	writeJSON(w, status, map[string]string{"error": message, "request_id": reqID})
}
