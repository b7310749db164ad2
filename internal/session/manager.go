package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is the backing map for the CallSession registry. Implementations may
// be process-local (MemoryStore) or shared across instances (RedisStore);
// either way a Registry only ever needs lookup-by-call_id plus the
// variant-grouped views the control API and deploy guard reporting rely on
// (spec §5 "Active-session map", §9 operator introspection).
type Store interface {
	Get(callID string) (*CallSession, bool)
	Put(sess *CallSession)
	Delete(callID string)
	List(filter func(*CallSession) bool) []*CallSession
	Count(filter func(*CallSession) bool) int
	// CountByVariant returns, for every variant with at least one session
	// matching filter, the number of matching sessions on that variant.
	CountByVariant(filter func(*CallSession) bool) map[string]int
}

// MemoryStore is the default, single-process Store. It keeps a secondary
// index from policy_variant to the set of call_ids currently pulled onto
// that variant, so the control API and deploy-guard traffic reporting (spec
// §7 "operator can see which variants are carrying live calls") don't have
// to scan every session to answer "how many calls is v3b carrying right
// now" the way a plain map would force.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*CallSession
	byVariant map[string]map[string]struct{} // variant_id -> set of call_id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*CallSession),
		byVariant: make(map[string]map[string]struct{}),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(callID string) (*CallSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[callID]
	return sess, ok
}

// Put implements Store. Re-indexing moves the call_id to its current
// variant bucket even if Put is called again for an existing session whose
// variant changed (it doesn't today, but the index stays consistent either
// way rather than relying on that invariant).
func (s *MemoryStore) Put(sess *CallSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[sess.CallID]; ok && old.VariantID != sess.VariantID {
		s.unindexLocked(old.VariantID, old.CallID)
	}
	s.sessions[sess.CallID] = sess
	s.indexLocked(sess.VariantID, sess.CallID)
}

// Delete implements Store.
func (s *MemoryStore) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callID]; ok {
		s.unindexLocked(sess.VariantID, callID)
		delete(s.sessions, callID)
	}
}

// List implements Store.
func (s *MemoryStore) List(filter func(*CallSession) bool) []*CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*CallSession
	for _, sess := range s.sessions {
		if filter == nil || filter(sess) {
			result = append(result, sess)
		}
	}
	return result
}

// Count implements Store.
func (s *MemoryStore) Count(filter func(*CallSession) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if filter == nil || filter(sess) {
			n++
		}
	}
	return n
}

// CountByVariant implements Store using the variant index directly, rather
// than scanning the full session map like Count does.
func (s *MemoryStore) CountByVariant(filter func(*CallSession) bool) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.byVariant))
	for variantID, ids := range s.byVariant {
		n := 0
		for callID := range ids {
			if sess, ok := s.sessions[callID]; ok && (filter == nil || filter(sess)) {
				n++
			}
		}
		if n > 0 {
			out[variantID] = n
		}
	}
	return out
}

func (s *MemoryStore) indexLocked(variantID, callID string) {
	if variantID == "" {
		return
	}
	set, ok := s.byVariant[variantID]
	if !ok {
		set = make(map[string]struct{})
		s.byVariant[variantID] = set
	}
	set[callID] = struct{}{}
}

func (s *MemoryStore) unindexLocked(variantID, callID string) {
	if set, ok := s.byVariant[variantID]; ok {
		delete(set, callID)
		if len(set) == 0 {
			delete(s.byVariant, variantID)
		}
	}
}

// ActiveFilter selects sessions that have not yet ended.
func ActiveFilter(s *CallSession) bool {
	return !s.Ended()
}

// EndCallback is invoked once a session's grace period expires and it is
// about to be purged, giving callers a chance to persist a CDR first.
type EndCallback func(sess *CallSession)

// Registry is the process-wide CallSession registry (spec §3, §9
// "Globals with lifecycle"). One Registry per gateway process.
type Registry struct {
	store Store

	idleTimeout     time.Duration // spec §5: connection idle > 30s → close
	cleanupInterval time.Duration
	gracePeriod     time.Duration // spec §5: "5-minute grace timer"

	onEnd EndCallback
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, idleTimeout, gracePeriod time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Minute
	}
	return &Registry{
		store:           store,
		idleTimeout:     idleTimeout,
		cleanupInterval: 15 * time.Second,
		gracePeriod:     gracePeriod,
	}
}

// SetEndCallback registers a hook called just before a session is purged.
func (r *Registry) SetEndCallback(cb EndCallback) {
	r.onEnd = cb
}

// Run drives the idle-timeout and grace-period purge sweeps until ctx is
// cancelled (spec §5 "Per-session background tasks cancelled when the
// session terminates").
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("session registry stopping")
			return
		case <-ticker.C:
			r.sweepIdle()
			r.sweepExpired()
		}
	}
}

// Create registers a brand new CallSession. Returns an error if call_id is
// already in use by an active session (spec §3 invariant).
func (r *Registry) Create(callID, variantID string, ctx Context) (*CallSession, error) {
	if len(callID) == 0 || len(callID) > 100 {
		return nil, fmt.Errorf("session: call_id must be 1..100 chars, got %d", len(callID))
	}
	if existing, ok := r.store.Get(callID); ok && !existing.Ended() {
		return nil, fmt.Errorf("session: call_id %q already has an active session", callID)
	}
	sess := New(callID, variantID, ctx)
	r.store.Put(sess)
	slog.Info("call session created", "call_id", callID, "variant", variantID)
	return sess, nil
}

// Get retrieves a session by call_id.
func (r *Registry) Get(callID string) (*CallSession, bool) {
	return r.store.Get(callID)
}

// End marks a session ended and immediately notifies the end callback
// (the caller is still responsible for removing it from the registry once
// its grace period is up).
func (r *Registry) End(callID string) {
	sess, ok := r.store.Get(callID)
	if !ok {
		return
	}
	sess.MarkEnded()
	if r.onEnd != nil {
		r.onEnd(sess)
	}
	slog.Info("call session ended", "call_id", callID)
}

// Remove deletes a session immediately, bypassing the grace period; used by
// the gateway's own teardown path.
func (r *Registry) Remove(callID string) {
	r.store.Delete(callID)
}

// ListActive returns all sessions that have not ended.
func (r *Registry) ListActive() []*CallSession {
	return r.store.List(ActiveFilter)
}

// ActiveCount returns the count of sessions that have not ended, the basis
// for the tom_calls_active gauge (clamped non-negative by construction,
// since it is always a len()).
func (r *Registry) ActiveCount() int {
	return r.store.Count(ActiveFilter)
}

// ActiveByVariant returns, for each policy_variant currently carrying at
// least one live call, how many active calls it's carrying. Used by the
// control API's /control/policy view so an operator can see how traffic is
// actually splitting across variants right now, not just how the deploy
// guard intends it to split (spec §7).
func (r *Registry) ActiveByVariant() map[string]int {
	return r.store.CountByVariant(ActiveFilter)
}

func (r *Registry) sweepIdle() {
	for _, sess := range r.store.List(ActiveFilter) {
		if sess.IdleTime() > r.idleTimeout {
			slog.Warn("call session idle timeout", "call_id", sess.CallID, "idle", sess.IdleTime())
			r.End(sess.CallID)
		}
	}
}

func (r *Registry) sweepExpired() {
	for _, sess := range r.store.List(func(s *CallSession) bool {
		return s.Ended() && s.GracePeriodExpired(r.gracePeriod)
	}) {
		r.store.Delete(sess.CallID)
		slog.Debug("call session purged", "call_id", sess.CallID)
	}
}
