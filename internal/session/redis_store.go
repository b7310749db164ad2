package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration for a shared call
// registry across gateway instances.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store using Redis as the backing map. FSM state is
// intentionally not persisted: a call's live FSM only ever matters to the
// process holding its WebSocket connection, so a Redis-backed registry is
// used for cross-instance introspection (active-call counts, CLI lookups),
// not for resuming a call's turn machinery on another instance.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// sessionData is the JSON-serializable projection of a CallSession.
type sessionData struct {
	CallID       string     `json:"call_id"`
	VariantID    string     `json:"variant_id"`
	StartTime    time.Time  `json:"start_time"`
	LastActivity time.Time  `json:"last_activity"`
	CLIHash      string     `json:"cli_hash,omitempty"`
	CLIMask      string     `json:"cli_mask,omitempty"`
	Context      Context    `json:"context"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: connect to redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "call_session:"
	}
	return &RedisStore{client: client, keyPrefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(callID string) string { return s.keyPrefix + callID }

// Get implements Store. The returned CallSession has no FSM attached; a
// caller that needs to keep driving the call's turn machinery must already
// hold that instance's in-memory copy.
func (s *RedisStore) Get(callID string) (*CallSession, bool) {
	ctx := context.Background()
	data, err := s.client.Get(ctx, s.key(callID)).Bytes()
	if err != nil {
		return nil, false
	}
	var sd sessionData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, false
	}
	sess := &CallSession{
		CallID:       sd.CallID,
		VariantID:    sd.VariantID,
		StartTime:    sd.StartTime,
		LastActivity: sd.LastActivity,
		CLIHash:      sd.CLIHash,
		CLIMask:      sd.CLIMask,
		ctx:          sd.Context,
		endedAt:      sd.EndedAt,
	}
	return sess, true
}

// Put implements Store.
func (s *RedisStore) Put(sess *CallSession) {
	snap := sess.Snapshot()
	sd := sessionData{
		CallID:       snap.CallID,
		VariantID:    snap.VariantID,
		StartTime:    snap.StartTime,
		LastActivity: snap.LastActivity,
		CLIHash:      sess.CLIHash,
		CLIMask:      snap.CLIMask,
		Context:      snap.Context,
	}
	if sess.Ended() {
		now := time.Now()
		sd.EndedAt = &now
	}
	data, err := json.Marshal(sd)
	if err != nil {
		return
	}
	s.client.Set(context.Background(), s.key(sess.CallID), data, s.ttl)
}

// Delete implements Store.
func (s *RedisStore) Delete(callID string) {
	s.client.Del(context.Background(), s.key(callID))
}

// List implements Store by scanning keys under the prefix. Not cheap; used
// for introspection, not the hot path.
func (s *RedisStore) List(filter func(*CallSession) bool) []*CallSession {
	ctx := context.Background()
	var result []*CallSession
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sd sessionData
		if err := json.Unmarshal(data, &sd); err != nil {
			continue
		}
		sess := &CallSession{
			CallID:       sd.CallID,
			VariantID:    sd.VariantID,
			StartTime:    sd.StartTime,
			LastActivity: sd.LastActivity,
			CLIHash:      sd.CLIHash,
			CLIMask:      sd.CLIMask,
			ctx:          sd.Context,
			endedAt:      sd.EndedAt,
		}
		if filter == nil || filter(sess) {
			result = append(result, sess)
		}
	}
	return result
}

// Count implements Store.
func (s *RedisStore) Count(filter func(*CallSession) bool) int {
	return len(s.List(filter))
}

// CountByVariant implements Store by grouping a full scan; Redis keeps no
// secondary index by variant; cross-instance introspection is rare enough
// (operator dashboards, not the hot path) that this is an acceptable cost.
func (s *RedisStore) CountByVariant(filter func(*CallSession) bool) map[string]int {
	out := make(map[string]int)
	for _, sess := range s.List(filter) {
		if sess.VariantID == "" {
			continue
		}
		out[sess.VariantID]++
	}
	return out
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
