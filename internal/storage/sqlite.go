// Package storage persists completed call detail records and their event
// history to SQLite, grounded in the teacher's session-history store idiom
// (WAL mode, one migrate() schema blob, INSERT OR REPLACE upserts).
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// CallRecord is the persisted call detail record for one finished call,
// shaped around the reward function's FeedbackSignals plus enough routing
// and timing metadata to audit a bandit pull after the fact.
type CallRecord struct {
	CallID       string
	VariantID    string
	StartTime    time.Time
	EndTime      time.Time
	DurationMs   int64
	Backend      string
	CLIHash      string
	CLIMask      string
	Resolution   bool
	UserRating   *int
	BargeInCount int
	RepeatCount  int
	Handover     bool
	Reward       float64
	STTCostEUR   float64
	LLMCostEUR   float64
	TTSCostEUR   float64
	TotalCostEUR float64
	Metadata     map[string]string
}

// CallEvent is one immutable entry in a call's lifecycle audit trail.
type CallEvent struct {
	ID        int64
	CallID    string
	Timestamp time.Time
	Kind      string
	Note      string
}

// Store persists call records and their event logs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed call store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: run migrations: %w", err)
	}

	slog.Info("call store initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		variant_id TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		backend TEXT NOT NULL,
		cli_hash TEXT,
		cli_mask TEXT,
		resolution INTEGER NOT NULL DEFAULT 0,
		user_rating INTEGER,
		barge_in_count INTEGER NOT NULL DEFAULT 0,
		repeat_count INTEGER NOT NULL DEFAULT 0,
		handover INTEGER NOT NULL DEFAULT 0,
		reward REAL NOT NULL DEFAULT 0,
		stt_cost_eur REAL NOT NULL DEFAULT 0,
		llm_cost_eur REAL NOT NULL DEFAULT 0,
		tts_cost_eur REAL NOT NULL DEFAULT 0,
		total_cost_eur REAL NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_calls_start_time ON calls(start_time);
	CREATE INDEX IF NOT EXISTS idx_calls_variant ON calls(variant_id);

	CREATE TABLE IF NOT EXISTS call_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		kind TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCall upserts a completed call's record.
func (s *Store) SaveCall(r CallRecord) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO calls
		(call_id, variant_id, start_time, end_time, duration_ms, backend, cli_hash, cli_mask,
		 resolution, user_rating, barge_in_count, repeat_count, handover, reward,
		 stt_cost_eur, llm_cost_eur, tts_cost_eur, total_cost_eur, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.VariantID, r.StartTime, r.EndTime, r.DurationMs, r.Backend, r.CLIHash, r.CLIMask,
		boolToInt(r.Resolution), r.UserRating, r.BargeInCount, r.RepeatCount, boolToInt(r.Handover), r.Reward,
		r.STTCostEUR, r.LLMCostEUR, r.TTSCostEUR, r.TotalCostEUR,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("storage: save call: %w", err)
	}
	return nil
}

// GetCall retrieves a call record by ID, or (nil, nil) if absent.
func (s *Store) GetCall(callID string) (*CallRecord, error) {
	row := s.db.QueryRow(`
		SELECT call_id, variant_id, start_time, end_time, duration_ms, backend, cli_hash, cli_mask,
		       resolution, user_rating, barge_in_count, repeat_count, handover, reward,
		       stt_cost_eur, llm_cost_eur, tts_cost_eur, total_cost_eur, metadata
		FROM calls WHERE call_id = ?`, callID)

	var r CallRecord
	var resolution, handover int
	var metadataStr sql.NullString
	var userRating sql.NullInt64
	err := row.Scan(&r.CallID, &r.VariantID, &r.StartTime, &r.EndTime, &r.DurationMs, &r.Backend,
		&r.CLIHash, &r.CLIMask, &resolution, &userRating, &r.BargeInCount, &r.RepeatCount, &handover,
		&r.Reward, &r.STTCostEUR, &r.LLMCostEUR, &r.TTSCostEUR, &r.TotalCostEUR, &metadataStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get call: %w", err)
	}

	r.Resolution = resolution != 0
	r.Handover = handover != 0
	if userRating.Valid {
		v := int(userRating.Int64)
		r.UserRating = &v
	}
	if metadataStr.Valid && metadataStr.String != "" {
		_ = json.Unmarshal([]byte(metadataStr.String), &r.Metadata)
	}
	return &r, nil
}

// ListCallsOptions filters a call listing.
type ListCallsOptions struct {
	VariantID string
	Since     *time.Time
	Limit     int
}

// ListCalls retrieves call records newest-first with optional filters.
func (s *Store) ListCalls(opts ListCallsOptions) ([]CallRecord, error) {
	query := `
		SELECT call_id, variant_id, start_time, end_time, duration_ms, backend, cli_hash, cli_mask,
		       resolution, user_rating, barge_in_count, repeat_count, handover, reward,
		       stt_cost_eur, llm_cost_eur, tts_cost_eur, total_cost_eur, metadata
		FROM calls WHERE 1=1`
	args := []interface{}{}

	if opts.VariantID != "" {
		query += " AND variant_id = ?"
		args = append(args, opts.VariantID)
	}
	if opts.Since != nil {
		query += " AND start_time >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY start_time DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list calls: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		var resolution, handover int
		var metadataStr sql.NullString
		var userRating sql.NullInt64
		if err := rows.Scan(&r.CallID, &r.VariantID, &r.StartTime, &r.EndTime, &r.DurationMs, &r.Backend,
			&r.CLIHash, &r.CLIMask, &resolution, &userRating, &r.BargeInCount, &r.RepeatCount, &handover,
			&r.Reward, &r.STTCostEUR, &r.LLMCostEUR, &r.TTSCostEUR, &r.TotalCostEUR, &metadataStr); err != nil {
			return nil, fmt.Errorf("storage: scan call: %w", err)
		}
		r.Resolution = resolution != 0
		r.Handover = handover != 0
		if userRating.Valid {
			v := int(userRating.Int64)
			r.UserRating = &v
		}
		if metadataStr.Valid && metadataStr.String != "" {
			_ = json.Unmarshal([]byte(metadataStr.String), &r.Metadata)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendEvent records one lifecycle event for a call.
func (s *Store) AppendEvent(callID, kind, note string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO call_events (call_id, timestamp, kind, note) VALUES (?, ?, ?, ?)`,
		callID, at, kind, note)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// ListEvents retrieves a call's event log in chronological order.
func (s *Store) ListEvents(callID string) ([]CallEvent, error) {
	rows, err := s.db.Query(`SELECT id, call_id, timestamp, kind, note FROM call_events WHERE call_id = ? ORDER BY timestamp ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []CallEvent
	for rows.Next() {
		var e CallEvent
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.CallID, &e.Timestamp, &e.Kind, &note); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Note = note.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cleanup deletes call records (and their events) older than retentionDays.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if _, err := s.db.Exec(`DELETE FROM call_events WHERE call_id IN (SELECT call_id FROM calls WHERE end_time < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("storage: cleanup events: %w", err)
	}
	result, err := s.db.Exec(`DELETE FROM calls WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup calls: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old call records", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
