// Package store is the persistence collaborator: call records and quality
// samples, keyed by callID, in a local SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dkeye/Peercall/internal/domain"
)

// DB wraps a SQLite database holding call history.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers off the writers' backs; busy_timeout covers the
	// goroutine-per-write pattern of the coordinator.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			callee_id   TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			final_state TEXT NOT NULL,
			start_time  DATETIME NOT NULL,
			end_time    DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quality_samples (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id    TEXT NOT NULL,
			sample     TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create quality_samples table: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveCall stores the terminal snapshot of a call.
func (d *DB) SaveCall(rec domain.CallRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO calls
			(id, caller_id, callee_id, call_type, final_state, start_time, end_time, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(rec.ID), string(rec.CallerID), string(rec.CalleeID), string(rec.Type),
		string(rec.FinalState), rec.StartTime.UTC(), rec.EndTime.UTC(),
		rec.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// SaveQuality appends a telemetry sample for a call. The sample is stored
// verbatim; nobody here cares whether the call is still active.
func (d *DB) SaveQuality(callID domain.CallID, sample json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO quality_samples (call_id, sample) VALUES (?, ?)
	`, string(callID), string(sample))
	if err != nil {
		return fmt.Errorf("insert quality sample: %w", err)
	}
	return nil
}

// CallHistoryEntry is one row of a user's call history.
type CallHistoryEntry struct {
	ID         domain.CallID    `json:"callId"`
	CallerID   domain.UserID    `json:"callerId"`
	CalleeID   domain.UserID    `json:"calleeId"`
	Type       domain.CallType  `json:"callType"`
	FinalState domain.CallState `json:"finalState"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	DurationMS int64            `json:"durationMs"`
}

// CallHistory returns the most recent calls a user took part in, newest
// first.
func (d *DB) CallHistory(userID domain.UserID, limit int) ([]CallHistoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`
		SELECT id, caller_id, callee_id, call_type, final_state, start_time, end_time, duration_ms
		FROM calls
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, string(userID), string(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	var out []CallHistoryEntry
	for rows.Next() {
		var e CallHistoryEntry
		if err := rows.Scan(&e.ID, &e.CallerID, &e.CalleeID, &e.Type, &e.FinalState,
			&e.StartTime, &e.EndTime, &e.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// QualityHistory returns the stored samples for one call, oldest first.
func (d *DB) QualityHistory(callID domain.CallID) ([]json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT sample FROM quality_samples WHERE call_id = ? ORDER BY id
	`, string(callID))
	if err != nil {
		return nil, fmt.Errorf("query quality samples: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(s))
	}
	return out, rows.Err()
}
