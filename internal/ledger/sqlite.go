package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("ledger: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	// WAL keeps readers from blocking the call path's writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_logs (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL DEFAULT '',
			team_id     TEXT DEFAULT '',
			status       TEXT NOT NULL,
			start_time   INTEGER NOT NULL,
			connected_at INTEGER,
			end_time     INTEGER,
			duration_ms  INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_call_logs_caller ON call_logs (caller_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_call_logs_receiver ON call_logs (receiver_id, start_time);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create call_logs table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := rec.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	status := rec.Status
	if status == "" {
		status = StatusInitiated
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, caller_id, receiver_id, team_id, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.CallerID, rec.ReceiverID, rec.TeamID, string(status), start.UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: create record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) MarkConnected(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The connect instant is stamped here, not at Create: the duration of
	// an ended call covers talk time, never the ringing phase.
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_logs SET status = ?, connected_at = ? WHERE id = ? AND status = ?
	`, string(StatusConnected), time.Now().UnixMilli(), id, string(StatusInitiated))
	if err != nil {
		return fmt.Errorf("ledger: mark connected %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: record %s not in initiated state", id)
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, id string, status Status) error {
	if status != StatusEnded && status != StatusMissed {
		return fmt.Errorf("ledger: cannot finalize %s as %q", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_logs
		SET status = ?, end_time = ?,
		    duration_ms = CASE WHEN ? = 'ended' THEN ? - COALESCE(connected_at, start_time) ELSE NULL END
		WHERE id = ? AND status IN ('initiated', 'connected')
	`, string(status), now, string(status), now, id)
	if err != nil {
		return fmt.Errorf("ledger: finalize %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: record %s already finalized or missing", id)
	}
	return nil
}

func (s *Store) History(ctx context.Context, adminID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, receiver_id, team_id, status, start_time, end_time, duration_ms
		FROM call_logs
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, adminID, adminID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history for %s: %w", adminID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			status     string
			startMs    int64
			endMs      sql.NullInt64
			durationMs sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &rec.TeamID,
			&status, &startMs, &endMs, &durationMs); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		rec.StartTime = time.UnixMilli(startMs)
		if endMs.Valid {
			rec.EndTime = time.UnixMilli(endMs.Int64)
		}
		if durationMs.Valid {
			rec.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
