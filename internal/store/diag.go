package store

import (
	"context"
	"fmt"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
)

// DiagCap is the maximum number of rows kept in the rolling error log.
const DiagCap = 200

// DiagEntry is one row of the rolling diagnostic error log.
type DiagEntry struct {
	ID         int64
	OccurredAt time.Time
	Operation  string
	Code       int // HTTP-status-equivalent, 0 for network/unknown
	Attempts   int
	Message    string
}

// LogError appends a diagnostic entry and trims the log to DiagCap rows.
// Diagnostics are best-effort: callers typically ignore the returned error.
func (s *Store) LogError(ctx context.Context, operation string, code, attempts int, message string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO error_log (occurred_at, operation, code, attempts, message)
		VALUES (?, ?, ?, ?, ?)`,
		record.FormatTimestamp(time.Now()), operation, code, attempts, message)
	if err != nil {
		return fmt.Errorf("failed to log diagnostic: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		DELETE FROM error_log WHERE id NOT IN (
			SELECT id FROM error_log ORDER BY id DESC LIMIT ?)`, DiagCap)
	if err != nil {
		return fmt.Errorf("failed to trim diagnostic log: %w", err)
	}
	return nil
}

// RecentErrors returns the newest diagnostic entries, most recent first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]DiagEntry, error) {
	if limit <= 0 || limit > DiagCap {
		limit = DiagCap
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, occurred_at, operation, code, attempts, message
		FROM error_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostic log: %w", err)
	}
	defer rows.Close()

	entries := []DiagEntry{}
	for rows.Next() {
		var e DiagEntry
		var occurred string
		if err := rows.Scan(&e.ID, &occurred, &e.Operation, &e.Code, &e.Attempts, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic entry: %w", err)
		}
		if t, err := record.ParseTimestamp(occurred); err == nil {
			e.OccurredAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
