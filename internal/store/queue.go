package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
)

// Operation is the kind of queued mutation.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// QueueEntry is one row of the durable mutation queue: a write that could
// not be confirmed against the remote store at the time it was made.
//
// Entries for the same record id may accumulate (several updates queued
// before a drain); the processor handles them independently in FIFO order.
type QueueEntry struct {
	ID        int64
	Table     string
	Operation Operation
	Data      record.Record // partial record for insert/update, nil for delete
	RecordID  string
	CreatedAt time.Time
	Synced    bool
	Error     string
}

// Enqueue appends a mutation to the queue and returns its assigned id.
func (s *Store) Enqueue(ctx context.Context, table string, op Operation, recordID string, data record.Record) (int64, error) {
	var payload any
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("failed to encode queued mutation: %w", err)
		}
		payload = string(b)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO mutation_queue (tbl, operation, data, record_id, created_at, synced)
		VALUES (?, ?, ?, ?, ?, 0)`,
		table, string(op), payload, recordID, record.FormatTimestamp(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s on %s/%s: %w", op, table, recordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return id, nil
}

// Pending returns unsynced queue entries in FIFO order. A limit of 0 means
// the full backlog.
func (s *Store) Pending(ctx context.Context, limit int) ([]QueueEntry, error) {
	query := "SELECT id, tbl, operation, data, record_id, created_at, synced, error FROM mutation_queue WHERE synced = 0 ORDER BY id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

// AllQueueEntries returns every queue entry, synced or not, in FIFO order.
// Used by the inspection surface and the JSONL export.
func (s *Store) AllQueueEntries(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, tbl, operation, data, record_id, created_at, synced, error FROM mutation_queue ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()
	return scanQueueEntries(rows)
}

// PendingCount returns the number of unsynced queue entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutation_queue WHERE synced = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

// PendingByTable returns unsynced entry counts grouped by table.
func (s *Store) PendingByTable(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT tbl, COUNT(*) FROM mutation_queue WHERE synced = 0 GROUP BY tbl")
	if err != nil {
		return nil, fmt.Errorf("failed to count pending mutations by table: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tbl string
		var n int
		if err := rows.Scan(&tbl, &n); err != nil {
			return nil, fmt.Errorf("failed to scan pending count: %w", err)
		}
		out[tbl] = n
	}
	return out, rows.Err()
}

// MarkSynced flags a queue entry as successfully reconciled.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET synced = 1, error = '' WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to mark queue entry %d synced: %w", id, err)
	}
	return nil
}

// MarkError records the last failure on a queue entry. The entry stays
// unsynced so a later drain cycle retries it.
func (s *Store) MarkError(ctx context.Context, id int64, msg string) error {
	if _, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET error = ? WHERE id = ?", msg, id); err != nil {
		return fmt.Errorf("failed to record error on queue entry %d: %w", id, err)
	}
	return nil
}

// PurgeSynced deletes entries that have been marked synced and returns how
// many were removed.
func (s *Store) PurgeSynced(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM mutation_queue WHERE synced = 1")
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemapRecordID rewrites unsynced queue entries that reference oldID to use
// newID instead. Called after a temp-id insert receives its server id so
// that updates queued before the insert confirmed still land.
func (s *Store) RemapRecordID(ctx context.Context, table, oldID, newID string) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET record_id = ? WHERE tbl = ? AND record_id = ? AND synced = 0",
		newID, table, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to remap %s/%s to %s: %w", table, oldID, newID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkInsertSyncedForRecord flags the unsynced insert entry for a record as
// synced. Used when an offline insert is cancelled by an offline delete of
// the same temp id: neither ever reaches the remote store.
func (s *Store) MarkInsertSyncedForRecord(ctx context.Context, table, recordID string) error {
	if _, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET synced = 1 WHERE tbl = ? AND record_id = ? AND operation = ? AND synced = 0",
		table, recordID, string(OpInsert)); err != nil {
		return fmt.Errorf("failed to cancel insert for %s/%s: %w", table, recordID, err)
	}
	return nil
}

func scanQueueEntries(rows *sql.Rows) ([]QueueEntry, error) {
	entries := []QueueEntry{}
	for rows.Next() {
		var (
			e         QueueEntry
			op        string
			data      sql.NullString
			createdAt string
			synced    int
		)
		if err := rows.Scan(&e.ID, &e.Table, &op, &data, &e.RecordID, &createdAt, &synced, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Operation = Operation(op)
		e.Synced = synced != 0
		if t, err := record.ParseTimestamp(createdAt); err == nil {
			e.CreatedAt = t
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode queued mutation %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return entries, nil
}
