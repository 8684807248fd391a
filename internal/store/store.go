// Package store provides the on-device persistent cache for fieldsync.
//
// The store is an embedded SQLite database (WAL mode) holding one logical
// partition per synced table, each keyed by record id, plus the durable
// mutation queue and a capped diagnostic error log.
//
// Layout:
//   - records:        (tbl, id) -> JSON record + updated_at
//   - record_index:   declared secondary index entries per record
//   - mutation_queue: FIFO append log of not-yet-confirmed writes
//   - error_log:      rolling diagnostics, trimmed to a fixed cap
//
// Readers never block on the network; the store has no knowledge of the
// remote service. Lookups for missing records return the zero value rather
// than an error.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with table-partitioned record access.
type Store struct {
	conn    *sql.DB
	path    string
	indexes map[string][]string // table -> declared index field names
}

// Open creates (or reopens) the cache database at the specified path.
//
// The database runs in embedded mode with WAL for concurrent reads. The
// caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".fieldsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:    conn,
		path:    path,
		indexes: make(map[string][]string),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	return err
}

// InitSchema creates the store's tables and indexes if they don't exist.
// Safe to call on every startup; there is no migration system beyond
// recreating missing stores.
func (s *Store) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		tbl        TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tbl, id)
	);

	CREATE TABLE IF NOT EXISTS record_index (
		tbl   TEXT NOT NULL,
		name  TEXT NOT NULL,
		value TEXT NOT NULL,
		id    TEXT NOT NULL,
		PRIMARY KEY (tbl, name, id)
	);

	CREATE INDEX IF NOT EXISTS idx_record_index_lookup
		ON record_index(tbl, name, value);

	CREATE TABLE IF NOT EXISTS mutation_queue (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl        TEXT NOT NULL,
		operation  TEXT NOT NULL,
		data       TEXT,
		record_id  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		synced     INTEGER NOT NULL DEFAULT 0,
		error      TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_queue_pending
		ON mutation_queue(synced, id);

	CREATE TABLE IF NOT EXISTS error_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TEXT NOT NULL,
		operation  TEXT NOT NULL,
		code       INTEGER NOT NULL DEFAULT 0,
		attempts   INTEGER NOT NULL DEFAULT 0,
		message    TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DeclareIndex registers a secondary index for a table. Indexes must be
// declared before records are put; entries are maintained on every upsert.
//
// Boolean field values are normalized to "0"/"1" because index keys are
// stored as text and lookups must be deterministic across JSON decodings.
func (s *Store) DeclareIndex(table string, fields ...string) {
	s.indexes[table] = append(s.indexes[table], fields...)
}

// DeclaredIndexes returns the index field names registered for a table.
func (s *Store) DeclaredIndexes(table string) []string {
	out := append([]string(nil), s.indexes[table]...)
	sort.Strings(out)
	return out
}

// GetAll returns every record cached for the table, ordered by id.
// An unknown or empty table yields an empty slice, not an error.
func (s *Store) GetAll(ctx context.Context, table string) ([]record.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT data FROM records WHERE tbl = ? ORDER BY id", table)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for %s: %w", table, err)
	}
	defer rows.Close()
	return scanRecords(rows, table)
}

// GetByID returns the cached record with the given id.
// Returns (nil, nil) when absent.
func (s *Store) GetByID(ctx context.Context, table, id string) (record.Record, error) {
	var data string
	err := s.conn.QueryRowContext(ctx,
		"SELECT data FROM records WHERE tbl = ? AND id = ?", table, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s/%s: %w", table, id, err)
	}
	return decodeRecord(table, data)
}

// GetByIndex returns records whose declared index field equals value,
// ordered by id. The value is normalized the same way index entries are
// written, so boolean lookups work even though the engine stores text keys.
func (s *Store) GetByIndex(ctx context.Context, table, index string, value any) ([]record.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT r.data FROM records r
		JOIN record_index ri ON ri.tbl = r.tbl AND ri.id = r.id
		WHERE ri.tbl = ? AND ri.name = ? AND ri.value = ?
		ORDER BY r.id`,
		table, index, indexValue(value))
	if err != nil {
		return nil, fmt.Errorf("failed to query index %s.%s: %w", table, index, err)
	}
	defer rows.Close()
	return scanRecords(rows, table)
}

// Put upserts a single record by id.
func (s *Store) Put(ctx context.Context, table string, rec record.Record) error {
	return s.PutMany(ctx, table, []record.Record{rec})
}

// PutMany upserts a batch of records in one transaction. Records without
// an id are rejected; everything else in the batch still lands if the
// transaction commits.
func (s *Store) PutMany(ctx context.Context, table string, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if err := s.putTx(tx, table, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put batch: %w", err)
	}
	return nil
}

func (s *Store) putTx(tx *sql.Tx, table string, rec record.Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("cannot put record without id into %s", table)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", table, id, err)
	}

	updatedAt, _ := rec[record.FieldUpdatedAt].(string)

	_, err = tx.Exec(`
		INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tbl, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, id, string(data), updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", table, id, err)
	}

	// Rebuild index entries for this record.
	if _, err := tx.Exec("DELETE FROM record_index WHERE tbl = ? AND id = ?", table, id); err != nil {
		return fmt.Errorf("failed to clear index entries for %s/%s: %w", table, id, err)
	}
	for _, field := range s.indexes[table] {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO record_index (tbl, name, value, id) VALUES (?, ?, ?, ?)",
			table, field, indexValue(v), id); err != nil {
			return fmt.Errorf("failed to index %s.%s for %s: %w", table, field, id, err)
		}
	}
	return nil
}

// Remove deletes the record and its index entries.
// Removing an absent record is a no-op.
func (s *Store) Remove(ctx context.Context, table, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE tbl = ? AND id = ?", table, id); err != nil {
		return fmt.Errorf("failed to remove record %s/%s: %w", table, id, err)
	}
	if _, err := tx.Exec("DELETE FROM record_index WHERE tbl = ? AND id = ?", table, id); err != nil {
		return fmt.Errorf("failed to remove index entries for %s/%s: %w", table, id, err)
	}
	return tx.Commit()
}

// Clear drops every cached record for the table.
func (s *Store) Clear(ctx context.Context, table string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE tbl = ?", table); err != nil {
		return fmt.Errorf("failed to clear table %s: %w", table, err)
	}
	if _, err := tx.Exec("DELETE FROM record_index WHERE tbl = ?", table); err != nil {
		return fmt.Errorf("failed to clear indexes for %s: %w", table, err)
	}
	return tx.Commit()
}

// Count returns the number of cached records in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE tbl = ?", table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for %s: %w", table, err)
	}
	return n, nil
}

// RekeyRecord re-keys a cached record from oldID to newID, replacing its
// contents with rec. Used when an offline-created record receives its
// authoritative server id.
func (s *Store) RekeyRecord(ctx context.Context, table, oldID string, rec record.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE tbl = ? AND id = ?", table, oldID); err != nil {
		return fmt.Errorf("failed to drop old record %s/%s: %w", table, oldID, err)
	}
	if _, err := tx.Exec("DELETE FROM record_index WHERE tbl = ? AND id = ?", table, oldID); err != nil {
		return fmt.Errorf("failed to drop old index entries for %s/%s: %w", table, oldID, err)
	}
	if err := s.putTx(tx, table, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func scanRecords(rows *sql.Rows, table string) ([]record.Record, error) {
	recs := []record.Record{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		rec, err := decodeRecord(table, data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return recs, nil
}

func decodeRecord(table, data string) (record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cached record in %s: %w", table, err)
	}
	return rec, nil
}

// indexValue normalizes a field value into a text index key. Booleans
// become 0/1 because the underlying engine cannot index them directly.
func indexValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "1"
		}
		return "0"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
