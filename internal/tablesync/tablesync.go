// Package tablesync refreshes local table partitions from the remote store.
//
// A full sync replaces a table's cached contents wholesale; an incremental
// sync fetches only rows changed since the last known sync. Sync timestamps
// are held in memory per table (reset on process restart) and drive the
// staleness checks the offline-first read path relies on.
//
// Like the rest of the sync layer, tablesync is resilient: individual table
// failures during a multi-table refresh are logged and swallowed so the
// remaining tables still populate.
package tablesync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/store"
)

// DefaultStaleAfter is how old a table's last sync can be before reads
// consider the cache stale.
const DefaultStaleAfter = 5 * time.Minute

// DefaultTables is the dependency-ordered sync list for the field
// application: parent entities before the children that reference them.
var DefaultTables = []string{
	"customers",
	"jobs",
	"budget_lines",
	"time_entries",
	"material_entries",
	"daily_logs",
}

// Progress reports one table's outcome during a multi-table sync.
type Progress struct {
	Table string
	Index int
	Total int
	Rows  int
	Err   error
}

// Config holds tunables for the syncer.
type Config struct {
	// Tables is the dependency-ordered table list for SyncAll.
	// Defaults to DefaultTables.
	Tables []string

	// StaleAfter is the staleness threshold. Default: 5 minutes.
	StaleAfter time.Duration

	// Clock overrides time.Now for staleness decisions; tests inject a
	// fake.
	Clock func() time.Time

	// Logger for sync activity.
	Logger *log.Logger
}

// Syncer keeps local table partitions in sync with the remote store.
type Syncer struct {
	remote remote.Store
	local  *store.Store
	config Config

	mu       sync.Mutex
	lastSync map[string]time.Time
	subs     map[string]remote.Subscription
}

// New creates a Syncer. The local store must have its schema initialized.
func New(remoteStore remote.Store, localStore *store.Store, config Config) *Syncer {
	if len(config.Tables) == 0 {
		config.Tables = DefaultTables
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[tablesync] ", log.LstdFlags)
	}
	return &Syncer{
		remote:   remoteStore,
		local:    localStore,
		config:   config,
		lastSync: make(map[string]time.Time),
		subs:     make(map[string]remote.Subscription),
	}
}

// Tables returns the configured dependency-ordered table list.
func (s *Syncer) Tables() []string {
	return append([]string(nil), s.config.Tables...)
}

// SyncTable fetches the table's full contents from the remote store,
// upserts them into the local partition, and records the sync timestamp.
//
// Rows are never cleared first: records created offline carry pending
// queue entries and must stay readable until their mutations drain.
// Remote deletions reach the cache through realtime delete events instead.
func (s *Syncer) SyncTable(ctx context.Context, table string) (int, error) {
	rows, err := s.remote.Select(ctx, table, remote.Query{OrderBy: record.FieldID})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s: %w", table, err)
	}

	if err := s.local.PutMany(ctx, table, rows); err != nil {
		return 0, err
	}

	s.MarkSynced(table)
	s.config.Logger.Printf("synced %s: %d rows", table, len(rows))
	return len(rows), nil
}

// SyncAll refreshes every configured table in dependency order, reporting
// per-table progress. Individual table failures are logged and swallowed;
// the overall call only reflects context cancellation.
func (s *Syncer) SyncAll(ctx context.Context, onProgress func(Progress)) error {
	total := len(s.config.Tables)
	for i, table := range s.config.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := s.SyncTable(ctx, table)
		if err != nil {
			s.config.Logger.Printf("WARNING: failed to sync %s: %v", table, err)
		}
		if onProgress != nil {
			onProgress(Progress{Table: table, Index: i + 1, Total: total, Rows: rows, Err: err})
		}
	}
	return nil
}

// IncrementalSync fetches only rows whose updated_at is at or after the
// last sync timestamp. Falls back to a full SyncTable when no prior sync
// timestamp exists or the incremental fetch fails.
func (s *Syncer) IncrementalSync(ctx context.Context, table string) (int, error) {
	since, ok := s.LastSync(table)
	if !ok {
		return s.SyncTable(ctx, table)
	}

	rows, err := s.remote.Select(ctx, table, remote.Query{
		GTE:     map[string]string{record.FieldUpdatedAt: record.FormatTimestamp(since)},
		OrderBy: record.FieldUpdatedAt,
	})
	if err != nil {
		s.config.Logger.Printf("incremental fetch for %s failed (%v), falling back to full sync", table, err)
		return s.SyncTable(ctx, table)
	}

	if err := s.local.PutMany(ctx, table, rows); err != nil {
		return 0, err
	}

	s.MarkSynced(table)
	s.config.Logger.Printf("incremental sync %s: %d changed rows", table, len(rows))
	return len(rows), nil
}

// Subscribe opens a realtime change stream for the table and applies
// events to the local store until the context ends or the stream drops.
//
// Insert and update events trigger a single-row refetch rather than
// trusting the event payload, which may be partial or stale. Delete events
// remove the row from the local cache directly.
func (s *Syncer) Subscribe(ctx context.Context, table string) error {
	sub, err := s.remote.Subscribe(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	s.mu.Lock()
	if old, ok := s.subs[table]; ok {
		_ = old.Close()
	}
	s.subs[table] = sub
	s.mu.Unlock()

	go s.consume(ctx, table, sub)
	return nil
}

// Unsubscribe closes the table's realtime stream if one is open.
func (s *Syncer) Unsubscribe(table string) {
	s.mu.Lock()
	sub, ok := s.subs[table]
	delete(s.subs, table)
	s.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// Close tears down all realtime streams.
func (s *Syncer) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]remote.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (s *Syncer) consume(ctx context.Context, table string, sub remote.Subscription) {
	for ev := range sub.Events() {
		if err := s.applyEvent(ctx, table, ev); err != nil {
			s.config.Logger.Printf("WARNING: failed to apply %s event on %s: %v", ev.Type, table, err)
		}
	}
	if err := sub.Err(); err != nil {
		s.config.Logger.Printf("realtime stream for %s ended: %v", table, err)
	}
}

func (s *Syncer) applyEvent(ctx context.Context, table string, ev remote.ChangeEvent) error {
	switch ev.Type {
	case remote.EventInsert, remote.EventUpdate:
		id := ev.New.ID()
		if id == "" {
			return fmt.Errorf("change event carries no row id")
		}
		row, err := s.remote.SelectByID(ctx, table, id)
		if err != nil {
			return err
		}
		if row == nil {
			// Row vanished between event and refetch; the delete
			// event will follow.
			return nil
		}
		return s.local.Put(ctx, table, row)

	case remote.EventDelete:
		id := ev.Old.ID()
		if id == "" {
			return fmt.Errorf("delete event carries no row id")
		}
		return s.local.Remove(ctx, table, id)

	default:
		return nil
	}
}

// IsStale reports whether the table needs a refresh: true when no sync
// timestamp is recorded or more than the staleness threshold has elapsed.
func (s *Syncer) IsStale(table string) bool {
	since, ok := s.LastSync(table)
	if !ok {
		return true
	}
	return s.config.Clock().Sub(since) > s.config.StaleAfter
}

// LastSync returns the table's last sync timestamp, if any.
func (s *Syncer) LastSync(table string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSync[table]
	return t, ok
}

// MarkSynced records the table as freshly synced. The sync processor calls
// this after a drain cycle touches a table.
func (s *Syncer) MarkSynced(table string) {
	s.mu.Lock()
	s.lastSync[table] = s.config.Clock()
	s.mu.Unlock()
}
