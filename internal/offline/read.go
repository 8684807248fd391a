// Package offline provides the offline-first data access layer: reads are
// served from the local cache and refreshed opportunistically, writes are
// applied locally first and reconciled with the remote store later.
//
// The read path never surfaces connectivity errors — a failed remote fetch
// degrades to cached data. The write path returns optimistically: the local
// store reflects the mutation immediately (read-your-own-writes) and a
// queue entry carries it to the remote store when possible.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/buildrite/fieldsync/internal/connectivity"
	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/store"
	"github.com/buildrite/fieldsync/internal/tablesync"
)

// ErrNotCached is returned when an offline update targets a record the
// local cache has never seen. Nothing sensible can be queued; the caller
// must surface it.
var ErrNotCached = errors.New("record not found in local cache")

// Access is the offline-first read/write surface the application uses.
type Access struct {
	local   *store.Store
	remote  remote.Store
	monitor *connectivity.Monitor
	syncer  *tablesync.Syncer
	clock   func() time.Time
	logger  *log.Logger
}

// New creates the data access layer. clock may be nil (time.Now); logger
// may be nil (stderr).
func New(localStore *store.Store, remoteStore remote.Store, monitor *connectivity.Monitor, syncer *tablesync.Syncer, clock func() time.Time, logger *log.Logger) *Access {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[offline] ", log.LstdFlags)
	}
	return &Access{
		local:   localStore,
		remote:  remoteStore,
		monitor: monitor,
		syncer:  syncer,
		clock:   clock,
		logger:  logger,
	}
}

// FetchAll returns the table's records offline-first.
//
// Offline: the cache is returned as-is, possibly empty. Online with an
// empty or stale cache: the table is refreshed from remote first, and a
// failed refresh degrades to the cache. Online with a fresh, non-empty
// cache: the cache is returned without touching the network.
func (a *Access) FetchAll(ctx context.Context, table string) ([]record.Record, error) {
	cached, err := a.local.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}

	if !a.monitor.Reachable() {
		return cached, nil
	}

	if len(cached) > 0 && !a.syncer.IsStale(table) {
		return cached, nil
	}

	if _, err := a.syncer.SyncTable(ctx, table); err != nil {
		a.logger.Printf("remote refresh of %s failed, serving cache: %v", table, err)
		return cached, nil
	}
	return a.local.GetAll(ctx, table)
}

// FetchByID returns a single record offline-first. Returns (nil, nil) when
// the record exists neither locally nor (reachably) remotely.
func (a *Access) FetchByID(ctx context.Context, table, id string) (record.Record, error) {
	cached, err := a.local.GetByID(ctx, table, id)
	if err != nil {
		return nil, err
	}

	if !a.monitor.Reachable() {
		return cached, nil
	}
	if cached != nil && !a.syncer.IsStale(table) {
		return cached, nil
	}

	row, err := a.remote.SelectByID(ctx, table, id)
	if err != nil {
		a.logger.Printf("remote fetch of %s/%s failed, serving cache: %v", table, id, err)
		return cached, nil
	}
	if row == nil {
		return cached, nil
	}
	if err := a.local.Put(ctx, table, row); err != nil {
		return nil, err
	}
	return row, nil
}

// FetchByIndex returns records matching a declared index offline-first.
func (a *Access) FetchByIndex(ctx context.Context, table, index string, value any) ([]record.Record, error) {
	cached, err := a.local.GetByIndex(ctx, table, index, value)
	if err != nil {
		return nil, err
	}

	if !a.monitor.Reachable() {
		return cached, nil
	}
	if len(cached) > 0 && !a.syncer.IsStale(table) {
		return cached, nil
	}

	rows, err := a.remote.Select(ctx, table, remote.Query{
		Eq:      map[string]string{index: fmt.Sprintf("%v", value)},
		OrderBy: record.FieldID,
	})
	if err != nil {
		a.logger.Printf("remote fetch of %s by %s failed, serving cache: %v", table, index, err)
		return cached, nil
	}
	if err := a.local.PutMany(ctx, table, rows); err != nil {
		return nil, err
	}
	return a.local.GetByIndex(ctx, table, index, value)
}
