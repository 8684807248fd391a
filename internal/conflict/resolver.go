package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/store"
)

// Conflict describes a divergence between a queued local mutation and the
// current remote row. Computed on demand during a resolution pass; never
// persisted.
type Conflict struct {
	Table         string
	RecordID      string
	LocalVersion  record.Record
	RemoteVersion record.Record
}

// ConflictObserver is notified of each conflict reconciled during a sync,
// with the resolution the table's strategy selected.
type ConflictObserver func(table, recordID string, resolution Resolution)

// Resolver detects conflicts against the remote store and reconciles them
// per table strategy.
type Resolver struct {
	remote     remote.Store
	local      *store.Store
	strategies atomic.Pointer[Strategies]
	observer   atomic.Pointer[ConflictObserver]
	logger     *log.Logger
}

// NewResolver creates a resolver. If strategies is nil the built-in
// defaults are used; if logger is nil a stderr logger is used.
func NewResolver(remoteStore remote.Store, localStore *store.Store, strategies *Strategies, logger *log.Logger) *Resolver {
	if strategies == nil {
		strategies = Defaults()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	r := &Resolver{
		remote: remoteStore,
		local:  localStore,
		logger: logger,
	}
	r.strategies.Store(strategies)
	return r
}

// SetStrategies swaps the strategy set. Used by config hot reload; the
// strategies themselves stay immutable, so a pointer swap is enough.
func (r *Resolver) SetStrategies(s *Strategies) {
	if s != nil {
		r.strategies.Store(s)
	}
}

// SetObserver installs the conflict observer. The daemon points it at the
// dashboard broadcast.
func (r *Resolver) SetObserver(fn ConflictObserver) {
	if fn != nil {
		r.observer.Store(&fn)
	}
}

// DetectConflict fetches the current remote row and compares modification
// timestamps.
//
// A conflict exists only when the remote timestamp is strictly greater
// than the local one: remote has moved ahead of what local last knew.
// Local being newer or equal is not a conflict — the queue entry exists
// because the device may not have round-tripped yet, not because local is
// necessarily behind. An absent remote row is no conflict either (fresh
// insert path).
func (r *Resolver) DetectConflict(ctx context.Context, table, recordID string, localData record.Record) (*Conflict, error) {
	remoteRow, err := r.remote.SelectByID(ctx, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote row for conflict check: %w", err)
	}
	if remoteRow == nil {
		return nil, nil
	}

	if !remoteRow.UpdatedAt().After(localData.UpdatedAt()) {
		return nil, nil
	}

	return &Conflict{
		Table:         table,
		RecordID:      recordID,
		LocalVersion:  localData,
		RemoteVersion: remoteRow,
	}, nil
}

// Resolve reconciles a conflict per the table's strategy. It is a pure
// function of (local, remote, strategy): repeated calls produce identical
// output.
func (r *Resolver) Resolve(c *Conflict) record.Record {
	strategy := r.strategies.Load().For(c.Table)

	switch strategy.DefaultResolution {
	case ResolutionLocal:
		return c.LocalVersion

	case ResolutionRemote:
		return c.RemoteVersion

	case ResolutionManual:
		r.logger.Printf("manual strategy for %s/%s has no interactive flow; keeping remote version",
			c.Table, c.RecordID)
		return c.RemoteVersion

	case ResolutionMerge:
		return mergeVersions(c.LocalVersion, c.RemoteVersion, strategy)

	default:
		return c.RemoteVersion
	}
}

// mergeVersions starts from the remote version, applies field-level merge
// rules where both sides are defined, then preferLocal overwrites, then
// preferRemote overwrites. preferRemote runs last and therefore wins for
// any field it shares with earlier steps.
func mergeVersions(local, remoteVersion record.Record, strategy Strategy) record.Record {
	merged := remoteVersion.Clone()

	for field, rule := range strategy.MergeRules {
		lv, lok := local[field]
		rv, rok := remoteVersion[field]
		if lok && rok {
			merged[field] = rule(lv, rv)
		}
	}
	for _, field := range strategy.PreferLocal {
		if lv, ok := local[field]; ok {
			merged[field] = lv
		}
	}
	for _, field := range strategy.PreferRemote {
		if rv, ok := remoteVersion[field]; ok {
			merged[field] = rv
		}
	}
	return merged
}

// ResolveAndSync wraps detect + resolve + remote write + local cache update
// in one call. The sync processor invokes it once per queue entry.
//
// For inserts, the remote store is first checked for a row with the same
// id; if one exists the operation is demoted to an update. This defends
// against duplicate queue-entry replay after a partial previous sync.
func (r *Resolver) ResolveAndSync(ctx context.Context, table, recordID string, localData record.Record, op store.Operation) (record.Record, error) {
	switch op {
	case store.OpInsert:
		existing, err := r.remote.SelectByID(ctx, table, recordID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			r.logger.Printf("insert replay for %s/%s: row already exists remotely, demoting to update",
				table, recordID)
			return r.syncUpdate(ctx, table, recordID, localData)
		}

		created, err := r.remote.Insert(ctx, table, localData)
		if err != nil {
			return nil, err
		}
		if err := r.local.Put(ctx, table, created); err != nil {
			return nil, fmt.Errorf("remote insert succeeded but local cache update failed: %w", err)
		}
		return created, nil

	case store.OpUpdate:
		return r.syncUpdate(ctx, table, recordID, localData)

	case store.OpDelete:
		if err := r.remote.Delete(ctx, table, recordID); err != nil && !remote.IsNotFound(err) {
			return nil, err
		}
		if err := r.local.Remove(ctx, table, recordID); err != nil {
			return nil, fmt.Errorf("remote delete succeeded but local cache removal failed: %w", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown operation %q for %s/%s", op, table, recordID)
	}
}

func (r *Resolver) syncUpdate(ctx context.Context, table, recordID string, localData record.Record) (record.Record, error) {
	toWrite := localData

	c, err := r.DetectConflict(ctx, table, recordID, localData)
	if err != nil {
		return nil, err
	}
	if c != nil {
		resolution := r.strategies.Load().For(table).DefaultResolution
		r.logger.Printf("conflict on %s/%s: remote %s newer than local %s, resolving via %s strategy",
			table, recordID,
			c.RemoteVersion.UpdatedAt().Format("15:04:05.000"),
			c.LocalVersion.UpdatedAt().Format("15:04:05.000"),
			resolution)
		toWrite = r.Resolve(c)
		if ob := r.observer.Load(); ob != nil {
			(*ob)(table, recordID, resolution)
		}
	}

	updated, err := r.remote.Update(ctx, table, recordID, toWrite)
	if err != nil {
		return nil, err
	}
	if err := r.local.Put(ctx, table, updated); err != nil {
		return nil, fmt.Errorf("remote update succeeded but local cache update failed: %w", err)
	}
	return updated, nil
}
