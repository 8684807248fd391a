package offline

import (
	"context"
	"fmt"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/store"
)

// Insert creates a record offline-first.
//
// When reachable, the remote insert is attempted immediately and the
// server-assigned row (authoritative id included) is cached and returned.
// On failure or offline, a temp id is synthesized, the record is cached
// under it, an insert queue entry is appended, and the locally-synthesized
// record is returned — the caller proceeds as if the write succeeded.
func (a *Access) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	if a.monitor.Reachable() {
		created, err := a.remote.Insert(ctx, table, rec)
		if err == nil {
			if err := a.local.Put(ctx, table, created); err != nil {
				return nil, err
			}
			return created, nil
		}
		a.logger.Printf("remote insert into %s failed (%v), queueing for sync", table, err)
	}

	localRec := rec.Clone()
	localRec[record.FieldID] = record.NewTempID()
	if _, ok := localRec[record.FieldUpdatedAt]; !ok {
		localRec.Touch(a.clock())
	}

	if err := a.local.Put(ctx, table, localRec); err != nil {
		return nil, err
	}
	if _, err := a.local.Enqueue(ctx, table, store.OpInsert, localRec.ID(), localRec); err != nil {
		return nil, err
	}
	return localRec, nil
}

// Update patches a record offline-first.
//
// When reachable, the remote update is attempted immediately. On failure
// or offline, the updates are merged into the cached record with a bumped
// updated_at, the merged record is cached, and an update queue entry keyed
// by the real record id is appended.
//
// Returns ErrNotCached when the record is absent locally and the remote
// write did not happen — a terminal local error, never queued.
func (a *Access) Update(ctx context.Context, table, id string, updates record.Record) (record.Record, error) {
	if a.monitor.Reachable() && !record.IsTempID(id) {
		updated, err := a.remote.Update(ctx, table, id, updates)
		if err == nil {
			if err := a.local.Put(ctx, table, updated); err != nil {
				return nil, err
			}
			return updated, nil
		}
		a.logger.Printf("remote update of %s/%s failed (%v), queueing for sync", table, id, err)
	}

	current, err := a.local.GetByID(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("cannot update %s/%s: %w", table, id, ErrNotCached)
	}

	merged := current.Merge(updates)
	merged.Touch(a.clock())

	if err := a.local.Put(ctx, table, merged); err != nil {
		return nil, err
	}
	// The full merged record is queued so a later conflict resolution has
	// the complete local version to merge against, not just the patch.
	if _, err := a.local.Enqueue(ctx, table, store.OpUpdate, id, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes a record offline-first.
//
// When reachable, the remote delete is attempted immediately; an
// already-gone row counts as success. On failure or offline, the record is
// removed locally and a delete queue entry is appended. Deleting a record
// that only ever existed locally (temp id) still queues the entry; the
// processor satisfies it without a remote call.
func (a *Access) Delete(ctx context.Context, table, id string) error {
	if a.monitor.Reachable() && !record.IsTempID(id) {
		err := a.remote.Delete(ctx, table, id)
		if err == nil || remote.IsNotFound(err) {
			return a.local.Remove(ctx, table, id)
		}
		a.logger.Printf("remote delete of %s/%s failed (%v), queueing for sync", table, id, err)
	}

	if err := a.local.Remove(ctx, table, id); err != nil {
		return err
	}
	if _, err := a.local.Enqueue(ctx, table, store.OpDelete, id, nil); err != nil {
		return err
	}
	return nil
}
