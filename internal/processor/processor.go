// Package processor drains the mutation queue against the remote store.
//
// A drain cycle is one bounded pass over pending queue entries: each entry
// is reconciled through the conflict resolver, successful entries are
// marked synced and purged, failures stay queued for a later cycle. Cycles
// run on reconnect (after a settle delay), on a periodic timer when the
// backlog is non-empty, and on explicit request.
//
// The cycle is guarded by a reentrancy flag — a concurrent call while a
// drain is running is a no-op, not queued. While draining, the
// connectivity status is parked in "syncing".
package processor

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildrite/fieldsync/internal/conflict"
	"github.com/buildrite/fieldsync/internal/connectivity"
	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
	"github.com/buildrite/fieldsync/internal/retry"
	"github.com/buildrite/fieldsync/internal/store"
	"github.com/buildrite/fieldsync/internal/tablesync"
)

// Config holds processor tunables.
type Config struct {
	// BatchSize bounds one drain cycle. The bound keeps a cycle fast and
	// memory-light on constrained devices; remaining backlog is picked up
	// by the next cycle. Default: 10.
	BatchSize int

	// ItemDelay is the fixed pause between queue items, a deliberate
	// backpressure mechanism against the remote service. Default: 100ms.
	ItemDelay time.Duration

	// SettleDelay is how long to wait after a reconnect before the first
	// drain, to avoid hammering a flapping connection. Default: 2s.
	SettleDelay time.Duration

	// Interval is the periodic drain timer; a tick only drains when the
	// pending count is non-zero. Default: 15m.
	Interval time.Duration

	// Retry is the per-entry retry policy. Zero value gets defaults.
	Retry retry.Config

	// Notify, if set, is called at the end of a cycle that had failures.
	// Silent on success.
	Notify func(res Result)

	// Sleep overrides delays for tests. If nil, a context-aware wait is
	// used.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger for processor activity.
	Logger *log.Logger
}

// errSkip marks a queue entry the current cycle deliberately left pending.
var errSkip = errors.New("entry skipped this cycle")

// Result summarizes one drain cycle.
type Result struct {
	Synced   int
	Failed   int
	Purged   int
	Duration time.Duration
}

// Processor reconciles the durable mutation queue with the remote store.
type Processor struct {
	local    *store.Store
	resolver *conflict.Resolver
	monitor  *connectivity.Monitor
	syncer   *tablesync.Syncer
	config   Config

	processing atomic.Bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a processor.
func New(localStore *store.Store, resolver *conflict.Resolver, monitor *connectivity.Monitor, syncer *tablesync.Syncer, config Config) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.ItemDelay <= 0 {
		config.ItemDelay = 100 * time.Millisecond
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = 2 * time.Second
	}
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.Retry.RetryIf == nil {
		config.Retry.RetryIf = remote.IsRetryable
	}
	if config.Sleep == nil {
		config.Sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[processor] ", log.LstdFlags)
	}
	return &Processor{
		local:    localStore,
		resolver: resolver,
		monitor:  monitor,
		syncer:   syncer,
		config:   config,
	}
}

// SetNotify installs the failure notification hook. Must be called
// before Start.
func (p *Processor) SetNotify(fn func(res Result)) {
	p.config.Notify = fn
}

// Start wires up the processor's triggers: reconnect events and the
// periodic timer. It returns immediately; drains run in the background.
func (p *Processor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	unsubscribe := p.monitor.Subscribe(func(prev, next connectivity.Status) {
		// Only a real reconnect schedules a drain. The end of a cycle
		// restores syncing -> online, and reacting to that edge would
		// retrigger forever.
		if prev != connectivity.StatusOffline || next != connectivity.StatusOnline {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.config.Sleep(ctx, p.config.SettleDelay); err != nil {
				return
			}
			if _, err := p.ProcessQueue(ctx, false); err != nil {
				p.config.Logger.Printf("reconnect drain failed: %v", err)
			}
		}()
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pending, err := p.local.PendingCount(ctx)
				if err != nil || pending == 0 {
					continue
				}
				if _, err := p.ProcessQueue(ctx, false); err != nil {
					p.config.Logger.Printf("scheduled drain failed: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the trigger loops and waits for in-flight drains.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// IsProcessing reports whether a drain cycle is currently running.
func (p *Processor) IsProcessing() bool {
	return p.processing.Load()
}

// SyncNow forces a drain of the full backlog rather than one batch.
// Used by the explicit user-initiated sync.
func (p *Processor) SyncNow(ctx context.Context) (Result, error) {
	return p.ProcessQueue(ctx, true)
}

// ProcessQueue runs one drain cycle. full selects the entire backlog
// instead of one bounded batch.
//
// Returns a zero Result without error when offline or when a cycle is
// already running.
func (p *Processor) ProcessQueue(ctx context.Context, full bool) (Result, error) {
	if !p.monitor.Reachable() {
		return Result{}, nil
	}
	if !p.processing.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer p.processing.Store(false)

	p.monitor.SetSyncing(true)
	defer p.monitor.SetSyncing(false)

	limit := p.config.BatchSize
	if full {
		limit = 0
	}
	entries, err := p.local.Pending(ctx, limit)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	p.config.Logger.Printf("draining %d queued mutations", len(entries))

	start := time.Now()
	var res Result
	touched := make(map[string]bool)

	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := p.config.Sleep(ctx, p.config.ItemDelay); err != nil {
				break
			}
		}

		if err := p.processEntry(ctx, entry); errors.Is(err, errSkip) {
			continue
		} else if err != nil {
			res.Failed++
			p.config.Logger.Printf("entry %d (%s %s/%s) failed: %v",
				entry.ID, entry.Operation, entry.Table, entry.RecordID, err)
			continue
		}
		res.Synced++
		touched[entry.Table] = true
	}

	purged, err := p.local.PurgeSynced(ctx)
	if err != nil {
		p.config.Logger.Printf("failed to purge synced entries: %v", err)
	}
	res.Purged = purged

	for table := range touched {
		p.syncer.MarkSynced(table)
	}
	res.Duration = time.Since(start)

	p.config.Logger.Printf("drain complete: synced=%d failed=%d purged=%d",
		res.Synced, res.Failed, res.Purged)

	if res.Failed > 0 && p.config.Notify != nil {
		p.config.Notify(res)
	}
	return res, nil
}

// processEntry reconciles a single queue entry, wrapped in the retry
// policy. Successful entries are marked synced; failures are recorded on
// the entry and left unsynced for a later cycle.
func (p *Processor) processEntry(ctx context.Context, entry store.QueueEntry) error {
	if record.IsTempID(entry.RecordID) {
		done, err := p.processTempID(ctx, entry)
		if done || err != nil {
			return err
		}
	}

	// Data queued before a temp-id remap still embeds the old id; the
	// entry's record id column is authoritative.
	data := entry.Data
	if data != nil && data.ID() != entry.RecordID {
		data = data.Clone()
		data[record.FieldID] = entry.RecordID
	}

	result := retry.Do(ctx, p.config.Retry, func() error {
		_, err := p.resolver.ResolveAndSync(ctx, entry.Table, entry.RecordID, data, entry.Operation)
		return err
	})
	if result.Err != nil {
		_ = p.local.MarkError(ctx, entry.ID, result.Err.Error())
		_ = p.local.LogError(ctx, string(entry.Operation)+" "+entry.Table,
			remote.Code(result.Err), result.Attempts, result.Err.Error())
		return result.Err
	}
	return p.local.MarkSynced(ctx, entry.ID)
}

// processTempID handles the temp-id cases ahead of the generic path.
// Returns done=true when the entry was fully handled here.
func (p *Processor) processTempID(ctx context.Context, entry store.QueueEntry) (bool, error) {
	switch entry.Operation {
	case store.OpInsert:
		// Cancelled insert: a later offline delete of the same temp id
		// means neither write should ever reach the remote store.
		cancelled, err := p.hasPendingDelete(ctx, entry)
		if err != nil {
			return true, err
		}
		if cancelled {
			p.config.Logger.Printf("insert %s/%s cancelled by queued delete, settling locally",
				entry.Table, entry.RecordID)
			return true, p.local.MarkSynced(ctx, entry.ID)
		}
		return true, p.syncTempInsert(ctx, entry)

	case store.OpDelete:
		// The record never reached the server (its insert was cancelled
		// above, or failed and was purged); deleting locally suffices.
		p.config.Logger.Printf("delete of unsynced %s/%s is a local no-op", entry.Table, entry.RecordID)
		if err := p.local.Remove(ctx, entry.Table, entry.RecordID); err != nil {
			return true, err
		}
		return true, p.local.MarkSynced(ctx, entry.ID)

	default:
		// The snapshot entry may be stale: a successful insert earlier
		// in this cycle remaps queued mutations to the server id.
		current, err := p.pendingEntry(ctx, entry.ID)
		if err != nil {
			return true, err
		}
		if current == nil || !record.IsTempID(current.RecordID) {
			// Remapped after its insert confirmed; the next drain reads
			// it with the server id.
			return true, errSkip
		}

		pendingInsert, err := p.hasPendingInsert(ctx, entry)
		if err != nil {
			return true, err
		}
		if pendingInsert {
			// The insert ahead of it failed this cycle; the remap after
			// a successful insert re-keys it.
			p.config.Logger.Printf("skipping %s on unsynced record %s/%s until its insert confirms",
				entry.Operation, entry.Table, entry.RecordID)
			return true, errSkip
		}

		// No pending insert and still a temp id: the insert was
		// cancelled by a queued delete, so this mutation can never reach
		// the remote store either.
		p.config.Logger.Printf("%s on cancelled record %s/%s settled locally",
			entry.Operation, entry.Table, entry.RecordID)
		return true, p.local.MarkSynced(ctx, entry.ID)
	}
}

// syncTempInsert performs the remote insert for an offline-created record,
// then re-keys the local row and remaps any queued mutations from the temp
// id to the server-assigned id.
func (p *Processor) syncTempInsert(ctx context.Context, entry store.QueueEntry) error {
	payload := entry.Data.Clone()
	delete(payload, record.FieldID) // server assigns the authoritative id

	var created record.Record
	result := retry.Do(ctx, p.config.Retry, func() error {
		var err error
		created, err = p.resolver.ResolveAndSync(ctx, entry.Table, entry.RecordID, payload, store.OpInsert)
		return err
	})
	if result.Err != nil {
		_ = p.local.MarkError(ctx, entry.ID, result.Err.Error())
		_ = p.local.LogError(ctx, "insert "+entry.Table,
			remote.Code(result.Err), result.Attempts, result.Err.Error())
		return result.Err
	}

	if err := p.local.RekeyRecord(ctx, entry.Table, entry.RecordID, created); err != nil {
		return err
	}
	if n, err := p.local.RemapRecordID(ctx, entry.Table, entry.RecordID, created.ID()); err != nil {
		return err
	} else if n > 0 {
		p.config.Logger.Printf("remapped %d queued mutations from %s to %s", n, entry.RecordID, created.ID())
	}
	return p.local.MarkSynced(ctx, entry.ID)
}

// hasPendingDelete reports whether an unsynced delete entry exists for the
// same record, queued after this entry.
func (p *Processor) hasPendingDelete(ctx context.Context, entry store.QueueEntry) (bool, error) {
	pending, err := p.local.Pending(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, e := range pending {
		if e.ID > entry.ID && e.Table == entry.Table &&
			e.RecordID == entry.RecordID && e.Operation == store.OpDelete {
			return true, nil
		}
	}
	return false, nil
}

// hasPendingInsert reports whether an unsynced insert entry exists for the
// same record, queued before this entry.
func (p *Processor) hasPendingInsert(ctx context.Context, entry store.QueueEntry) (bool, error) {
	pending, err := p.local.Pending(ctx, 0)
	if err != nil {
		return false, err
	}
	for _, e := range pending {
		if e.ID < entry.ID && e.Table == entry.Table &&
			e.RecordID == entry.RecordID && e.Operation == store.OpInsert {
			return true, nil
		}
	}
	return false, nil
}

// pendingEntry re-reads one queue entry's current pending state, or nil
// when it is no longer pending.
func (p *Processor) pendingEntry(ctx context.Context, id int64) (*store.QueueEntry, error) {
	pending, err := p.local.Pending(ctx, 0)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].ID == id {
			return &pending[i], nil
		}
	}
	return nil, nil
}
