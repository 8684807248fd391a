// Package daemon runs the long-lived sync orchestration.
//
// The daemon:
// 1. Performs an initial full table sync when reachable
// 2. Opens realtime change subscriptions for every synced table
// 3. Starts the connectivity monitor and the queue processor triggers
// 4. Hot-reloads the conflict strategy config when its file changes
// 5. Broadcasts sync activity to the local dashboard
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildrite/fieldsync/internal/conflict"
	"github.com/buildrite/fieldsync/internal/connectivity"
	"github.com/buildrite/fieldsync/internal/dashboard"
	"github.com/buildrite/fieldsync/internal/processor"
	"github.com/buildrite/fieldsync/internal/store"
	"github.com/buildrite/fieldsync/internal/tablesync"
)

// Config holds configuration for the daemon.
type Config struct {
	// StrategyPath is the conflict strategy YAML file to watch for hot
	// reload. Empty disables watching.
	StrategyPath string

	// ReloadDebounce is how long to wait after a config file event
	// before reloading, batching rapid editor writes together.
	ReloadDebounce time.Duration

	// Dashboard, if non-nil, receives sync activity broadcasts.
	Dashboard *dashboard.Server

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReloadDebounce: 250 * time.Millisecond,
		Logger:         log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the sync layer's long-running pieces.
type Daemon struct {
	local     *store.Store
	monitor   *connectivity.Monitor
	syncer    *tablesync.Syncer
	resolver  *conflict.Resolver
	processor *processor.Processor
	config    *Config

	watcher *fsnotify.Watcher

	reloadMu  sync.Mutex
	reloadAt  time.Time
	reloadDue bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. All collaborators are required except the ones the
// config marks optional.
func New(local *store.Store, monitor *connectivity.Monitor, syncer *tablesync.Syncer, resolver *conflict.Resolver, proc *processor.Processor, config *Config) (*Daemon, error) {
	if local == nil || monitor == nil || syncer == nil || resolver == nil || proc == nil {
		return nil, fmt.Errorf("daemon requires store, monitor, syncer, resolver, and processor")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.ReloadDebounce <= 0 {
		config.ReloadDebounce = 250 * time.Millisecond
	}
	return &Daemon{
		local:     local,
		monitor:   monitor,
		syncer:    syncer,
		resolver:  resolver,
		processor: proc,
		config:    config,
	}, nil
}

// Start runs the daemon. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.config.Dashboard != nil {
		d.processor.SetNotify(func(res processor.Result) {
			d.config.Dashboard.BroadcastSyncComplete(res.Synced, res.Failed, res.Purged, res.Duration)
			d.broadcastQueueStats(ctx)
		})
		d.resolver.SetObserver(func(table, recordID string, resolution conflict.Resolution) {
			d.config.Dashboard.BroadcastConflict(table, recordID, string(resolution))
		})
	}

	d.monitor.Start(ctx)
	d.processor.Start(ctx)

	unsubscribe := d.monitor.Subscribe(func(_, next connectivity.Status) {
		if d.config.Dashboard != nil {
			d.config.Dashboard.BroadcastConnectivity(string(next))
		}
	})
	defer unsubscribe()

	// Initial refresh; a failed table keeps its prior cache.
	if d.monitor.Reachable() {
		d.fullSync(ctx)
		d.broadcastQueueStats(ctx)
	}

	for _, table := range d.syncer.Tables() {
		if err := d.syncer.Subscribe(ctx, table); err != nil {
			d.config.Logger.Printf("WARNING: realtime subscription for %s failed: %v", table, err)
		}
	}
	defer d.syncer.Close()

	if d.config.StrategyPath != "" {
		if err := d.watchStrategyConfig(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return d.stop()
}

// Stop shuts the daemon down.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *Daemon) stop() error {
	d.config.Logger.Println("Stopping sync daemon")

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.processor.Stop()
	d.monitor.Stop()
	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// broadcastQueueStats pushes current pending-mutation counts to the
// dashboard.
func (d *Daemon) broadcastQueueStats(ctx context.Context) {
	if d.config.Dashboard == nil {
		return
	}
	pending, err := d.local.PendingCount(ctx)
	if err != nil {
		return
	}
	byTable, err := d.local.PendingByTable(ctx)
	if err != nil {
		return
	}
	d.config.Dashboard.BroadcastQueueStats(pending, byTable)
}

// fullSync refreshes every table and reports progress to the dashboard.
func (d *Daemon) fullSync(ctx context.Context) {
	d.config.Logger.Println("Performing full table sync")
	err := d.syncer.SyncAll(ctx, func(p tablesync.Progress) {
		if p.Err != nil {
			return
		}
		if d.config.Dashboard != nil {
			d.config.Dashboard.BroadcastTableSynced(p.Table, p.Rows)
		}
	})
	if err != nil {
		d.config.Logger.Printf("full sync interrupted: %v", err)
	}
}

// watchStrategyConfig watches the strategy YAML's directory and reloads the
// resolver's strategies when the file changes. Watching the directory
// rather than the file survives editors that replace-on-save.
func (d *Daemon) watchStrategyConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	d.watcher = watcher

	dir := filepath.Dir(d.config.StrategyPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch strategy config directory: %w", err)
	}
	d.config.Logger.Printf("Watching strategy config: %s", d.config.StrategyPath)

	d.wg.Add(2)
	go d.watchFileEvents(ctx)
	go d.reloadLoop(ctx)
	return nil
}

func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	target := filepath.Clean(d.config.StrategyPath)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			d.reloadMu.Lock()
			d.reloadAt = time.Now()
			d.reloadDue = true
			d.reloadMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// reloadLoop applies debounced strategy reloads.
func (d *Daemon) reloadLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			d.reloadMu.Lock()
			due := d.reloadDue && time.Since(d.reloadAt) >= d.config.ReloadDebounce
			if due {
				d.reloadDue = false
			}
			d.reloadMu.Unlock()

			if !due {
				continue
			}

			strategies, err := conflict.LoadFile(d.config.StrategyPath)
			if err != nil {
				d.config.Logger.Printf("Error reloading strategy config: %v", err)
				continue
			}
			d.resolver.SetStrategies(strategies)
			d.config.Logger.Printf("Reloaded conflict strategies (%d tables)", len(strategies.Tables()))
		}
	}
}
