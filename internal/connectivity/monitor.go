// Package connectivity tracks whether the remote service is reachable.
//
// The raw link-layer signal (the OS reporting a network interface is up) is
// unreliable: it says nothing about whether the backend actually answers.
// The monitor therefore verifies raw "online" signals with an active probe
// before flipping its public status, while raw "offline" signals flip the
// status immediately. A periodic background check downgrades online to
// offline when verification fails even though the OS still reports
// connectivity.
//
// Status is the process-wide single source of truth, subscribable by any
// component. The sync processor additionally parks the status in Syncing
// while draining the mutation queue.
package connectivity

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/buildrite/fieldsync/internal/remote"
)

// Status is the public connectivity state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	// StatusSyncing is a transient state set while the sync processor
	// drains the queue. The network is online underneath it.
	StatusSyncing Status = "syncing"
)

// Config holds tunables for the monitor.
type Config struct {
	// ProbeTimeout bounds one verification request. Default: 3s.
	ProbeTimeout time.Duration

	// ProbeMinInterval rate-limits active probes; calls inside the window
	// reuse the previous result. Default: 5s.
	ProbeMinInterval time.Duration

	// RecheckInterval is how often the background loop re-verifies an
	// online status. Default: 30s.
	RecheckInterval time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeTimeout:     3 * time.Second,
		ProbeMinInterval: 5 * time.Second,
		RecheckInterval:  30 * time.Second,
		Logger:           log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor tracks and publishes connectivity status.
type Monitor struct {
	prober remote.Prober
	config *Config

	mu           sync.Mutex
	status       Status
	rawOnline    bool
	listeners    map[int]func(prev, next Status)
	nextListener int
	waiters      []chan struct{}
	lastProbe    time.Time
	lastProbeOK  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The initial status is offline until a raw signal
// or probe says otherwise; pessimism here is harmless because every online
// transition is verified anyway.
func New(prober remote.Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.ProbeMinInterval <= 0 {
		config.ProbeMinInterval = 5 * time.Second
	}
	if config.RecheckInterval <= 0 {
		config.RecheckInterval = 30 * time.Second
	}
	return &Monitor{
		prober:    prober,
		config:    config,
		status:    StatusOffline,
		listeners: make(map[int]func(prev, next Status)),
	}
}

// Start launches the background re-verification loop and performs an
// initial connection check.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.CheckConnection(ctx) {
		m.setStatus(StatusOnline)
	}

	m.wg.Add(1)
	go m.recheckLoop(ctx)
}

// Stop shuts down the background loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Status returns the current public status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports the raw link signal, not the verified status.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawOnline || m.status != StatusOffline
}

// Reachable reports whether the verified status allows remote calls.
func (m *Monitor) Reachable() bool {
	return m.Status() != StatusOffline
}

// Subscribe registers a listener for status transitions and returns an
// unsubscribe func. Listeners are invoked synchronously in registration
// order, outside the monitor lock, and receive both sides of the
// transition so they can tell a real reconnect (offline -> online) from
// the syncing -> online restore at the end of a drain cycle.
func (m *Monitor) Subscribe(fn func(prev, next Status)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// WaitForOnline blocks until the status leaves offline or the context is
// cancelled. Returns immediately if already online.
func (m *Monitor) WaitForOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusOffline {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRawOnline feeds the raw link-layer signal into the monitor.
//
// A raw offline signal flips the public status to offline immediately
// (fail fast). A raw online signal triggers verification first; the status
// only becomes online once the backend actually answers.
func (m *Monitor) SetRawOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	m.rawOnline = online
	m.mu.Unlock()

	if !online {
		m.setStatus(StatusOffline)
		return
	}

	if m.CheckConnection(ctx) {
		m.setStatus(StatusOnline)
	} else {
		m.config.Logger.Printf("raw online signal, but backend unreachable; staying offline")
	}
}

// SetSyncing parks the status in syncing (true) or restores it to online
// (false). Only meaningful while the network is up; a syncing status is
// still knocked down to offline by a raw offline signal.
func (m *Monitor) SetSyncing(syncing bool) {
	m.mu.Lock()
	current := m.status
	m.mu.Unlock()

	if syncing && current == StatusOnline {
		m.setStatus(StatusSyncing)
	} else if !syncing && current == StatusSyncing {
		m.setStatus(StatusOnline)
	}
}

// CheckConnection actively verifies backend reachability.
//
// Probes are rate-limited: calls within ProbeMinInterval of the previous
// probe return the cached result rather than issuing another request, so
// flapping callers can't flood the backend with verification traffic.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	m.mu.Lock()
	if !m.lastProbe.IsZero() && time.Since(m.lastProbe) < m.config.ProbeMinInterval {
		ok := m.lastProbeOK
		m.mu.Unlock()
		return ok
	}
	m.lastProbe = time.Now()
	m.mu.Unlock()

	ok := m.probe(ctx)

	m.mu.Lock()
	m.lastProbeOK = ok
	m.mu.Unlock()
	return ok
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.prober == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		m.config.Logger.Printf("probe failed: %v", err)
		return false
	}
	return true
}

// recheckLoop periodically re-verifies an online status and downgrades to
// offline when the backend stops answering.
func (m *Monitor) recheckLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RecheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Status() == StatusOffline {
				continue
			}
			if !m.CheckConnection(ctx) {
				m.config.Logger.Printf("background check failed, downgrading to offline")
				m.setStatus(StatusOffline)
			}
		}
	}
}

// setStatus applies a transition, notifies listeners, and releases waiters
// on an offline -> online/syncing edge.
func (m *Monitor) setStatus(next Status) {
	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = next

	var released []chan struct{}
	if prev == StatusOffline && next != StatusOffline {
		released = m.waiters
		m.waiters = nil
	}

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(prev, next Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.config.Logger.Printf("status: %s -> %s", prev, next)
	for _, ch := range released {
		close(ch)
	}
	for _, fn := range fns {
		fn(prev, next)
	}
}
