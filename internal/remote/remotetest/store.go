// Package remotetest provides an in-memory remote.Store fake for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote"
)

// Store is an in-memory implementation of remote.Store. Tests seed it with
// rows, point components at it, and inspect what the component did.
//
// Per-operation errors can be injected with FailWith; call counts are
// tracked per operation name (select, insert, update, delete, probe).
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]record.Record
	fail   map[string]error
	calls  map[string]int
	nextID int

	subs map[string]*Subscription
}

// NewStore creates an empty fake.
func NewStore() *Store {
	return &Store{
		tables: make(map[string]map[string]record.Record),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
		subs:   make(map[string]*Subscription),
	}
}

// Seed places a row directly into a table, bypassing call counting.
func (s *Store) Seed(table string, rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]record.Record)
	}
	s.tables[table][rec.ID()] = rec.Clone()
}

// Row returns a copy of a stored row, or nil.
func (s *Store) Row(table, id string) record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tables[table][id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Rows returns the number of rows in a table.
func (s *Store) Rows(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// FailWith makes the named operation return err until cleared with nil.
func (s *Store) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls returns how many times the named operation ran (including failed
// attempts).
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) check(op string) error {
	s.calls[op]++
	return s.fail[op]
}

// Select implements remote.Store.
func (s *Store) Select(ctx context.Context, table string, q remote.Query) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select"); err != nil {
		return nil, err
	}

	var out []record.Record
	for _, rec := range s.tables[table] {
		if !matches(rec, q) {
			continue
		}
		out = append(out, rec.Clone())
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			a := fmt.Sprint(out[i][q.OrderBy])
			b := fmt.Sprint(out[j][q.OrderBy])
			if q.Descending {
				return a > b
			}
			return a < b
		})
	}
	return out, nil
}

func matches(rec record.Record, q remote.Query) bool {
	for field, want := range q.Eq {
		if fmt.Sprint(rec[field]) != want {
			return false
		}
	}
	for field, min := range q.GTE {
		if strings.Compare(fmt.Sprint(rec[field]), min) < 0 {
			return false
		}
	}
	return true
}

// SelectByID implements remote.Store.
func (s *Store) SelectByID(ctx context.Context, table, id string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("select"); err != nil {
		return nil, err
	}
	rec, ok := s.tables[table][id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Insert implements remote.Store. The server assigns ids of the form
// "srv_N" when the incoming row carries none.
func (s *Store) Insert(ctx context.Context, table string, rec record.Record) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert"); err != nil {
		return nil, err
	}

	stored := rec.Clone()
	if stored.ID() == "" {
		s.nextID++
		stored[record.FieldID] = fmt.Sprintf("srv_%d", s.nextID)
	}
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]record.Record)
	}
	s.tables[table][stored.ID()] = stored
	return stored.Clone(), nil
}

// Update implements remote.Store.
func (s *Store) Update(ctx context.Context, table, id string, updates record.Record) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("update"); err != nil {
		return nil, err
	}

	rec, ok := s.tables[table][id]
	if !ok {
		return nil, &remote.StoreError{Op: "update", Table: table, Code: 404, Err: fmt.Errorf("no row %s", id)}
	}
	updated := rec.Merge(updates)
	s.tables[table][id] = updated
	return updated.Clone(), nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete"); err != nil {
		return err
	}
	if _, ok := s.tables[table][id]; !ok {
		return &remote.StoreError{Op: "delete", Table: table, Code: 404, Err: fmt.Errorf("no row %s", id)}
	}
	delete(s.tables[table], id)
	return nil
}

// Subscribe implements remote.Store. The returned subscription delivers
// whatever the test pushes via Push on the same table.
func (s *Store) Subscribe(ctx context.Context, table string) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe"); err != nil {
		return nil, err
	}
	sub := &Subscription{events: make(chan remote.ChangeEvent, 16)}
	s.subs[table] = sub
	return sub, nil
}

// Push delivers a change event to the table's open subscription.
func (s *Store) Push(table string, ev remote.ChangeEvent) {
	s.mu.Lock()
	sub := s.subs[table]
	s.mu.Unlock()
	if sub != nil {
		sub.events <- ev
	}
}

// Probe implements remote.Prober, failing when FailWith("probe", err) is
// set. This lets one fake serve as both the data store and the
// connectivity target.
func (s *Store) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("probe")
}

// Subscription is a test change stream fed by Store.Push.
type Subscription struct {
	events    chan remote.ChangeEvent
	closeOnce sync.Once
	err       error
}

// Events implements remote.Subscription.
func (s *Subscription) Events() <-chan remote.ChangeEvent { return s.events }

// Err implements remote.Subscription.
func (s *Subscription) Err() error { return s.err }

// Close implements remote.Subscription.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
