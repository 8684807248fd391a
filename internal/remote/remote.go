// Package remote defines the interface to the hosted data service and
// provides its concrete clients.
//
// The remote store is an existing row-level HTTPS API with per-table CRUD
// and a realtime change stream. fieldsync is a consumer of that API, not a
// protocol designer: auth/session handling and endpoint configuration are
// supplied from the outside, and the sync layer only depends on the Store
// interface so tests can substitute an in-memory fake.
package remote

import (
	"context"

	"github.com/buildrite/fieldsync/internal/record"
)

// EventType identifies a realtime change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one realtime notification from the remote store.
// New carries the row after an insert/update; Old carries the row (or at
// minimum its id) before an update/delete. Either may be partial, which is
// why table sync refetches the row rather than trusting the payload.
type ChangeEvent struct {
	Type  EventType
	Table string
	New   record.Record
	Old   record.Record
}

// Query narrows a Select. The zero value selects the whole table.
type Query struct {
	// Eq filters rows where field = value.
	Eq map[string]string

	// GTE filters rows where field >= value. Used by incremental sync
	// against updated_at.
	GTE map[string]string

	// OrderBy names a field to sort on; Descending flips the direction.
	OrderBy    string
	Descending bool
}

// Subscription is an open realtime change stream for one table.
type Subscription interface {
	// Events returns the channel change events are delivered on.
	// The channel is closed when the subscription ends.
	Events() <-chan ChangeEvent

	// Err returns the terminal error after Events is closed, or nil for
	// a clean shutdown.
	Err() error

	// Close tears the subscription down.
	Close() error
}

// Store is the row-level interface to the hosted data service.
type Store interface {
	// Select returns rows from a table, optionally filtered and ordered.
	Select(ctx context.Context, table string, q Query) ([]record.Record, error)

	// SelectByID returns a single row, or (nil, nil) if it doesn't exist.
	SelectByID(ctx context.Context, table, id string) (record.Record, error)

	// Insert creates a row and returns the stored representation,
	// including the server-assigned id.
	Insert(ctx context.Context, table string, rec record.Record) (record.Record, error)

	// Update patches a row by id and returns the stored representation.
	Update(ctx context.Context, table, id string, updates record.Record) (record.Record, error)

	// Delete removes a row by id. Deleting an absent row returns a
	// not-found StoreError.
	Delete(ctx context.Context, table, id string) error

	// Subscribe opens a realtime change stream for a table.
	Subscribe(ctx context.Context, table string) (Subscription, error)
}

// Prober is the lightweight reachability check the connectivity monitor
// uses to verify the backend is actually responding, as opposed to the OS
// merely reporting link-layer connectivity.
type Prober interface {
	// Probe issues a cheap request against the backend. A nil error
	// means the service answered.
	Probe(ctx context.Context) error
}
