package conflict

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/buildrite/fieldsync/internal/record"
	"github.com/buildrite/fieldsync/internal/remote/remotetest"
	"github.com/buildrite/fieldsync/internal/store"
)

func newTestResolver(t *testing.T, fake *remotetest.Store) (*Resolver, *store.Store) {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	if err := local.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	r := NewResolver(fake, local, Defaults(), log.New(io.Discard, "", 0))
	return r, local
}

func TestDetectConflictRemoteAbsent(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())

	c, err := r.DetectConflict(context.Background(), "time_entries", "t1",
		record.Record{"id": "t1", "updated_at": "2026-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("DetectConflict: %v", err)
	}
	if c != nil {
		t.Errorf("absent remote row should not conflict, got %+v", c)
	}
}

func TestDetectConflictRemoteNotNewer(t *testing.T) {
	fake := remotetest.NewStore()
	fake.Seed("time_entries", record.Record{"id": "t1", "updated_at": "2026-03-01T09:00:00Z"})
	r, _ := newTestResolver(t, fake)

	// Local is newer than remote: no conflict.
	c, err := r.DetectConflict(context.Background(), "time_entries", "t1",
		record.Record{"id": "t1", "updated_at": "2026-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("DetectConflict: %v", err)
	}
	if c != nil {
		t.Error("older remote row should not conflict")
	}

	// Equal timestamps: still no conflict.
	c, err = r.DetectConflict(context.Background(), "time_entries", "t1",
		record.Record{"id": "t1", "updated_at": "2026-03-01T09:00:00Z"})
	if err != nil {
		t.Fatalf("DetectConflict: %v", err)
	}
	if c != nil {
		t.Error("equal timestamps should not conflict")
	}
}

func TestDetectConflictRemoteNewer(t *testing.T) {
	fake := remotetest.NewStore()
	fake.Seed("time_entries", record.Record{"id": "t1", "updated_at": "2026-03-01T11:00:00Z", "approved": true})
	r, _ := newTestResolver(t, fake)

	c, err := r.DetectConflict(context.Background(), "time_entries", "t1",
		record.Record{"id": "t1", "updated_at": "2026-03-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("DetectConflict: %v", err)
	}
	if c == nil {
		t.Fatal("strictly newer remote row should conflict")
	}
	if c.RemoteVersion["approved"] != true {
		t.Errorf("conflict remote version = %v", c.RemoteVersion)
	}
}

func TestResolvePerStrategy(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())
	local := record.Record{"id": "x", "note": "local"}
	remoteVersion := record.Record{"id": "x", "note": "remote"}

	// daily_logs: local wins.
	got := r.Resolve(&Conflict{Table: "daily_logs", RecordID: "x", LocalVersion: local, RemoteVersion: remoteVersion})
	if got["note"] != "local" {
		t.Errorf("daily_logs resolution = %v, want local version", got)
	}

	// jobs: remote wins.
	got = r.Resolve(&Conflict{Table: "jobs", RecordID: "x", LocalVersion: local, RemoteVersion: remoteVersion})
	if got["note"] != "remote" {
		t.Errorf("jobs resolution = %v, want remote version", got)
	}

	// Undeclared table: remote wins by fallback.
	got = r.Resolve(&Conflict{Table: "equipment", RecordID: "x", LocalVersion: local, RemoteVersion: remoteVersion})
	if got["note"] != "remote" {
		t.Errorf("fallback resolution = %v, want remote version", got)
	}
}

func TestResolveManualDegradesToRemote(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())
	r.SetStrategies(NewStrategies(map[string]Strategy{
		"punch_items": {DefaultResolution: ResolutionManual},
	}))

	got := r.Resolve(&Conflict{
		Table:         "punch_items",
		RecordID:      "p1",
		LocalVersion:  record.Record{"id": "p1", "v": "local"},
		RemoteVersion: record.Record{"id": "p1", "v": "remote"},
	})
	if got["v"] != "remote" {
		t.Errorf("manual resolution = %v, want remote version", got)
	}
}

// A crew edits hours and notes offline while the office approves the entry.
// The merge keeps the crew's field data and the office's approval.
func TestResolveMergesFieldAndOfficeEdits(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())

	c := &Conflict{
		Table:    "time_entries",
		RecordID: "t1",
		LocalVersion: record.Record{
			"id": "t1", "total_hours": 10.0, "crew_notes": "stayed late on footing",
			"approved": false, "updated_at": "2026-03-01T16:00:00Z",
		},
		RemoteVersion: record.Record{
			"id": "t1", "total_hours": 8.0, "crew_notes": "",
			"approved": true, "approved_by": "office", "updated_at": "2026-03-01T17:00:00Z",
		},
	}

	got := r.Resolve(c)
	if got["total_hours"] != 10.0 {
		t.Errorf("total_hours = %v, want local 10", got["total_hours"])
	}
	if got["crew_notes"] != "stayed late on footing" {
		t.Errorf("crew_notes = %v, want local notes", got["crew_notes"])
	}
	if got["approved"] != true || got["approved_by"] != "office" {
		t.Errorf("approval fields = %v/%v, want remote values", got["approved"], got["approved_by"])
	}

	// Pure: same inputs, same output, inputs untouched.
	again := r.Resolve(c)
	if again["total_hours"] != got["total_hours"] || again["approved"] != got["approved"] {
		t.Error("Resolve is not deterministic")
	}
	if c.LocalVersion["approved"] != false || c.RemoteVersion["total_hours"] != 8.0 {
		t.Error("Resolve mutated its inputs")
	}
}

// preferRemote runs last, so a field listed in both preferLocal and
// preferRemote ends up with the remote value.
func TestMergePreferRemoteWinsOverlap(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())
	r.SetStrategies(NewStrategies(map[string]Strategy{
		"time_entries": {
			DefaultResolution: ResolutionMerge,
			MergeRules:        map[string]MergeFunc{"total_hours": mergeMax},
			PreferLocal:       []string{"total_hours"},
			PreferRemote:      []string{"total_hours"},
		},
	}))

	got := r.Resolve(&Conflict{
		Table:         "time_entries",
		RecordID:      "t1",
		LocalVersion:  record.Record{"id": "t1", "total_hours": 12.0},
		RemoteVersion: record.Record{"id": "t1", "total_hours": 8.0},
	})
	if got["total_hours"] != 8.0 {
		t.Errorf("total_hours = %v, want remote 8 (preferRemote applied last)", got["total_hours"])
	}
}

func TestMergeRuleRunsWhenBothDefined(t *testing.T) {
	r, _ := newTestResolver(t, remotetest.NewStore())
	r.SetStrategies(NewStrategies(map[string]Strategy{
		"material_entries": {
			DefaultResolution: ResolutionMerge,
			MergeRules:        map[string]MergeFunc{"quantity": mergeMax},
		},
	}))

	got := r.Resolve(&Conflict{
		Table:         "material_entries",
		RecordID:      "m1",
		LocalVersion:  record.Record{"id": "m1", "quantity": 40.0},
		RemoteVersion: record.Record{"id": "m1", "quantity": 25.0},
	})
	if got["quantity"] != 40.0 {
		t.Errorf("quantity = %v, want max 40", got["quantity"])
	}

	// Field absent on one side: rule skipped, remote base kept.
	got = r.Resolve(&Conflict{
		Table:         "material_entries",
		RecordID:      "m2",
		LocalVersion:  record.Record{"id": "m2"},
		RemoteVersion: record.Record{"id": "m2", "quantity": 25.0},
	})
	if got["quantity"] != 25.0 {
		t.Errorf("quantity = %v, want remote base", got["quantity"])
	}
}

func TestResolveAndSyncInsert(t *testing.T) {
	fake := remotetest.NewStore()
	r, local := newTestResolver(t, fake)
	ctx := context.Background()

	created, err := r.ResolveAndSync(ctx, "time_entries", "temp_1",
		record.Record{"total_hours": 8.0}, store.OpInsert)
	if err != nil {
		t.Fatalf("ResolveAndSync: %v", err)
	}
	if created.ID() == "" {
		t.Fatal("insert did not return a server id")
	}
	if fake.Row("time_entries", created.ID()) == nil {
		t.Error("row missing remotely")
	}
	cached, _ := local.GetByID(ctx, "time_entries", created.ID())
	if cached == nil {
		t.Error("row missing from local cache after insert")
	}
}

func TestResolveAndSyncInsertReplayDemotesToUpdate(t *testing.T) {
	fake := remotetest.NewStore()
	fake.Seed("time_entries", record.Record{"id": "t1", "total_hours": 8.0, "updated_at": "2026-03-01T09:00:00Z"})
	r, _ := newTestResolver(t, fake)

	got, err := r.ResolveAndSync(context.Background(), "time_entries", "t1",
		record.Record{"id": "t1", "total_hours": 9.0, "updated_at": "2026-03-01T10:00:00Z"}, store.OpInsert)
	if err != nil {
		t.Fatalf("ResolveAndSync: %v", err)
	}
	if got["total_hours"] != 9.0 {
		t.Errorf("replayed insert = %v, want update applied", got)
	}
	if fake.Calls("insert") != 0 {
		t.Error("replayed insert should not call remote insert")
	}
	if fake.Rows("time_entries") != 1 {
		t.Errorf("remote has %d rows, want 1 (no duplicate)", fake.Rows("time_entries"))
	}
}

func TestResolveAndSyncUpdateWithConflict(t *testing.T) {
	fake := remotetest.NewStore()
	fake.Seed("time_entries", record.Record{
		"id": "t1", "total_hours": 8.0, "approved": true, "updated_at": "2026-03-01T17:00:00Z",
	})
	r, local := newTestResolver(t, fake)
	ctx := context.Background()

	got, err := r.ResolveAndSync(ctx, "time_entries", "t1", record.Record{
		"id": "t1", "total_hours": 10.0, "approved": false, "updated_at": "2026-03-01T16:00:00Z",
	}, store.OpUpdate)
	if err != nil {
		t.Fatalf("ResolveAndSync: %v", err)
	}

	// Merged outcome landed remotely and locally.
	if got["total_hours"] != 10.0 || got["approved"] != true {
		t.Errorf("merged row = %v", got)
	}
	if remoteRow := fake.Row("time_entries", "t1"); remoteRow["total_hours"] != 10.0 {
		t.Errorf("remote row = %v", remoteRow)
	}
	cached, _ := local.GetByID(ctx, "time_entries", "t1")
	if cached == nil || cached["approved"] != true {
		t.Errorf("cached row = %v", cached)
	}
}

func TestObserverSeesResolvedConflicts(t *testing.T) {
	fake := remotetest.NewStore()
	fake.Seed("time_entries", record.Record{
		"id": "t1", "total_hours": 8.0, "updated_at": "2026-03-01T17:00:00Z",
	})
	r, _ := newTestResolver(t, fake)
	ctx := context.Background()

	type seen struct {
		table, recordID string
		resolution      Resolution
	}
	var observed []seen
	r.SetObserver(func(table, recordID string, resolution Resolution) {
		observed = append(observed, seen{table, recordID, resolution})
	})

	// No conflict: the observer stays silent.
	if _, err := r.ResolveAndSync(ctx, "time_entries", "t1", record.Record{
		"id": "t1", "total_hours": 9.0, "updated_at": "2026-03-01T18:00:00Z",
	}, store.OpUpdate); err != nil {
		t.Fatalf("ResolveAndSync: %v", err)
	}
	if len(observed) != 0 {
		t.Fatalf("observer fired without a conflict: %+v", observed)
	}

	// Remote moved ahead again: this write conflicts and resolves.
	fake.Seed("time_entries", record.Record{
		"id": "t1", "total_hours": 9.0, "approved": true, "updated_at": "2026-03-01T20:00:00Z",
	})
	if _, err := r.ResolveAndSync(ctx, "time_entries", "t1", record.Record{
		"id": "t1", "total_hours": 10.0, "updated_at": "2026-03-01T19:00:00Z",
	}, store.OpUpdate); err != nil {
		t.Fatalf("ResolveAndSync: %v", err)
	}

	if len(observed) != 1 {
		t.Fatalf("observed = %+v, want one resolved conflict", observed)
	}
	if observed[0].table != "time_entries" || observed[0].recordID != "t1" || observed[0].resolution != ResolutionMerge {
		t.Errorf("observed = %+v", observed[0])
	}
}

func TestResolveAndSyncDeleteSwallowsNotFound(t *testing.T) {
	fake := remotetest.NewStore()
	r, local := newTestResolver(t, fake)
	ctx := context.Background()

	if err := local.Put(ctx, "jobs", record.Record{"id": "j1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Row never existed remotely (or was already deleted by someone else).
	if _, err := r.ResolveAndSync(ctx, "jobs", "j1", nil, store.OpDelete); err != nil {
		t.Fatalf("delete of absent remote row should settle: %v", err)
	}
	if cached, _ := local.GetByID(ctx, "jobs", "j1"); cached != nil {
		t.Error("local row survived delete")
	}
}
