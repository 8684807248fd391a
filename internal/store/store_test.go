package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/buildrite/fieldsync/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return st
}

func TestPutAndGetByID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := record.Record{"id": "job1", "name": "Smith remodel", "updated_at": "2026-03-01T10:00:00Z"}
	if err := st.Put(ctx, "jobs", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := st.GetByID(ctx, "jobs", "job1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got["name"] != "Smith remodel" {
		t.Errorf("GetByID = %v, want stored record", got)
	}
}

func TestGetByIDAbsent(t *testing.T) {
	st := openTestStore(t)

	got, err := st.GetByID(context.Background(), "jobs", "nope")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Errorf("GetByID on absent record = %v, want nil", got)
	}
}

func TestPutUpsertsAndGetAllOrders(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutMany(ctx, "jobs", []record.Record{
		{"id": "b", "name": "second"},
		{"id": "a", "name": "first"},
	}); err != nil {
		t.Fatalf("PutMany: %v", err)
	}
	if err := st.Put(ctx, "jobs", record.Record{"id": "b", "name": "replaced"}); err != nil {
		t.Fatalf("Put upsert: %v", err)
	}

	all, err := st.GetAll(ctx, "jobs")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d records, want 2", len(all))
	}
	if all[0].ID() != "a" || all[1].ID() != "b" {
		t.Errorf("GetAll order = %s, %s; want a, b", all[0].ID(), all[1].ID())
	}
	if all[1]["name"] != "replaced" {
		t.Errorf("upsert did not replace: %v", all[1]["name"])
	}
}

func TestPutRejectsMissingID(t *testing.T) {
	st := openTestStore(t)
	if err := st.Put(context.Background(), "jobs", record.Record{"name": "no id"}); err == nil {
		t.Error("Put without id should fail")
	}
}

func TestGetByIndex(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.DeclareIndex("time_entries", "job_id", "approved")

	entries := []record.Record{
		{"id": "t1", "job_id": "job1", "approved": false},
		{"id": "t2", "job_id": "job1", "approved": true},
		{"id": "t3", "job_id": "job2", "approved": false},
	}
	if err := st.PutMany(ctx, "time_entries", entries); err != nil {
		t.Fatalf("PutMany: %v", err)
	}

	byJob, err := st.GetByIndex(ctx, "time_entries", "job_id", "job1")
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if len(byJob) != 2 {
		t.Errorf("job_id=job1 returned %d records, want 2", len(byJob))
	}

	// Boolean lookups normalize to the stored 0/1 keys.
	unapproved, err := st.GetByIndex(ctx, "time_entries", "approved", false)
	if err != nil {
		t.Fatalf("GetByIndex bool: %v", err)
	}
	if len(unapproved) != 2 {
		t.Errorf("approved=false returned %d records, want 2", len(unapproved))
	}
}

func TestIndexEntriesFollowUpdates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.DeclareIndex("time_entries", "job_id")

	if err := st.Put(ctx, "time_entries", record.Record{"id": "t1", "job_id": "job1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "time_entries", record.Record{"id": "t1", "job_id": "job2"}); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	old, err := st.GetByIndex(ctx, "time_entries", "job_id", "job1")
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("stale index entry survived update: %v", old)
	}
	cur, err := st.GetByIndex(ctx, "time_entries", "job_id", "job2")
	if err != nil {
		t.Fatalf("GetByIndex: %v", err)
	}
	if len(cur) != 1 {
		t.Errorf("job_id=job2 returned %d records, want 1", len(cur))
	}
}

func TestRemoveAndClear(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.DeclareIndex("jobs", "status")

	for i := 0; i < 3; i++ {
		rec := record.Record{"id": fmt.Sprintf("j%d", i), "status": "active"}
		if err := st.Put(ctx, "jobs", rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if err := st.Remove(ctx, "jobs", "j0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := st.Remove(ctx, "jobs", "absent"); err != nil {
		t.Errorf("Remove of absent record should be a no-op: %v", err)
	}
	if n, _ := st.Count(ctx, "jobs"); n != 2 {
		t.Errorf("Count after remove = %d, want 2", n)
	}

	if err := st.Clear(ctx, "jobs"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := st.Count(ctx, "jobs"); n != 0 {
		t.Errorf("Count after clear = %d, want 0", n)
	}
	if left, _ := st.GetByIndex(ctx, "jobs", "status", "active"); len(left) != 0 {
		t.Errorf("index entries survived clear: %v", left)
	}
}

func TestRekeyRecord(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	st.DeclareIndex("time_entries", "job_id")

	tempID := "temp_abc"
	if err := st.Put(ctx, "time_entries", record.Record{"id": tempID, "job_id": "job1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	server := record.Record{"id": "srv_9", "job_id": "job1", "hours": 8.0}
	if err := st.RekeyRecord(ctx, "time_entries", tempID, server); err != nil {
		t.Fatalf("RekeyRecord: %v", err)
	}

	if old, _ := st.GetByID(ctx, "time_entries", tempID); old != nil {
		t.Errorf("temp-id record survived rekey: %v", old)
	}
	got, err := st.GetByID(ctx, "time_entries", "srv_9")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got["hours"] != 8.0 {
		t.Errorf("rekeyed record = %v", got)
	}
	byJob, _ := st.GetByIndex(ctx, "time_entries", "job_id", "job1")
	if len(byJob) != 1 || byJob[0].ID() != "srv_9" {
		t.Errorf("index after rekey = %v, want single srv_9", byJob)
	}
}

func TestQueueFIFOAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := st.Enqueue(ctx, "time_entries", OpUpdate, fmt.Sprintf("t%d", i),
			record.Record{"id": fmt.Sprintf("t%d", i)})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	limited, err := st.Pending(ctx, 3)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("Pending(3) returned %d entries", len(limited))
	}
	for i, e := range limited {
		if want := fmt.Sprintf("t%d", i); e.RecordID != want {
			t.Errorf("entry %d = %s, want %s (FIFO order)", i, e.RecordID, want)
		}
	}

	all, err := st.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending(0): %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Pending(0) returned %d entries, want full backlog of 5", len(all))
	}
}

func TestQueueDeleteCarriesNoData(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, "jobs", OpDelete, "j1", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	pending, err := st.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Data != nil {
		t.Errorf("delete entry = %+v, want nil data", pending[0])
	}
	if pending[0].Operation != OpDelete {
		t.Errorf("operation = %s, want delete", pending[0].Operation)
	}
}

func TestMarkSyncedAndPurge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id1, _ := st.Enqueue(ctx, "jobs", OpUpdate, "j1", record.Record{"id": "j1"})
	id2, _ := st.Enqueue(ctx, "jobs", OpUpdate, "j2", record.Record{"id": "j2"})

	if err := st.MarkError(ctx, id2, "boom"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	if err := st.MarkSynced(ctx, id1); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	if n, _ := st.PendingCount(ctx); n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}

	purged, err := st.PurgeSynced(ctx)
	if err != nil {
		t.Fatalf("PurgeSynced: %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeSynced removed %d, want 1", purged)
	}

	left, _ := st.Pending(ctx, 0)
	if len(left) != 1 || left[0].ID != id2 {
		t.Fatalf("remaining entries = %v", left)
	}
	if left[0].Error != "boom" {
		t.Errorf("error on failed entry = %q, want boom", left[0].Error)
	}
}

func TestPendingByTable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, "jobs", OpUpdate, "j1", record.Record{"id": "j1"})
	st.Enqueue(ctx, "time_entries", OpInsert, "t1", record.Record{"id": "t1"})
	st.Enqueue(ctx, "time_entries", OpUpdate, "t1", record.Record{"id": "t1"})

	byTable, err := st.PendingByTable(ctx)
	if err != nil {
		t.Fatalf("PendingByTable: %v", err)
	}
	if byTable["jobs"] != 1 || byTable["time_entries"] != 2 {
		t.Errorf("PendingByTable = %v", byTable)
	}
}

func TestRemapRecordID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tempID := "temp_xyz"
	insertID, _ := st.Enqueue(ctx, "time_entries", OpInsert, tempID, record.Record{"id": tempID})
	st.Enqueue(ctx, "time_entries", OpUpdate, tempID, record.Record{"id": tempID, "hours": 9.0})
	st.Enqueue(ctx, "jobs", OpUpdate, tempID, record.Record{"id": tempID}) // different table, untouched

	if err := st.MarkSynced(ctx, insertID); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	n, err := st.RemapRecordID(ctx, "time_entries", tempID, "srv_3")
	if err != nil {
		t.Fatalf("RemapRecordID: %v", err)
	}
	if n != 1 {
		t.Errorf("remapped %d entries, want 1 (only the unsynced update)", n)
	}

	pending, _ := st.Pending(ctx, 0)
	for _, e := range pending {
		if e.Table == "time_entries" && e.RecordID != "srv_3" {
			t.Errorf("time_entries entry still references %s", e.RecordID)
		}
		if e.Table == "jobs" && e.RecordID != tempID {
			t.Errorf("jobs entry was remapped across tables: %s", e.RecordID)
		}
	}
}

func TestMarkInsertSyncedForRecord(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tempID := "temp_cancel"
	st.Enqueue(ctx, "daily_logs", OpInsert, tempID, record.Record{"id": tempID})
	st.Enqueue(ctx, "daily_logs", OpDelete, tempID, nil)

	if err := st.MarkInsertSyncedForRecord(ctx, "daily_logs", tempID); err != nil {
		t.Fatalf("MarkInsertSyncedForRecord: %v", err)
	}

	pending, _ := st.Pending(ctx, 0)
	if len(pending) != 1 || pending[0].Operation != OpDelete {
		t.Errorf("pending after cancel = %v, want only the delete", pending)
	}
}

func TestErrorLogCapped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < DiagCap+10; i++ {
		if err := st.LogError(ctx, "update time_entries/t1", 500, 3, fmt.Sprintf("failure %d", i)); err != nil {
			t.Fatalf("LogError: %v", err)
		}
	}

	entries, err := st.RecentErrors(ctx, 0)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(entries) != DiagCap {
		t.Errorf("log holds %d entries, want cap of %d", len(entries), DiagCap)
	}
	// Most recent first; the oldest rows were trimmed.
	if entries[0].Message != fmt.Sprintf("failure %d", DiagCap+9) {
		t.Errorf("newest entry = %q", entries[0].Message)
	}
	if entries[0].Code != 500 || entries[0].Attempts != 3 {
		t.Errorf("entry fields = code %d, attempts %d", entries[0].Code, entries[0].Attempts)
	}
}

func TestExportQueueJSONL(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Enqueue(ctx, "time_entries", OpInsert, "temp_1", record.Record{"id": "temp_1", "total_hours": 8.0})
	st.Enqueue(ctx, "jobs", OpDelete, "j9", nil)

	var buf bytes.Buffer
	n, err := st.ExportQueueJSONL(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportQueueJSONL: %v", err)
	}
	if n != 2 {
		t.Errorf("exported %d entries, want 2", n)
	}

	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("export produced %d lines, want 2", lines)
	}
}
