package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/buildrite/fieldsync/internal/record"
)

// queueExportLine is the JSONL wire format for one exported queue entry.
type queueExportLine struct {
	ID        int64         `json:"id"`
	Table     string        `json:"table"`
	Operation string        `json:"operation"`
	RecordID  string        `json:"record_id"`
	Data      record.Record `json:"data,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Synced    bool          `json:"synced"`
	Error     string        `json:"error,omitempty"`
}

// ExportQueueJSONL writes the full mutation queue to w as one JSON object
// per line, oldest entry first. Intended for support diagnostics: the dump
// captures exactly what a stuck device is still trying to reconcile.
func (s *Store) ExportQueueJSONL(ctx context.Context, w io.Writer) (int, error) {
	entries, err := s.AllQueueEntries(ctx)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for _, e := range entries {
		line := queueExportLine{
			ID:        e.ID,
			Table:     e.Table,
			Operation: string(e.Operation),
			RecordID:  e.RecordID,
			Data:      e.Data,
			CreatedAt: e.CreatedAt,
			Synced:    e.Synced,
			Error:     e.Error,
		}
		if err := enc.Encode(line); err != nil {
			return 0, fmt.Errorf("failed to encode queue entry %d: %w", e.ID, err)
		}
	}
	return len(entries), nil
}
