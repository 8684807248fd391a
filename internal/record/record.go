// Package record provides the generic record representation shared by the
// local store, the sync processor, and the conflict resolver.
//
// A record is an opaque, table-typed map of fields. Every record that
// participates in sync must carry an "id" field (string, unique within its
// table) and an "updated_at" field (timestamp string). Records created while
// the device is offline are keyed by a client-synthesized temp id until the
// remote store assigns an authoritative one.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldID is the primary-key field every synced record carries.
const FieldID = "id"

// FieldUpdatedAt is the modification-timestamp field used for conflict
// detection and incremental sync.
const FieldUpdatedAt = "updated_at"

// TempIDPrefix marks client-synthesized ids for records created offline.
// Queue entries referencing a temp id are handled specially by the sync
// processor until the insert round-trips and the real id is known.
const TempIDPrefix = "temp_"

// Record is one row of a synced table. Field values are whatever the remote
// store's JSON representation decodes to.
type Record map[string]any

// ID returns the record's id field, or "" if absent or not a string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// UpdatedAt returns the parsed updated_at timestamp.
// Returns the zero time if the field is absent or unparseable.
func (r Record) UpdatedAt() time.Time {
	raw, _ := r[FieldUpdatedAt].(string)
	t, _ := ParseTimestamp(raw)
	return t
}

// Touch sets updated_at to the given time in canonical wire format.
func (r Record) Touch(now time.Time) {
	r[FieldUpdatedAt] = FormatTimestamp(now)
}

// Clone returns a shallow copy of the record. Field values are shared, but
// adding or replacing fields on the copy does not affect the original.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with the given partial updates applied on top.
func (r Record) Merge(updates Record) Record {
	out := r.Clone()
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// Validate checks that the record carries the fields sync requires.
func (r Record) Validate() error {
	if r.ID() == "" {
		return fmt.Errorf("record is missing id")
	}
	if raw, _ := r[FieldUpdatedAt].(string); raw != "" {
		if _, err := ParseTimestamp(raw); err != nil {
			return fmt.Errorf("record %s has invalid updated_at: %w", r.ID(), err)
		}
	}
	return nil
}

// NewTempID synthesizes an id for a record created while offline.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was synthesized by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// FormatTimestamp renders a time in the canonical wire format (RFC 3339
// with sub-second precision, UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a wire timestamp. Both second and sub-second
// precision are accepted; the remote store is not consistent about which
// it emits.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
