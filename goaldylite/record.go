// Package goaldylite implements the offline-first client engine for goaldy-sync:
// a SQLite-backed local store, generic per-entity repositories with pluggable
// conflict policies, a persistent change queue, and an orchestrator that drives
// push/pull cycles against a remote backend.
package goaldylite

import (
	"time"
)

// Row is a single record, keyed by lowercase column name. Values are the
// column-typed fields of the entity plus the syncable base fields.
type Row = map[string]any

// Syncable base fields present on every replicated row.
const (
	FieldID        = "id"
	FieldUserID    = "user_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldDeletedAt = "deleted_at"
)

// TimeLayout is the wire and storage format for all timestamps. Fixed-width
// millisecond precision in UTC, so string order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// nextTimestamp returns a timestamp for a mutation of a row whose previous
// updated_at is prev. updated_at must strictly increase per mutation, so if
// the clock has not moved past prev (same-millisecond writes, clock steps
// backwards) the previous value is bumped by one millisecond instead.
func nextTimestamp(now time.Time, prev string) string {
	ts := FormatTime(now)
	if prev == "" || ts > prev {
		return ts
	}
	p, err := ParseTime(prev)
	if err != nil {
		return ts
	}
	return FormatTime(p.Add(time.Millisecond))
}

// stringField returns row[name] as a string, tolerating missing and nil values.
func stringField(row Row, name string) string {
	if row == nil {
		return ""
	}
	v, ok := row[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// isTombstone reports whether the row carries a deletion marker.
func isTombstone(row Row) bool {
	return stringField(row, FieldDeletedAt) != ""
}

// isOwned reports whether the row has an owner (shared seed rows do not).
func isOwned(row Row) bool {
	return stringField(row, FieldUserID) != ""
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
