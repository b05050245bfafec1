package goaldylite

import (
	"errors"
	"fmt"
	"strings"
)

// Op identifies the kind of queued local mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var (
	// ErrNotFound is returned when a row does not exist or is tombstoned.
	ErrNotFound = errors.New("record not found")
	// ErrSyncInProgress is returned by Sync when a cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned by Sync when the device is marked offline.
	ErrOffline = errors.New("device is offline")
	// ErrNoSession is returned by Push when no user is logged in. The queued
	// entry must stay pending until a session exists.
	ErrNoSession = errors.New("no active session")
)

// ColumnSpec describes one entity-specific column.
type ColumnSpec struct {
	Name string
	Type string // SQLite column type: TEXT, INTEGER, REAL
	Sync bool   // included in push payloads and accepted from pulls
}

// TableSpec is the compile-time schema descriptor for one syncable entity.
// It replaces ad hoc per-entity column allowlists: payload shaping, pull
// ordering and conflict behavior are all driven from here.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec // beyond the syncable base fields, which are implicit

	// PullRank orders the pull phase of a sync cycle. Tables that other
	// tables reference must carry a lower rank so a mid-sync read never
	// observes a referential gap.
	PullRank int

	// NaturalKey, when set, declares a secondary uniqueness constraint
	// (e.g. one row per owner per month). Rows with equal non-empty keys
	// are the same logical record even when their ids differ.
	NaturalKey func(Row) string

	// SingletonID, when set, marks an exactly-one-row-per-user entity.
	// The row is stored locally under this fixed id and remotely under
	// the owning user's id.
	SingletonID string

	// SharedRows marks tables mixing remote-seeded ownerless baseline rows
	// with owner-created rows. Only owned rows participate in sync.
	SharedRows bool
}

// columnNames returns base fields followed by the entity columns.
func (s *TableSpec) columnNames() []string {
	names := []string{FieldID, FieldUserID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt}
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// hasColumn reports whether name is a base field or declared entity column.
func (s *TableSpec) hasColumn(name string) bool {
	switch name {
	case FieldID, FieldUserID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt:
		return true
	}
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// syncPayload shapes row into the wire payload: base fields plus columns
// flagged sync-eligible. Everything else stays device-local.
func (s *TableSpec) syncPayload(row Row) Row {
	out := Row{
		FieldID:        row[FieldID],
		FieldUserID:    row[FieldUserID],
		FieldCreatedAt: row[FieldCreatedAt],
		FieldUpdatedAt: row[FieldUpdatedAt],
		FieldDeletedAt: row[FieldDeletedAt],
	}
	for _, c := range s.Columns {
		if !c.Sync {
			continue
		}
		if v, ok := row[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

// createSQL builds the CREATE TABLE statement for the entity table.
func (s *TableSpec) createSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", s.Name)
	b.WriteString("\tid         TEXT PRIMARY KEY,\n")
	b.WriteString("\tuser_id    TEXT,\n")
	b.WriteString("\tcreated_at TEXT NOT NULL,\n")
	b.WriteString("\tupdated_at TEXT NOT NULL,\n")
	b.WriteString("\tdeleted_at TEXT")
	for _, c := range s.Columns {
		fmt.Fprintf(&b, ",\n\t%q %s", c.Name, c.Type)
	}
	b.WriteString("\n)")
	return b.String()
}

func (s *TableSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("table spec missing name")
	}
	for _, c := range s.Columns {
		switch c.Name {
		case FieldID, FieldUserID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt:
			return fmt.Errorf("table %s: column %q shadows a syncable base field", s.Name, c.Name)
		}
		switch c.Type {
		case "TEXT", "INTEGER", "REAL":
		default:
			return fmt.Errorf("table %s: column %q has unsupported type %q", s.Name, c.Name, c.Type)
		}
	}
	if s.SingletonID != "" && s.NaturalKey != nil {
		return fmt.Errorf("table %s: singleton and natural-key modes are mutually exclusive", s.Name)
	}
	return nil
}
