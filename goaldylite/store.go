package goaldylite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// LocalStore adapts an on-device SQLite database to the point/range access
// the repositories need: get-by-id, insert, upsert, soft/hard delete and
// parameterized custom read/write. Writes are serialized by a single-writer
// mutex to prevent interleaved mutations and SQLite locking issues.
type LocalStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewLocalStore wraps db, applies the connection pragmas and creates the sync
// metadata tables (_sync_pending queue and _sync_cursor watermarks).
func NewLocalStore(db *sql.DB, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalStore{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return s, nil
}

// OpenLocalStore opens (or creates) the SQLite database at path. Use
// ":memory:" for an ephemeral store.
func OpenLocalStore(path string, logger *slog.Logger) (*LocalStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	store, err := NewLocalStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error { return s.db.Close() }

func (s *LocalStore) initialize() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending queue, append-only in enqueue order. Entries for the same
		// record are not coalesced; replay is idempotent at the remote.
		`CREATE TABLE IF NOT EXISTS _sync_pending (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			record_id  TEXT NOT NULL,
			op         TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
			payload    TEXT NOT NULL,
			queued_at  TEXT NOT NULL
		)`,

		// Per-table pull watermark (last remote updated_at seen).
		`CREATE TABLE IF NOT EXISTS _sync_cursor (
			table_name     TEXT PRIMARY KEY,
			last_pulled_at TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// CreateTable creates the entity table for spec if it does not exist yet.
func (s *LocalStore) CreateTable(spec *TableSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if _, err := s.db.Exec(spec.createSQL()); err != nil {
		return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
	}
	return nil
}

// GetByID returns the row with the given id, tombstones included, or
// (nil, nil) when no such row exists.
func (s *LocalStore) GetByID(ctx context.Context, table, id string) (Row, error) {
	rows, err := s.CustomQuery(ctx, fmt.Sprintf(`SELECT * FROM %q WHERE id = ?`, table), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Insert writes a new row. Fails if a row with the same id already exists.
func (s *LocalStore) Insert(ctx context.Context, spec *TableSpec, row Row) error {
	cols, args, marks := bindColumns(spec, row)
	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		spec.Name, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return s.CustomExecute(ctx, query, args...)
}

// Upsert writes row, replacing any existing row with the same id in place.
func (s *LocalStore) Upsert(ctx context.Context, spec *TableSpec, row Row) error {
	cols, args, marks := bindColumns(spec, row)
	var sets []string
	for _, c := range cols {
		if c == `"id"` {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		spec.Name, strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "))
	return s.CustomExecute(ctx, query, args...)
}

// Delete removes a row. Hard mode physically deletes it; soft mode stamps
// deleted_at and updated_at with the tombstone timestamp at.
func (s *LocalStore) Delete(ctx context.Context, table, id string, hard bool, at string) error {
	if hard {
		return s.CustomExecute(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, table), id)
	}
	return s.CustomExecute(ctx,
		fmt.Sprintf(`UPDATE %q SET deleted_at = ?, updated_at = ? WHERE id = ?`, table),
		at, at, id)
}

// CustomQuery runs a parameterized read and returns the result set as rows
// keyed by lowercase column name.
func (s *LocalStore) CustomQuery(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			val := values[i]
			// database/sql hands TEXT back as []byte
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[strings.ToLower(col)] = val
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// CustomExecute runs a parameterized write under the single-writer lock.
func (s *LocalStore) CustomExecute(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("execute failed: %w", err)
	}
	return nil
}

// bindColumns maps the row onto the spec's column list, producing quoted
// column names, bind arguments and placeholders. Unknown keys are dropped:
// the schema descriptor is the write allowlist.
func bindColumns(spec *TableSpec, row Row) (cols []string, args []any, marks []string) {
	for _, name := range spec.columnNames() {
		v, ok := row[name]
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" &&
			(name == FieldDeletedAt || name == FieldUserID) {
			// Empty owner/tombstone round-trips as NULL.
			v = nil
		}
		cols = append(cols, fmt.Sprintf("%q", name))
		args = append(args, v)
		marks = append(marks, "?")
	}
	return cols, args, marks
}
