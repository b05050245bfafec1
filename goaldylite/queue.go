package goaldylite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// QueueEntry is one pending local mutation awaiting push to the remote.
type QueueEntry struct {
	Seq      int64
	Table    string
	RecordID string
	Op       Op
	Payload  json.RawMessage
	QueuedAt string
}

// Enqueue appends a change to the pending queue.
func (s *LocalStore) Enqueue(ctx context.Context, e QueueEntry) error {
	return s.CustomExecute(ctx, `
		INSERT INTO _sync_pending (table_name, record_id, op, payload, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Table, e.RecordID, string(e.Op), string(e.Payload), e.QueuedAt)
}

// PendingForTable returns the queued changes for one table in enqueue order.
func (s *LocalStore) PendingForTable(ctx context.Context, table string) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, table_name, record_id, op, payload, queued_at
		FROM _sync_pending
		WHERE table_name = ?
		ORDER BY seq
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op, payload string
		if err := rows.Scan(&e.Seq, &e.Table, &e.RecordID, &op, &payload, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		e.Op = Op(op)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return out, nil
}

// RemovePending deletes one acknowledged queue entry.
func (s *LocalStore) RemovePending(ctx context.Context, seq int64) error {
	return s.CustomExecute(ctx, `DELETE FROM _sync_pending WHERE seq = ?`, seq)
}

// PendingCount returns the total number of queued changes across all tables.
func (s *LocalStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return n, nil
}

// ClearPending discards every queued change without pushing. Destructive;
// reserved for explicit user-invoked recovery.
func (s *LocalStore) ClearPending(ctx context.Context) error {
	return s.CustomExecute(ctx, `DELETE FROM _sync_pending`)
}

// Cursor returns the per-table pull watermark, or nil before the first sync.
func (s *LocalStore) Cursor(ctx context.Context, table string) (*string, error) {
	var since string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_pulled_at FROM _sync_cursor WHERE table_name = ?`, table).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	return &since, nil
}

// SetCursor advances the per-table pull watermark.
func (s *LocalStore) SetCursor(ctx context.Context, table, at string) error {
	return s.CustomExecute(ctx, `
		INSERT INTO _sync_cursor (table_name, last_pulled_at) VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET last_pulled_at = excluded.last_pulled_at
	`, table, at)
}
