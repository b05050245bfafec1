package goaldysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres Store. Rows live in a generic sidecar table keyed
// by (user, table, conflict key) so the same machinery serves id-keyed and
// user-keyed (singleton) entities alike.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore wraps pool and creates the sidecar schema if needed.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			`CREATE SCHEMA IF NOT EXISTS goaldy_sync`,

			`CREATE TABLE IF NOT EXISTS goaldy_sync.record_state (
				user_id        TEXT  NOT NULL,
				table_name     TEXT  NOT NULL,
				conflict_key   TEXT  NOT NULL,
				row_id         TEXT  NOT NULL,
				payload        JSONB NOT NULL,
				row_updated_at TEXT  NOT NULL,
				received_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (user_id, table_name, conflict_key)
			)`,

			`CREATE INDEX IF NOT EXISTS record_state_changed_idx
				ON goaldy_sync.record_state (user_id, table_name, row_updated_at)`,
		}
		for _, ddl := range migrations {
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		return nil
	})
}

// UpsertRow stores one row under its conflict key. Strictly newer
// row_updated_at replaces; equal or older is a no-op, so replays are
// idempotent and concurrent writers converge on the latest write.
func (s *PGStore) UpsertRow(ctx context.Context, userID, table string, row map[string]any, conflictKey string) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row payload: %w", err)
	}
	rowID, _ := row["id"].(string)
	updatedAt, _ := row["updated_at"].(string)
	if rowID == "" || updatedAt == "" {
		return fmt.Errorf("row for %s.%s missing id or updated_at", table, conflictKey)
	}

	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO goaldy_sync.record_state
				(user_id, table_name, conflict_key, row_id, payload, row_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, table_name, conflict_key) DO UPDATE
			SET row_id = EXCLUDED.row_id,
				payload = EXCLUDED.payload,
				row_updated_at = EXCLUDED.row_updated_at,
				received_at = now()
			WHERE record_state.row_updated_at < EXCLUDED.row_updated_at
		`, userID, table, conflictKey, rowID, payload, updatedAt)
		return err
	})
}

// ChangedSince returns the user's rows for table with row_updated_at
// strictly after since, oldest first. Empty since means all rows (first
// sync).
func (s *PGStore) ChangedSince(ctx context.Context, userID, table, since string) ([]map[string]any, error) {
	var out []map[string]any
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT payload FROM goaldy_sync.record_state
			WHERE user_id = $1 AND table_name = $2 AND ($3 = '' OR row_updated_at > $3)
			ORDER BY row_updated_at
		`, userID, table, since)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				return fmt.Errorf("failed to scan payload: %w", err)
			}
			var row map[string]any
			if err := json.Unmarshal(payload, &row); err != nil {
				return fmt.Errorf("failed to unmarshal payload: %w", err)
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withRetry retries fn on transient Postgres failures (serialization,
// deadlock, lock timeout) with a short linear backoff.
func (s *PGStore) withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil || !isRetryablePGError(err) {
			return err
		}
		s.logger.Warn("retrying transient database error", "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
