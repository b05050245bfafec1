package goaldysync

import (
	"context"
	"sort"
	"sync"
)

// Store is the backend persistence contract. Upserts follow strict
// last-write-wins on the row's updated_at: an incoming row replaces the
// stored one iff its timestamp is strictly greater, which makes replaying
// the same change a no-op and keeps push idempotent.
type Store interface {
	UpsertRow(ctx context.Context, userID, table string, row map[string]any, conflictKey string) error
	ChangedSince(ctx context.Context, userID, table, since string) ([]map[string]any, error)
}

// MemStore is an in-memory Store used in tests and as a client-side test
// double for the remote adapter.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string]memRow // user -> table/conflictKey -> row
}

type memRow struct {
	payload   map[string]any
	updatedAt string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]memRow)}
}

func (m *MemStore) UpsertRow(ctx context.Context, userID, table string, row map[string]any, conflictKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.data[userID]
	if user == nil {
		user = make(map[string]memRow)
		m.data[userID] = user
	}
	key := table + "/" + conflictKey
	updatedAt, _ := row["updated_at"].(string)
	if existing, ok := user[key]; ok && existing.updatedAt >= updatedAt {
		return nil
	}
	user[key] = memRow{payload: cloneMap(row), updatedAt: updatedAt}
	return nil
}

func (m *MemStore) ChangedSince(ctx context.Context, userID, table, since string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := table + "/"
	var out []map[string]any
	for key, row := range m.data[userID] {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if since != "" && row.updatedAt <= since {
			continue
		}
		out = append(out, cloneMap(row.payload))
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["updated_at"].(string)
		b, _ := out[j]["updated_at"].(string)
		return a < b
	})
	return out, nil
}

// RowCount returns the number of stored rows for one user's table.
func (m *MemStore) RowCount(userID, table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := table + "/"
	n := 0
	for key := range m.data[userID] {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
