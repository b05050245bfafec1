package goaldylite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/morlinbrot/goaldy-sync/goaldysync"
	"github.com/morlinbrot/goaldy-sync/internal/clock"
)

// memRemote adapts the backend's in-memory store to the client's RemoteStore
// contract so engine tests run without a network.
type memRemote struct {
	store *goaldysync.MemStore

	mu         sync.Mutex
	failTables map[string]bool // tables whose calls fail (transient outage)
	upserts    int
}

func newMemRemote() *memRemote {
	return &memRemote{store: goaldysync.NewMemStore(), failTables: make(map[string]bool)}
}

func (m *memRemote) setFailing(table string, failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTables[table] = failing
}

func (m *memRemote) failing(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failTables[table]
}

func (m *memRemote) ChangedSince(ctx context.Context, userID, table string, since *string) ([]Row, error) {
	if m.failing(table) {
		return nil, errors.New("remote unavailable")
	}
	s := ""
	if since != nil {
		s = *since
	}
	rows, err := m.store.ChangedSince(ctx, userID, table, s)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, Row(row))
	}
	return out, nil
}

func (m *memRemote) Upsert(ctx context.Context, userID, table string, row Row, conflictKey string) error {
	if m.failing(table) {
		return errors.New("remote unavailable")
	}
	m.mu.Lock()
	m.upserts++
	m.mu.Unlock()
	return m.store.UpsertRow(ctx, userID, table, row, conflictKey)
}

// device is one simulated replica: its own local store, repositories,
// orchestrator and clock, sharing a remote with other devices.
type device struct {
	store *LocalStore
	orch  *Orchestrator
	repos map[string]*Repository
	clk   *clock.Fake
	user  string
}

func newDevice(t *testing.T, remote RemoteStore, user string, start time.Time) *device {
	t.Helper()

	store, err := OpenLocalStore(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(start)
	session := func() string { return user }

	repos := make(map[string]*Repository)
	var ordered []*Repository
	for _, spec := range DefaultTables() {
		repo, err := NewRepository(store, remote, spec, session, clk, slog.Default())
		require.NoError(t, err)
		repos[spec.Name] = repo
		ordered = append(ordered, repo)
	}

	orch := NewOrchestrator(store, ordered, session, clk, slog.Default(), DefaultOrchestratorConfig())
	return &device{store: store, orch: orch, repos: repos, clk: clk, user: user}
}

func testStart() time.Time {
	return time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
}
