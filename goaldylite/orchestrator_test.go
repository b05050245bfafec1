package goaldylite

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/morlinbrot/goaldy-sync/internal/clock"
)

func TestSyncCyclePushesThenPulls(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())
	devB := newDevice(t, remote, "u1", testStart().Add(time.Minute))

	_, err := devA.repos["goals"].Create(ctx, Row{"name": "read 12 books"})
	require.NoError(t, err)

	require.NoError(t, devA.orch.Sync(ctx))
	require.Zero(t, devA.orch.Status(ctx).PendingChanges)

	// First sync on the second replica: nil cursor pulls everything.
	require.NoError(t, devB.orch.Sync(ctx))
	all, err := devB.repos["goals"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "read 12 books", all[0]["name"])
}

func TestConvergenceAfterConcurrentOfflineEdits(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())
	devB := newDevice(t, remote, "u1", testStart())

	row, err := devA.repos["goals"].Create(ctx, Row{"name": "shared", "target_amount": 100.0})
	require.NoError(t, err)
	id := row[FieldID].(string)
	require.NoError(t, devA.orch.Sync(ctx))
	require.NoError(t, devB.orch.Sync(ctx))

	// Both edit offline; B's edit carries the later timestamp.
	devA.clk.Set(testStart().Add(1 * time.Minute))
	devB.clk.Set(testStart().Add(2 * time.Minute))
	_, err = devA.repos["goals"].Update(ctx, id, Row{"target_amount": 150.0})
	require.NoError(t, err)
	_, err = devB.repos["goals"].Update(ctx, id, Row{"target_amount": 200.0})
	require.NoError(t, err)

	// Both complete a full push+pull cycle (twice, so the loser also sees
	// the winner's push).
	for i := 0; i < 2; i++ {
		require.NoError(t, devA.orch.Sync(ctx))
		require.NoError(t, devB.orch.Sync(ctx))
	}

	gotA, err := devA.repos["goals"].GetByID(ctx, id)
	require.NoError(t, err)
	gotB, err := devB.repos["goals"].GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 200.0, gotA["target_amount"])
	require.Equal(t, 200.0, gotB["target_amount"])
	require.Equal(t, gotA[FieldUpdatedAt], gotB[FieldUpdatedAt])
}

func TestIdempotentPushNeverDuplicatesRemoteRows(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())
	goals := dev.repos["goals"]

	_, err := goals.Create(ctx, Row{"name": "once"})
	require.NoError(t, err)
	entries, err := dev.store.PendingForTable(ctx, "goals")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Replaying the same queue entry, e.g. after a crash between remote ack
	// and queue removal, must not create a second remote row.
	require.NoError(t, goals.Push(ctx, entries[0]))
	require.NoError(t, goals.Push(ctx, entries[0]))
	require.Equal(t, 1, remote.store.RowCount("u1", "goals"))
}

func TestTombstonePropagatesAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())
	devB := newDevice(t, remote, "u1", testStart())

	row, err := devA.repos["goals"].Create(ctx, Row{"name": "to be deleted"})
	require.NoError(t, err)
	id := row[FieldID].(string)
	require.NoError(t, devA.orch.Sync(ctx))
	require.NoError(t, devB.orch.Sync(ctx))

	devA.clk.Advance(time.Minute)
	require.NoError(t, devA.repos["goals"].Delete(ctx, id))
	require.NoError(t, devA.orch.Sync(ctx))
	require.NoError(t, devB.orch.Sync(ctx))

	// B holds an older non-deleted copy and must not resurrect the row.
	_, err = devB.repos["goals"].GetByID(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	raw, err := devB.store.GetByID(ctx, "goals", id)
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.NotEmpty(t, raw[FieldDeletedAt])
}

func TestSharedSeedRowsNeverReachTheRemote(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())
	categories := dev.repos["categories"]

	require.NoError(t, categories.SeedShared(ctx, []Row{
		{FieldID: "seed-health", "name": "Health"},
	}))
	_, err := categories.Create(ctx, Row{"name": "Custom"})
	require.NoError(t, err)
	require.NoError(t, categories.Delete(ctx, "seed-health"))

	require.NoError(t, dev.orch.Sync(ctx))

	// Only the owner-created category round-trips.
	require.Equal(t, 1, remote.store.RowCount("u1", "categories"))
}

func TestSingletonReplicationYieldsExactlyOneLocalRow(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())
	devB := newDevice(t, remote, "u1", testStart().Add(time.Minute))

	_, err := devA.repos["preferences"].Create(ctx, Row{"reminders_enabled": 1, "week_starts_on": 1})
	require.NoError(t, err)
	require.NoError(t, devA.orch.Sync(ctx))

	require.NoError(t, devB.orch.Sync(ctx))
	all, err := devB.repos["preferences"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, PreferencesLocalID, all[0][FieldID])

	// Another cycle must keep it at one row, updated in place.
	require.NoError(t, devB.orch.Sync(ctx))
	all, err = devB.repos["preferences"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMonthScenarioAcrossDevices(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())
	devB := newDevice(t, remote, "u1", testStart().Add(5*time.Minute))

	// Device A creates the January budget at t1, device B creates its own
	// row for the same month at t2 > t1. Both push, then A pulls.
	_, err := devA.repos["budgets"].Create(ctx, Row{"month": "2025-01", "total": 1000.0})
	require.NoError(t, err)
	_, err = devB.repos["budgets"].Create(ctx, Row{"month": "2025-01", "total": 1200.0})
	require.NoError(t, err)

	require.NoError(t, devA.orch.Sync(ctx))
	require.NoError(t, devB.orch.Sync(ctx))
	require.NoError(t, devA.orch.Sync(ctx))

	all, err := devA.repos["budgets"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "2025-01", all[0]["month"])
	require.Equal(t, 1200.0, all[0]["total"])
}

func TestSyncCoalescesConcurrentRequests(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, newMemRemote(), "u1", testStart())

	dev.orch.syncing.Store(true)
	err := dev.orch.Sync(ctx)
	require.ErrorIs(t, err, ErrSyncInProgress)
	dev.orch.syncing.Store(false)

	require.NoError(t, dev.orch.Sync(ctx))
}

func TestSyncNoOpsWhileOffline(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())

	_, err := dev.repos["goals"].Create(ctx, Row{"name": "offline edit"})
	require.NoError(t, err)

	dev.orch.SetOnline(false)
	require.ErrorIs(t, dev.orch.Sync(ctx), ErrOffline)
	require.Zero(t, remote.store.RowCount("u1", "goals"))

	status := dev.orch.Status(ctx)
	require.False(t, status.IsOnline)
	require.Equal(t, 1, status.PendingChanges)

	dev.orch.SetOnline(true)
	require.NoError(t, dev.orch.Sync(ctx))
	require.Equal(t, 1, remote.store.RowCount("u1", "goals"))
}

func TestSyncIdlesWhileLoggedOut(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "", testStart())

	// Local mutations still work logged out; they only queue.
	_, err := dev.repos["goals"].Create(ctx, Row{"name": "pre-login"})
	require.NoError(t, err)

	require.NoError(t, dev.orch.Sync(ctx))
	status := dev.orch.Status(ctx)
	require.Empty(t, status.Err)
	require.Equal(t, 1, status.PendingChanges) // nothing pushed, nothing lost
}

func TestPartialFailureIsIsolatedPerTable(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())

	_, err := dev.repos["goals"].Create(ctx, Row{"name": "will push"})
	require.NoError(t, err)
	_, err = dev.repos["habits"].Create(ctx, Row{"name": "will fail"})
	require.NoError(t, err)

	remote.setFailing("habits", true)
	require.NoError(t, dev.orch.Sync(ctx))

	status := dev.orch.Status(ctx)
	require.NotEmpty(t, status.Err)
	require.Equal(t, 1, status.PendingChanges) // habit entry kept for retry
	require.Equal(t, 1, remote.store.RowCount("u1", "goals"))
	require.Zero(t, remote.store.RowCount("u1", "habits"))

	// Next cycle retries and clears the error.
	remote.setFailing("habits", false)
	require.NoError(t, dev.orch.Sync(ctx))
	status = dev.orch.Status(ctx)
	require.Empty(t, status.Err)
	require.Zero(t, status.PendingChanges)
	require.Equal(t, 1, remote.store.RowCount("u1", "habits"))
}

func TestClearSyncQueueDiscardsPendingChanges(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())

	_, err := dev.repos["goals"].Create(ctx, Row{"name": "stuck"})
	require.NoError(t, err)
	require.Equal(t, 1, dev.orch.Status(ctx).PendingChanges)

	require.NoError(t, dev.orch.ClearSyncQueue(ctx))
	require.Zero(t, dev.orch.Status(ctx).PendingChanges)

	require.NoError(t, dev.orch.Sync(ctx))
	require.Zero(t, remote.store.RowCount("u1", "goals"))
}

func TestStatusReflectsCycleOutcome(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(t, newMemRemote(), "u1", testStart())

	status := dev.orch.Status(ctx)
	require.True(t, status.IsOnline)
	require.False(t, status.IsSyncing)
	require.Empty(t, status.LastSyncAt)

	require.NoError(t, dev.orch.Sync(ctx))
	status = dev.orch.Status(ctx)
	require.NotEmpty(t, status.LastSyncAt)
	require.Empty(t, status.Err)
}

func TestPullOrderFollowsDependencyRanks(t *testing.T) {
	dev := newDevice(t, newMemRemote(), "u1", testStart())

	ranks := make([]int, 0, len(dev.orch.repos))
	for _, repo := range dev.orch.repos {
		ranks = append(ranks, repo.spec.PullRank)
	}
	for i := 1; i < len(ranks); i++ {
		require.LessOrEqual(t, ranks[i-1], ranks[i])
	}
	require.Equal(t, "categories", dev.orch.repos[0].Table())
}

func TestSessionExpiryMidCycleKeepsQueue(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()

	store, err := OpenLocalStore(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Session valid while the record is created and when the cycle's
	// logged-out gate runs, expired by the time the push phase reads it.
	calls := 0
	session := func() string {
		calls++
		if calls <= 2 {
			return "u1"
		}
		return ""
	}

	clk := clock.NewFake(testStart())
	var spec *TableSpec
	for _, s := range DefaultTables() {
		if s.Name == "goals" {
			spec = s
		}
	}
	repo, err := NewRepository(store, remote, spec, session, clk, slog.Default())
	require.NoError(t, err)
	orch := NewOrchestrator(store, []*Repository{repo}, session, clk, slog.Default(), DefaultOrchestratorConfig())

	_, err = repo.Create(ctx, Row{"name": "must not vanish"})
	require.NoError(t, err)

	require.NoError(t, orch.Sync(ctx))
	require.Zero(t, remote.store.RowCount("u1", "goals"))

	// Nothing was acknowledged, so nothing may leave the queue.
	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

// flakyMerge fails once for one row id and then behaves like the default
// policy, simulating a transient local-store error during a pull.
type flakyMerge struct {
	failID string
	failed *bool
}

func (p flakyMerge) Merge(ctx context.Context, repo *Repository, remote Row) (bool, error) {
	if !*p.failed && stringField(remote, FieldID) == p.failID {
		*p.failed = true
		return false, errors.New("storage busy")
	}
	return LastWriteWins{}.Merge(ctx, repo, remote)
}

func TestMergeFailureDoesNotAdvanceCursorPastRow(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	devA := newDevice(t, remote, "u1", testStart())

	first, err := devA.repos["goals"].Create(ctx, Row{"name": "first"})
	require.NoError(t, err)
	devA.clk.Advance(time.Minute)
	_, err = devA.repos["goals"].Create(ctx, Row{"name": "second"})
	require.NoError(t, err)
	require.NoError(t, devA.orch.Sync(ctx))

	devB := newDevice(t, remote, "u1", testStart())
	failed := false
	devB.repos["goals"].SetStrategy(Strategy{
		Merge: flakyMerge{failID: first[FieldID].(string), failed: &failed},
	})

	// First cycle: the older row fails to merge, the newer one lands. The
	// cursor must not move past the failed row.
	require.NoError(t, devB.orch.Sync(ctx))
	all, err := devB.repos["goals"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	since, err := devB.store.Cursor(ctx, "goals")
	require.NoError(t, err)
	require.Nil(t, since) // the failed row precedes everything merged

	// Next cycle refetches and recovers the skipped row.
	require.NoError(t, devB.orch.Sync(ctx))
	all, err = devB.repos["goals"].GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestCancelledCycleLeavesQueueIntact(t *testing.T) {
	remote := newMemRemote()
	dev := newDevice(t, remote, "u1", testStart())

	_, err := dev.repos["goals"].Create(context.Background(), Row{"name": "survives"})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, dev.orch.Sync(cancelled))

	// The entry was not dropped without a remote ack; the next cycle
	// delivers it.
	require.NoError(t, dev.orch.Sync(context.Background()))
	require.Equal(t, 1, remote.store.RowCount("u1", "goals"))
	require.Zero(t, dev.orch.Status(context.Background()).PendingChanges)
}
