package goaldylite

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morlinbrot/goaldy-sync/internal/clock"
)

// SyncStatus is the aggregate, process-local view of the sync engine.
// Derived on demand, never persisted.
type SyncStatus struct {
	PendingChanges int
	IsSyncing      bool
	IsOnline       bool
	LastSyncAt     string
	Err            string
}

// OrchestratorConfig tunes the sync cycle runner.
type OrchestratorConfig struct {
	BackoffMin   time.Duration // initial retry delay for the periodic runner
	BackoffMax   time.Duration
	PushParallel int // max tables pushed concurrently (within a table: sequential)
}

// DefaultOrchestratorConfig returns sensible defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		PushParallel: 4,
	}
}

// Orchestrator drives registered repositories through ordered sync cycles,
// tracks connectivity and pending-change counts and exposes aggregate
// status. Constructed explicitly at startup and passed by reference; there
// is no process-wide singleton.
type Orchestrator struct {
	store   *LocalStore
	repos   []*Repository // sorted by PullRank
	session func() string
	clk     clock.Clock
	logger  *slog.Logger
	config  OrchestratorConfig

	syncing atomic.Bool
	online  atomic.Bool

	mu         sync.Mutex
	lastSyncAt string
	lastErr    string
}

// NewOrchestrator wires the repositories into a sync context. Repositories
// are pulled in ascending PullRank so referenced tables land first.
func NewOrchestrator(store *LocalStore, repos []*Repository, session func() string, clk clock.Clock, logger *slog.Logger, config OrchestratorConfig) *Orchestrator {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.PushParallel <= 0 {
		config.PushParallel = 1
	}
	ordered := make([]*Repository, len(repos))
	copy(ordered, repos)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].spec.PullRank < ordered[j].spec.PullRank
	})
	o := &Orchestrator{
		store:   store,
		repos:   ordered,
		session: session,
		clk:     clk,
		logger:  logger,
		config:  config,
	}
	o.online.Store(true)
	return o
}

// SetOnline records connectivity. Sync no-ops while offline.
func (o *Orchestrator) SetOnline(online bool) { o.online.Store(online) }

// Status returns a snapshot of the aggregate sync state. The pending count
// is read live from the queue so it is correct after every queue mutation.
func (o *Orchestrator) Status(ctx context.Context) SyncStatus {
	pending, err := o.store.PendingCount(ctx)
	if err != nil {
		o.logger.Warn("failed to count pending changes", "error", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return SyncStatus{
		PendingChanges: pending,
		IsSyncing:      o.syncing.Load(),
		IsOnline:       o.online.Load(),
		LastSyncAt:     o.lastSyncAt,
		Err:            o.lastErr,
	}
}

// Sync runs one push-then-pull cycle across all repositories. At most one
// cycle runs at a time: a request while one is in flight reports
// ErrSyncInProgress instead of queueing. Adapter failures are transient:
// they surface in the status and leave the queue intact for the next cycle.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if !o.online.Load() {
		return ErrOffline
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	if o.session() == "" {
		// Logged out: sync idles silently.
		return nil
	}

	var cycleErrs []error
	var errMu sync.Mutex
	record := func(err error) {
		errMu.Lock()
		cycleErrs = append(cycleErrs, err)
		errMu.Unlock()
	}

	// Phase a: flush the push queue, per table in enqueue order. Tables may
	// flush concurrently; an entry is removed only after remote ack, so a
	// cancelled or failed push is simply retried next cycle.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.PushParallel)
	for _, repo := range o.repos {
		repo := repo
		g.Go(func() error {
			if err := o.flushTable(gctx, repo); err != nil {
				o.logger.Warn("push failed, will retry next cycle", "table", repo.Table(), "error", err)
				record(err)
			}
			return nil // one table's failure never aborts the cycle
		})
	}
	_ = g.Wait()

	// Phase b: pull each table sequentially in dependency order.
	for _, repo := range o.repos {
		if err := ctx.Err(); err != nil {
			record(err)
			break
		}
		since, err := o.store.Cursor(ctx, repo.Table())
		if err != nil {
			record(err)
			continue
		}
		accepted, newest, pullErr := repo.Pull(ctx, since)
		if pullErr != nil {
			record(pullErr)
		}
		if accepted > 0 {
			o.logger.Debug("pulled changes", "table", repo.Table(), "accepted", accepted)
		}
		if newest != "" && (since == nil || newest > *since) {
			if err := o.store.SetCursor(ctx, repo.Table(), newest); err != nil {
				record(err)
			}
		}
	}

	// Phase c: update status.
	o.mu.Lock()
	o.lastSyncAt = FormatTime(o.clk.Now())
	if len(cycleErrs) > 0 {
		o.lastErr = cycleErrs[0].Error()
	} else {
		o.lastErr = ""
	}
	o.mu.Unlock()
	return nil
}

// flushTable pushes one table's queue strictly in order, stopping at the
// first failure to preserve enqueue order on retry. An entry leaves the
// queue only after the remote acknowledged it: a session that expired
// between the cycle's logged-out gate and this push idles the flush with
// the queue intact.
func (o *Orchestrator) flushTable(ctx context.Context, repo *Repository) error {
	entries, err := o.store.PendingForTable(ctx, repo.Table())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := repo.Push(ctx, e); err != nil {
			if errors.Is(err, ErrNoSession) {
				return nil
			}
			return err
		}
		if err := o.store.RemovePending(ctx, e.Seq); err != nil {
			return err
		}
	}
	return nil
}

// ClearSyncQueue discards all pending local mutations without pushing them.
// Explicit, destructive, user-invoked recovery only.
func (o *Orchestrator) ClearSyncQueue(ctx context.Context) error {
	if err := o.store.ClearPending(ctx); err != nil {
		return err
	}
	o.logger.Warn("sync queue cleared, pending local changes discarded")
	return nil
}

// Run invokes Sync periodically until ctx is cancelled, backing off
// exponentially after failed cycles.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	backoff := o.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := o.Sync(ctx)
		switch {
		case err == nil:
			backoff = o.config.BackoffMin
			if err := sleepWithContext(ctx, interval); err != nil {
				return
			}
		default:
			if err := sleepWithContext(ctx, backoff); err != nil {
				return
			}
			backoff *= 2
			if backoff > o.config.BackoffMax {
				backoff = o.config.BackoffMax
			}
		}
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
