package goaldylite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/morlinbrot/goaldy-sync/internal/clock"
)

// MergePolicy decides whether an incoming remote row replaces the local
// state. Implementations call repo.applyRemote / repo.hardDelete to take
// effect; returning false leaves local state untouched.
type MergePolicy interface {
	Merge(ctx context.Context, repo *Repository, remote Row) (bool, error)
}

// Strategy bundles the per-entity replication behavior injected into the
// generic repository: a merge policy plus push/pull filters and the remote
// conflict key. Zero-value fields fall back to the defaults (last-write-wins,
// everything eligible, keyed by record id).
type Strategy struct {
	Merge       MergePolicy
	PushFilter  func(Row) bool
	PullFilter  func(Row) bool
	ConflictKey func(userID, recordID string) string
}

// Listener receives the affected row after a successful local mutation or an
// accepted remote merge.
type Listener func(Row)

// Repository owns one entity's table: CRUD with soft delete, change
// queueing, subscriber notification and the push/pull/merge protocol.
// No other component writes to the table.
type Repository struct {
	store    *LocalStore
	remote   RemoteStore
	spec     *TableSpec
	strategy Strategy
	session  func() string // current user id, "" when logged out
	clk      clock.Clock
	logger   *slog.Logger

	subMu   sync.Mutex
	subs    map[int]Listener
	nextSub int

	// deliverMu serializes listener callbacks without holding subMu, so a
	// listener may subscribe or unsubscribe from inside its callback.
	deliverMu sync.Mutex
}

// NewRepository builds a repository for spec, creating its table if needed.
// The strategy defaults are derived from the spec (natural key, singleton,
// shared-row filtering) unless explicitly overridden.
func NewRepository(store *LocalStore, remote RemoteStore, spec *TableSpec, session func() string, clk clock.Clock, logger *slog.Logger) (*Repository, error) {
	if err := store.CreateTable(spec); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		store:    store,
		remote:   remote,
		spec:     spec,
		strategy: strategyFor(spec),
		session:  session,
		clk:      clk,
		logger:   logger.With("table", spec.Name),
		subs:     make(map[int]Listener),
	}
	return r, nil
}

// Table returns the entity table name.
func (r *Repository) Table() string { return r.spec.Name }

// Spec returns the schema descriptor.
func (r *Repository) Spec() *TableSpec { return r.spec }

// SetStrategy overrides the derived replication strategy. Must be called
// before the repository is shared across goroutines.
func (r *Repository) SetStrategy(s Strategy) { r.strategy = s }

// GetAll returns all non-deleted rows.
func (r *Repository) GetAll(ctx context.Context) ([]Row, error) {
	return r.store.CustomQuery(ctx,
		fmt.Sprintf(`SELECT * FROM %q WHERE deleted_at IS NULL ORDER BY created_at`, r.spec.Name))
}

// GetByID returns the non-deleted row with the given id, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (Row, error) {
	row, err := r.store.GetByID(ctx, r.spec.Name, id)
	if err != nil {
		return nil, err
	}
	if row == nil || isTombstone(row) {
		return nil, ErrNotFound
	}
	return row, nil
}

// Create assigns an id, stamps the timestamps, writes locally, enqueues an
// insert and notifies subscribers. A local write failure propagates to the
// caller and never touches the queue.
func (r *Repository) Create(ctx context.Context, fields Row) (Row, error) {
	now := FormatTime(r.clk.Now())
	row := Row{
		FieldID:        r.newID(),
		FieldUserID:    r.session(),
		FieldCreatedAt: now,
		FieldUpdatedAt: now,
	}
	for _, c := range r.spec.Columns {
		if v, ok := fields[c.Name]; ok {
			row[c.Name] = v
		}
	}

	if err := r.store.Insert(ctx, r.spec, row); err != nil {
		return nil, fmt.Errorf("failed to create %s row: %w", r.spec.Name, err)
	}
	if err := r.enqueue(ctx, OpInsert, row); err != nil {
		return nil, err
	}
	r.notify(row)
	return row, nil
}

// Update merges changes into an existing non-deleted row, bumps updated_at,
// writes locally, enqueues an update and notifies subscribers.
func (r *Repository) Update(ctx context.Context, id string, changes Row) (Row, error) {
	current, err := r.store.GetByID(ctx, r.spec.Name, id)
	if err != nil {
		return nil, err
	}
	if current == nil || isTombstone(current) {
		return nil, ErrNotFound
	}

	row := cloneRow(current)
	for _, c := range r.spec.Columns {
		if v, ok := changes[c.Name]; ok {
			row[c.Name] = v
		}
	}
	row[FieldUpdatedAt] = nextTimestamp(r.clk.Now(), stringField(current, FieldUpdatedAt))

	if err := r.store.Upsert(ctx, r.spec, row); err != nil {
		return nil, fmt.Errorf("failed to update %s row: %w", r.spec.Name, err)
	}
	if err := r.enqueue(ctx, OpUpdate, row); err != nil {
		return nil, err
	}
	r.notify(row)
	return row, nil
}

// Delete soft-deletes a row: the tombstone timestamp is written locally and a
// delete is enqueued so the deletion replicates. Hard deletion is reserved
// for internal reconciliation and never reachable from here.
func (r *Repository) Delete(ctx context.Context, id string) error {
	current, err := r.store.GetByID(ctx, r.spec.Name, id)
	if err != nil {
		return err
	}
	if current == nil || isTombstone(current) {
		return ErrNotFound
	}

	at := nextTimestamp(r.clk.Now(), stringField(current, FieldUpdatedAt))
	if err := r.store.Delete(ctx, r.spec.Name, id, false, at); err != nil {
		return fmt.Errorf("failed to delete %s row: %w", r.spec.Name, err)
	}

	row := cloneRow(current)
	row[FieldDeletedAt] = at
	row[FieldUpdatedAt] = at
	if err := r.enqueue(ctx, OpDelete, row); err != nil {
		return err
	}
	r.notify(row)
	return nil
}

// SeedShared installs ownerless baseline rows without queueing anything.
// Seed rows are populated once locally and never round-trip to the remote.
func (r *Repository) SeedShared(ctx context.Context, rows []Row) error {
	now := FormatTime(r.clk.Now())
	for _, fields := range rows {
		row := Row{
			FieldID:        r.newID(),
			FieldUserID:    "",
			FieldCreatedAt: now,
			FieldUpdatedAt: now,
		}
		if id := stringField(fields, FieldID); id != "" {
			row[FieldID] = id
		}
		for _, c := range r.spec.Columns {
			if v, ok := fields[c.Name]; ok {
				row[c.Name] = v
			}
		}
		if err := r.store.Upsert(ctx, r.spec, row); err != nil {
			return fmt.Errorf("failed to seed %s row: %w", r.spec.Name, err)
		}
		r.notify(row)
	}
	return nil
}

// Subscribe registers a listener invoked after every successful local
// mutation or accepted remote merge for this table. Delivery is at-least-once
// and in-order within this repository. The returned handle unsubscribes.
func (r *Repository) Subscribe(fn Listener) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

// notify delivers the row to the subscribers registered at the time of the
// change, in registration order. Delivery runs outside subMu under its own
// mutex, keeping changes ordered per repository while letting callbacks
// manage their subscriptions.
func (r *Repository) notify(row Row) {
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.subs[id])
	}
	r.subMu.Unlock()

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	for _, fn := range listeners {
		fn(cloneRow(row))
	}
}

// Push sends one queued change to the remote. Retry-safe: the remote applies
// an upsert keyed by the record's identity, never an insert. Without a
// session it reports ErrNoSession so the caller keeps the entry queued; a
// nil return always means the remote acknowledged the change.
func (r *Repository) Push(ctx context.Context, e QueueEntry) error {
	userID := r.session()
	if userID == "" {
		return ErrNoSession
	}

	var row Row
	if err := json.Unmarshal(e.Payload, &row); err != nil {
		return fmt.Errorf("failed to decode queued payload for %s.%s: %w", e.Table, e.RecordID, err)
	}
	key := e.RecordID
	if r.strategy.ConflictKey != nil {
		key = r.strategy.ConflictKey(userID, e.RecordID)
	}
	if err := r.remote.Upsert(ctx, userID, e.Table, row, key); err != nil {
		return fmt.Errorf("failed to push %s.%s: %w", e.Table, e.RecordID, err)
	}
	return nil
}

// Pull fetches rows changed after since (nil means first sync: everything
// owned by the current user), merges each and returns the count of rows
// accepted plus the newest updated_at that may become the pull cursor. A
// remote fetch failure is logged and reported as zero rows so one table's
// failure never aborts the caller's wider cycle; the error comes back only
// so the orchestrator can surface it in the aggregate status.
//
// A row whose merge fails must be refetched next cycle, so newest stops
// advancing at the first failed row even when later rows merge cleanly.
func (r *Repository) Pull(ctx context.Context, since *string) (accepted int, newest string, err error) {
	userID := r.session()
	if userID == "" {
		return 0, "", nil
	}

	rows, err := r.remote.ChangedSince(ctx, userID, r.spec.Name, since)
	if err != nil {
		r.logger.Warn("pull failed", "error", err)
		return 0, "", err
	}

	var held bool
	for _, row := range rows {
		ts := stringField(row, FieldUpdatedAt)
		if r.strategy.PullFilter != nil && !r.strategy.PullFilter(row) {
			if !held && ts > newest {
				newest = ts
			}
			continue
		}
		ok, err := r.Merge(ctx, row)
		if err != nil {
			r.logger.Warn("merge failed", "id", stringField(row, FieldID), "error", err)
			held = true
			continue
		}
		if !held && ts > newest {
			newest = ts
		}
		if ok {
			accepted++
		}
	}
	return accepted, newest, nil
}

// Merge runs the entity's conflict policy against one incoming remote row.
// Returns whether the row was accepted.
func (r *Repository) Merge(ctx context.Context, remote Row) (bool, error) {
	policy := r.strategy.Merge
	if policy == nil {
		policy = LastWriteWins{}
	}
	return policy.Merge(ctx, r, remote)
}

// applyRemote overwrites local state with an accepted remote row and
// notifies subscribers. Rejections never reach here.
func (r *Repository) applyRemote(ctx context.Context, row Row) error {
	if err := r.store.Upsert(ctx, r.spec, row); err != nil {
		return fmt.Errorf("failed to apply remote row: %w", err)
	}
	r.notify(row)
	return nil
}

// hardDelete physically removes a row during reconciliation. No tombstone is
// produced and nothing is queued: this is not a user delete.
func (r *Repository) hardDelete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, r.spec.Name, id, true, "")
}

// enqueue appends the row to the pending queue if the entity's push filter
// admits it. Shared seed rows never generate remote mutations.
func (r *Repository) enqueue(ctx context.Context, op Op, row Row) error {
	if r.strategy.PushFilter != nil && !r.strategy.PushFilter(row) {
		return nil
	}
	payload, err := json.Marshal(r.spec.syncPayload(row))
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	return r.store.Enqueue(ctx, QueueEntry{
		Table:    r.spec.Name,
		RecordID: stringField(row, FieldID),
		Op:       op,
		Payload:  payload,
		QueuedAt: FormatTime(r.clk.Now()),
	})
}

func (r *Repository) newID() string {
	if r.spec.SingletonID != "" {
		return r.spec.SingletonID
	}
	return uuid.New().String()
}

// strategyFor derives the default strategy from the schema descriptor.
func strategyFor(spec *TableSpec) Strategy {
	s := Strategy{Merge: LastWriteWins{}}
	if spec.NaturalKey != nil {
		s.Merge = NaturalKeyMerge{Key: spec.NaturalKey}
	}
	if spec.SingletonID != "" {
		s.Merge = SingletonMerge{}
		s.ConflictKey = func(userID, _ string) string { return userID }
	}
	if spec.SharedRows {
		s.PushFilter = isOwned
		s.PullFilter = isOwned
	}
	return s
}
