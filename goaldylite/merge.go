package goaldylite

import (
	"context"
	"fmt"
)

// LastWriteWins is the default conflict policy: an incoming remote row
// replaces the local row iff its updated_at is strictly greater. Equal
// timestamps keep local state. The tie rule mirrors the original system and
// is a known non-convergence hazard when clocks tie exactly; it is kept
// deliberately rather than silently changed.
type LastWriteWins struct{}

func (LastWriteWins) Merge(ctx context.Context, repo *Repository, remote Row) (bool, error) {
	local, err := repo.store.GetByID(ctx, repo.spec.Name, stringField(remote, FieldID))
	if err != nil {
		return false, err
	}
	if local == nil {
		// Pure insert from another device.
		if err := repo.applyRemote(ctx, remote); err != nil {
			return false, err
		}
		return true, nil
	}
	if !remoteWins(remote, local) {
		return false, nil
	}
	if err := repo.applyRemote(ctx, remote); err != nil {
		return false, err
	}
	return true, nil
}

// NaturalKeyMerge extends last-write-wins for entities carrying a secondary
// uniqueness constraint (e.g. one row per owner per month). Two offline
// devices can each create a row for the same natural key under different
// ids; this policy collapses them to one local row.
type NaturalKeyMerge struct {
	Key func(Row) string
}

func (p NaturalKeyMerge) Merge(ctx context.Context, repo *Repository, remote Row) (bool, error) {
	// Same id: plain last-write-wins.
	local, err := repo.store.GetByID(ctx, repo.spec.Name, stringField(remote, FieldID))
	if err != nil {
		return false, err
	}
	if local != nil {
		if !remoteWins(remote, local) {
			return false, nil
		}
		if err := repo.applyRemote(ctx, remote); err != nil {
			return false, err
		}
		return true, nil
	}

	match, err := p.findByKey(ctx, repo, remote)
	if err != nil {
		return false, err
	}
	if match == nil {
		// No conflict: new row.
		if err := repo.applyRemote(ctx, remote); err != nil {
			return false, err
		}
		return true, nil
	}

	if remoteWins(remote, match) {
		// The remote copy supersedes the locally created duplicate. The
		// stale row disappears without a tombstone: this is reconciliation,
		// not a user delete.
		if err := repo.hardDelete(ctx, stringField(match, FieldID)); err != nil {
			return false, err
		}
		if err := repo.applyRemote(ctx, remote); err != nil {
			return false, err
		}
		return true, nil
	}

	// Local wins. Re-push the winning row on its own id so the remote side
	// converges to it instead of keeping two competing rows.
	if err := repo.enqueue(ctx, OpUpdate, match); err != nil {
		return false, err
	}
	return false, nil
}

// findByKey scans for a live row with the same natural key but a different id.
func (p NaturalKeyMerge) findByKey(ctx context.Context, repo *Repository, remote Row) (Row, error) {
	key := p.Key(remote)
	if key == "" {
		return nil, nil
	}
	rows, err := repo.store.CustomQuery(ctx,
		fmt.Sprintf(`SELECT * FROM %q WHERE deleted_at IS NULL`, repo.spec.Name))
	if err != nil {
		return nil, err
	}
	remoteID := stringField(remote, FieldID)
	for _, row := range rows {
		if stringField(row, FieldID) != remoteID && p.Key(row) == key {
			return row, nil
		}
	}
	return nil, nil
}

// SingletonMerge handles exactly-one-row-per-user entities. The row lives
// locally under the spec's fixed sentinel id and remotely under the user's
// id, so an incoming remote row is always compared against the single local
// row and applied in place; a second local row is never created.
type SingletonMerge struct{}

func (SingletonMerge) Merge(ctx context.Context, repo *Repository, remote Row) (bool, error) {
	localID := repo.spec.SingletonID
	row := cloneRow(remote)
	row[FieldID] = localID

	local, err := repo.store.GetByID(ctx, repo.spec.Name, localID)
	if err != nil {
		return false, err
	}
	if local != nil && !remoteWins(row, local) {
		return false, nil
	}
	if err := repo.applyRemote(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// remoteWins applies the strict last-write-wins comparison.
func remoteWins(remote, local Row) bool {
	return stringField(remote, FieldUpdatedAt) > stringField(local, FieldUpdatedAt)
}
