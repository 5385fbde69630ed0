package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

func collectChanges(rows pgx.Rows) ([]model.EntryChange, error) {
	defer rows.Close()
	out := make([]model.EntryChange, 0)
	for rows.Next() {
		var ch model.EntryChange
		e, err := scanEntry(rows, &ch.Deleted, &ch.ChangedAt)
		if err != nil {
			return nil, err
		}
		ch.Entry = e
		ch.ChangedAt = ch.ChangedAt.UTC()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// PendingChanges returns unsynced entries and tombstones, oldest change first.
func (r *LedgerRepo) PendingChanges(ctx context.Context, userID uuid.UUID) ([]model.EntryChange, error) {
	const q = `SELECT ` + entryCols + `, deleted, changed_at FROM reward_entries
WHERE user_id=$1 AND NOT is_synced ORDER BY changed_at, id`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, classify("pending changes", err)
	}
	out, err := collectChanges(rows)
	return out, classify("pending changes", err)
}

// ChangesSince returns every change this database recorded after since.
func (r *LedgerRepo) ChangesSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	const q = `SELECT ` + entryCols + `, deleted, changed_at FROM reward_entries
WHERE user_id=$1 AND recorded_at > $2 ORDER BY changed_at, id`
	rows, err := r.db.Pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, classify("changes since", err)
	}
	out, err := collectChanges(rows)
	return out, classify("changes since", err)
}

const sqlUpsertChange = `
INSERT INTO reward_entries (id, user_id, points, description, category_id, type, created_at, updated_at, is_synced, deleted, changed_at, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,true,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  points=EXCLUDED.points, description=EXCLUDED.description, category_id=EXCLUDED.category_id,
  type=EXCLUDED.type, updated_at=EXCLUDED.updated_at, is_synced=true, deleted=EXCLUDED.deleted,
  changed_at=EXCLUDED.changed_at, recorded_at=EXCLUDED.recorded_at
WHERE reward_entries.user_id = EXCLUDED.user_id`

// ApplyChanges upserts entries and tombstones received from another replica.
func (r *LedgerRepo) ApplyChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) error {
	now := r.clk.Now()
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, ch := range changes {
			e := ch.Entry
			if e.UserID != userID {
				return fmt.Errorf("change[%d]: %w", i, errs.ErrForbidden)
			}
			if !ch.Deleted {
				if err := e.Validate(); err != nil {
					return fmt.Errorf("change[%d]: %w", i, err)
				}
			}
			changedAt := ch.ChangedAt
			if changedAt.IsZero() {
				changedAt = e.LastModified()
			}
			tag, err := tx.Exec(ctx, sqlUpsertChange, e.ID, e.UserID, e.Points, e.Description, e.CategoryID, string(e.Type),
				e.CreatedAt, e.UpdatedAt, ch.Deleted, changedAt, now)
			if err != nil {
				return fmt.Errorf("change[%d]: %w", i, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("change[%d]: %w", i, errs.ErrForbidden)
			}
		}
		return nil
	})
	return classify("apply changes", err)
}

// MarkSynced flags the given entries as acknowledged.
func (r *LedgerRepo) MarkSynced(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	const upd = `UPDATE reward_entries SET is_synced=true WHERE user_id=$1 AND id = ANY($2::uuid[])`
	_, err := r.db.Pool.Exec(ctx, upd, userID, uuidStrings(ids))
	return classify("mark synced", err)
}
