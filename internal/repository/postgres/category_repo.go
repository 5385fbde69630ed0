package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const categoryCols = `id, user_id, name, description, color, icon, is_default, created_at, updated_at`

func scanCategory(row scanner) (model.RewardCategory, error) {
	var (
		c     model.RewardCategory
		owner *uuid.UUID
	)
	if err := row.Scan(&c.ID, &owner, &c.Name, &c.Description, &c.Color, &c.Icon, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.RewardCategory{}, err
	}
	if owner != nil {
		c.UserID = *owner
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = utcPtr(c.UpdatedAt)
	return c, nil
}

func ownerArg(c model.RewardCategory) any {
	if c.IsDefault || c.UserID == uuid.Nil {
		return nil
	}
	return c.UserID
}

// GetRewardCategories returns defaults followed by the user's categories.
func (r *LedgerRepo) GetRewardCategories(ctx context.Context, userID uuid.UUID) ([]model.RewardCategory, error) {
	const q = `SELECT ` + categoryCols + ` FROM reward_categories
WHERE is_default OR user_id=$1
ORDER BY is_default DESC, created_at, id`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()
	out := make([]model.RewardCategory, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, classify("list categories", err)
		}
		out = append(out, c)
	}
	return out, classify("list categories", rows.Err())
}

func getCategory(ctx context.Context, q querier, userID uuid.UUID, id string, forUpdate bool) (model.RewardCategory, error) {
	sql := `SELECT ` + categoryCols + ` FROM reward_categories WHERE id=$1 AND (is_default OR user_id=$2)`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	c, err := scanCategory(q.QueryRow(ctx, sql, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RewardCategory{}, errs.ErrNotFound
	}
	return c, err
}

// GetRewardCategory loads one category visible to userID.
func (r *LedgerRepo) GetRewardCategory(ctx context.Context, userID uuid.UUID, id string) (model.RewardCategory, error) {
	c, err := getCategory(ctx, r.db.Pool, userID, id, false)
	return c, classify("get category", err)
}

func nameTaken(ctx context.Context, q querier, c model.RewardCategory) error {
	const sel = `SELECT EXISTS (SELECT 1 FROM reward_categories
WHERE (is_default OR user_id=$1) AND lower(name)=lower($2) AND id<>$3)`
	var taken bool
	if err := q.QueryRow(ctx, sel, c.UserID, c.Name, c.ID).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return errs.ErrAlreadyExists
	}
	return nil
}

// AddRewardCategory inserts a custom category; names are unique per user, defaults included.
func (r *LedgerRepo) AddRewardCategory(ctx context.Context, c model.RewardCategory) (model.RewardCategory, error) {
	const ins = `INSERT INTO reward_categories (` + categoryCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, c.UserID); err != nil {
			return err
		}
		if err := nameTaken(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, ins, c.ID, ownerArg(c), c.Name, c.Description, c.Color, c.Icon, c.IsDefault, c.CreatedAt, c.UpdatedAt)
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	})
	if err != nil {
		return model.RewardCategory{}, classify("add category", err)
	}
	return c, nil
}

// UpdateRewardCategory replaces a custom category owned by c.UserID.
func (r *LedgerRepo) UpdateRewardCategory(ctx context.Context, c model.RewardCategory) (model.RewardCategory, error) {
	const upd = `UPDATE reward_categories SET name=$3, description=$4, color=$5, icon=$6, updated_at=$7 WHERE id=$1 AND user_id=$2`
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, c.UserID); err != nil {
			return err
		}
		cur, err := getCategory(ctx, tx, c.UserID, c.ID, true)
		if err != nil {
			return err
		}
		if cur.IsDefault {
			return errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be modified")
		}
		if err := nameTaken(ctx, tx, c); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upd, c.ID, c.UserID, c.Name, c.Description, c.Color, c.Icon, c.UpdatedAt)
		return err
	})
	if err != nil {
		return model.RewardCategory{}, classify("update category", err)
	}
	return c, nil
}

// DeleteRewardCategory moves the user's live entries to reassignTo and removes id.
func (r *LedgerRepo) DeleteRewardCategory(ctx context.Context, userID uuid.UUID, id, reassignTo string, at time.Time) error {
	const move = `
UPDATE reward_entries
SET category_id=$3, updated_at=$4, is_synced=false, changed_at=$4, recorded_at=$5
WHERE user_id=$1 AND category_id=$2 AND NOT deleted`
	const del = `DELETE FROM reward_categories WHERE id=$1 AND user_id=$2`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		cur, err := getCategory(ctx, tx, userID, id, true)
		if err != nil {
			return err
		}
		if cur.IsDefault {
			return errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be deleted")
		}
		if reassignTo == id {
			return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeInvalid, "a different existing category is required")
		}
		if _, err := getCategory(ctx, tx, userID, reassignTo, false); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeInvalid, "a different existing category is required")
			}
			return err
		}
		if _, err := tx.Exec(ctx, move, userID, id, reassignTo, at, r.clk.Now()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, del, id, userID)
		return err
	})
	return classify("delete category", err)
}
