package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const optionCols = `id, title, description, category_id, required_points, is_active, created_at, expires_at`

func scanOption(row scanner) (model.RedemptionOption, error) {
	var o model.RedemptionOption
	if err := row.Scan(&o.ID, &o.Title, &o.Description, &o.CategoryID, &o.RequiredPoints, &o.IsActive, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return model.RedemptionOption{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExpiresAt = utcPtr(o.ExpiresAt)
	return o, nil
}

// GetRedemptionOptions returns the catalog ordered by price.
func (r *LedgerRepo) GetRedemptionOptions(ctx context.Context) ([]model.RedemptionOption, error) {
	const q = `SELECT ` + optionCols + ` FROM redemption_options ORDER BY required_points, id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, classify("list options", err)
	}
	defer rows.Close()
	out := make([]model.RedemptionOption, 0)
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, classify("list options", err)
		}
		out = append(out, o)
	}
	return out, classify("list options", rows.Err())
}

// GetRedemptionOption loads one option.
func (r *LedgerRepo) GetRedemptionOption(ctx context.Context, id string) (model.RedemptionOption, error) {
	const q = `SELECT ` + optionCols + ` FROM redemption_options WHERE id=$1`
	o, err := scanOption(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RedemptionOption{}, errs.ErrNotFound
	}
	return o, classify("get option", err)
}

const txCols = `id, user_id, option_id, points_used, units, status, redeemed_at, updated_at, notes, cancel_reason`

func scanTx(row scanner) (model.RedemptionTransaction, error) {
	var (
		t      model.RedemptionTransaction
		status string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.OptionID, &t.PointsUsed, &t.Units, &status, &t.RedeemedAt, &t.UpdatedAt, &t.Notes, &t.CancelReason); err != nil {
		return model.RedemptionTransaction{}, err
	}
	t.Status = model.TransactionStatus(status)
	t.RedeemedAt = t.RedeemedAt.UTC()
	t.UpdatedAt = utcPtr(t.UpdatedAt)
	return t, nil
}

func collectTxs(rows pgx.Rows) ([]model.RedemptionTransaction, error) {
	defer rows.Close()
	out := make([]model.RedemptionTransaction, 0)
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RedeemPoints inserts tx while holding the user's advisory lock so that two
// concurrent redemptions cannot both pass the balance check.
func (r *LedgerRepo) RedeemPoints(ctx context.Context, t model.RedemptionTransaction) (model.RedemptionTransaction, error) {
	const ins = `INSERT INTO redemption_transactions (` + txCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, t.UserID); err != nil {
			return err
		}
		available, err := balance(ctx, tx, t.UserID)
		if err != nil {
			return err
		}
		if err := rules.ValidateBalanceSufficiency(available, t.PointsUsed); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, ins, t.ID, t.UserID, t.OptionID, t.PointsUsed, t.Units, string(t.Status),
			t.RedeemedAt, t.UpdatedAt, t.Notes, t.CancelReason)
		switch {
		case isUniqueViolation(err):
			return errs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return errs.ErrNotFound
		}
		return err
	})
	if err != nil {
		return model.RedemptionTransaction{}, classify("redeem", err)
	}
	return t, nil
}

func getTx(ctx context.Context, q querier, id, userID uuid.UUID, forUpdate bool) (model.RedemptionTransaction, error) {
	sql := `SELECT ` + txCols + ` FROM redemption_transactions WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	t, err := scanTx(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RedemptionTransaction{}, errs.ErrNotFound
		}
		return model.RedemptionTransaction{}, err
	}
	if t.UserID != userID {
		return model.RedemptionTransaction{}, errs.ErrForbidden
	}
	return t, nil
}

// GetRedemptionTransaction loads one transaction owned by userID.
func (r *LedgerRepo) GetRedemptionTransaction(ctx context.Context, id, userID uuid.UUID) (model.RedemptionTransaction, error) {
	t, err := getTx(ctx, r.db.Pool, id, userID, false)
	return t, classify("get redemption", err)
}

const sqlSetStatus = `UPDATE redemption_transactions SET status=$2, updated_at=$3, cancel_reason=$4 WHERE id=$1`

// UpdateRedemptionStatus stores a transition when the row still has status from.
func (r *LedgerRepo) UpdateRedemptionStatus(ctx context.Context, t model.RedemptionTransaction, from model.TransactionStatus) (model.RedemptionTransaction, error) {
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := getTx(ctx, tx, t.ID, t.UserID, true)
		if err != nil {
			return err
		}
		if cur.Status != from {
			return errs.ErrVersionConflict
		}
		_, err = tx.Exec(ctx, sqlSetStatus, t.ID, string(t.Status), t.UpdatedAt, t.CancelReason)
		return err
	})
	if err != nil {
		return model.RedemptionTransaction{}, classify("update redemption", err)
	}
	return t, nil
}

// CancelRedemption cancels a pending transaction owned by userID.
func (r *LedgerRepo) CancelRedemption(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) (model.RedemptionTransaction, error) {
	var next model.RedemptionTransaction
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := getTx(ctx, tx, id, userID, true)
		if err != nil {
			return err
		}
		if next, err = cur.Cancel(reason, at); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sqlSetStatus, id, string(next.Status), next.UpdatedAt, next.CancelReason)
		return err
	})
	if err != nil {
		return model.RedemptionTransaction{}, classify("cancel redemption", err)
	}
	return next, nil
}

// ExpirePending expires every pending transaction redeemed before cutoff.
func (r *LedgerRepo) ExpirePending(ctx context.Context, cutoff, at time.Time) (int, error) {
	const upd = `UPDATE redemption_transactions SET status='expired', updated_at=$2 WHERE status='pending' AND redeemed_at < $1`
	tag, err := r.db.Pool.Exec(ctx, upd, cutoff, at)
	if err != nil {
		return 0, classify("expire pending", err)
	}
	return int(tag.RowsAffected()), nil
}

func redemptionFilter(userID uuid.UUID, q model.RedemptionQuery) *where {
	w := &where{}
	w.add("user_id=$%d", userID)
	w.dateRange("redeemed_at", q.DateRange)
	if q.OptionID != "" {
		w.add("option_id=$%d", q.OptionID)
	}
	if len(q.Statuses) > 0 {
		st := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			st[i] = string(s)
		}
		w.add("status = ANY($%d)", st)
	}
	return w
}

// GetRedemptionHistory returns one page of transactions, newest first.
func (r *LedgerRepo) GetRedemptionHistory(ctx context.Context, userID uuid.UUID, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error) {
	w := redemptionFilter(userID, q)

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM redemption_transactions WHERE `+w.String(), w.args...).Scan(&total); err != nil {
		return model.Page[model.RedemptionTransaction]{}, classify("count redemptions", err)
	}

	cond := w.String()
	limit := w.next(q.Limit)
	offset := w.next((q.Page - 1) * q.Limit)
	sql := fmt.Sprintf(`SELECT %s FROM redemption_transactions WHERE %s ORDER BY redeemed_at DESC, id DESC LIMIT %s OFFSET %s`,
		txCols, cond, limit, offset)
	rows, err := r.db.Pool.Query(ctx, sql, w.args...)
	if err != nil {
		return model.Page[model.RedemptionTransaction]{}, classify("list redemptions", err)
	}
	items, err := collectTxs(rows)
	if err != nil {
		return model.Page[model.RedemptionTransaction]{}, classify("list redemptions", err)
	}
	return pageOf(items, q.Page, q.Limit, total), nil
}

// ListRedemptions returns every transaction redeemed inside rng.
func (r *LedgerRepo) ListRedemptions(ctx context.Context, userID uuid.UUID, rng model.DateRange) ([]model.RedemptionTransaction, error) {
	w := redemptionFilter(userID, model.RedemptionQuery{DateRange: rng})
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+txCols+` FROM redemption_transactions WHERE `+w.String()+` ORDER BY redeemed_at DESC, id DESC`, w.args...)
	if err != nil {
		return nil, classify("list redemptions", err)
	}
	out, err := collectTxs(rows)
	return out, classify("list redemptions", err)
}
