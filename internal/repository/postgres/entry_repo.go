package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

var _ repository.Ledger = (*LedgerRepo)(nil)

// LedgerRepo implements repository.Ledger using PostgreSQL.
type LedgerRepo struct {
	db        *DB
	clk       clock.Clock
	pollEvery time.Duration
}

// Option configures a LedgerRepo.
type Option func(*LedgerRepo)

// WithClock sets the clock stamped on recorded changes.
func WithClock(c clock.Clock) Option { return func(r *LedgerRepo) { r.clk = c } }

// WithPollInterval sets how often WatchTotalPoints re-reads the balance.
func WithPollInterval(d time.Duration) Option { return func(r *LedgerRepo) { r.pollEvery = d } }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB, opts ...Option) *LedgerRepo {
	r := &LedgerRepo{db: db, clk: clock.System{}, pollEvery: time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

const entryCols = `id, user_id, points, description, category_id, type, created_at, updated_at, is_synced`

func scanEntry(row scanner, extra ...any) (model.RewardEntry, error) {
	var (
		e   model.RewardEntry
		typ string
	)
	dest := append([]any{&e.ID, &e.UserID, &e.Points, &e.Description, &e.CategoryID, &typ, &e.CreatedAt, &e.UpdatedAt, &e.IsSynced}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.RewardEntry{}, err
	}
	e.Type = model.EntryType(typ)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = utcPtr(e.UpdatedAt)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]model.RewardEntry, error) {
	defer rows.Close()
	out := make([]model.RewardEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRewardEntry loads a live entry and checks its owner.
func (r *LedgerRepo) GetRewardEntry(ctx context.Context, userID, entryID uuid.UUID) (model.RewardEntry, error) {
	const q = `SELECT ` + entryCols + ` FROM reward_entries WHERE id=$1 AND NOT deleted`
	e, err := scanEntry(r.db.Pool.QueryRow(ctx, q, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RewardEntry{}, errs.ErrNotFound
		}
		return model.RewardEntry{}, classify("get entry", err)
	}
	if e.UserID != userID {
		return model.RewardEntry{}, errs.ErrForbidden
	}
	return e, nil
}

func historyFilter(userID uuid.UUID, q model.HistoryQuery) *where {
	w := &where{}
	w.add("user_id=$%d", userID)
	w.raw("NOT deleted")
	w.dateRange("created_at", q.DateRange)
	if q.CategoryID != "" {
		w.add("category_id=$%d", q.CategoryID)
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		w.add("type = ANY($%d)", types)
	}
	return w
}

// GetRewardHistory returns one page of entries, newest first.
func (r *LedgerRepo) GetRewardHistory(ctx context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error) {
	w := historyFilter(userID, q)

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM reward_entries WHERE `+w.String(), w.args...).Scan(&total); err != nil {
		return model.Page[model.RewardEntry]{}, classify("count entries", err)
	}

	cond := w.String()
	limit := w.next(q.Limit)
	offset := w.next((q.Page - 1) * q.Limit)
	sql := fmt.Sprintf(`SELECT %s FROM reward_entries WHERE %s ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s`,
		entryCols, cond, limit, offset)
	rows, err := r.db.Pool.Query(ctx, sql, w.args...)
	if err != nil {
		return model.Page[model.RewardEntry]{}, classify("list entries", err)
	}
	items, err := collectEntries(rows)
	if err != nil {
		return model.Page[model.RewardEntry]{}, classify("list entries", err)
	}
	return pageOf(items, q.Page, q.Limit, total), nil
}

// ListRewardEntries returns every live entry created inside rng.
func (r *LedgerRepo) ListRewardEntries(ctx context.Context, userID uuid.UUID, rng model.DateRange) ([]model.RewardEntry, error) {
	w := historyFilter(userID, model.HistoryQuery{DateRange: rng})
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+entryCols+` FROM reward_entries WHERE `+w.String()+` ORDER BY created_at DESC, id DESC`, w.args...)
	if err != nil {
		return nil, classify("list entries", err)
	}
	out, err := collectEntries(rows)
	return out, classify("list entries", err)
}

const sqlInsertEntry = `
INSERT INTO reward_entries (id, user_id, points, description, category_id, type, created_at, updated_at, is_synced, deleted, changed_at, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,$10,$11)`

func (r *LedgerRepo) insertEntry(ctx context.Context, q querier, e model.RewardEntry) error {
	_, err := q.Exec(ctx, sqlInsertEntry,
		e.ID, e.UserID, e.Points, e.Description, e.CategoryID, string(e.Type),
		e.CreatedAt, e.UpdatedAt, e.IsSynced, e.LastModified(), r.clk.Now())
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// lockEntry locks a live entry row and checks its owner.
func lockEntry(ctx context.Context, q querier, userID, entryID uuid.UUID) error {
	const sel = `SELECT user_id FROM reward_entries WHERE id=$1 AND NOT deleted FOR UPDATE`
	var owner uuid.UUID
	if err := q.QueryRow(ctx, sel, entryID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if owner != userID {
		return errs.ErrForbidden
	}
	return nil
}

const sqlUpdateEntry = `
UPDATE reward_entries
SET points=$3, description=$4, category_id=$5, type=$6, updated_at=$7, is_synced=$8, changed_at=$9, recorded_at=$10
WHERE id=$1 AND user_id=$2`

func (r *LedgerRepo) updateEntry(ctx context.Context, q querier, e model.RewardEntry) error {
	if err := lockEntry(ctx, q, e.UserID, e.ID); err != nil {
		return err
	}
	_, err := q.Exec(ctx, sqlUpdateEntry, e.ID, e.UserID, e.Points, e.Description, e.CategoryID, string(e.Type),
		e.UpdatedAt, e.IsSynced, e.LastModified(), r.clk.Now())
	return err
}

const sqlTombstoneEntry = `UPDATE reward_entries SET deleted=true, is_synced=false, changed_at=$3, recorded_at=$3 WHERE id=$1 AND user_id=$2`

func (r *LedgerRepo) deleteEntry(ctx context.Context, q querier, userID, entryID uuid.UUID) error {
	if err := lockEntry(ctx, q, userID, entryID); err != nil {
		return err
	}
	_, err := q.Exec(ctx, sqlTombstoneEntry, entryID, userID, r.clk.Now())
	return err
}

// AddRewardEntry inserts a new entry.
func (r *LedgerRepo) AddRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	if err := r.insertEntry(ctx, r.db.Pool, e); err != nil {
		return model.RewardEntry{}, classify("add entry", err)
	}
	return e, nil
}

// UpdateRewardEntry replaces a live entry owned by e.UserID.
func (r *LedgerRepo) UpdateRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	err := r.db.inTx(ctx, func(tx pgx.Tx) error { return r.updateEntry(ctx, tx, e) })
	if err != nil {
		return model.RewardEntry{}, classify("update entry", err)
	}
	return e, nil
}

// DeleteRewardEntry tombstones a live entry owned by userID.
func (r *LedgerRepo) DeleteRewardEntry(ctx context.Context, entryID, userID uuid.UUID) error {
	err := r.db.inTx(ctx, func(tx pgx.Tx) error { return r.deleteEntry(ctx, tx, userID, entryID) })
	return classify("delete entry", err)
}

// GetTotalPoints derives the balance from entries and redemptions.
func (r *LedgerRepo) GetTotalPoints(ctx context.Context, userID uuid.UUID) (int64, error) {
	total, err := balance(ctx, r.db.Pool, userID)
	return total, classify("total points", err)
}

// WatchTotalPoints polls the balance and emits it whenever it changes.
func (r *LedgerRepo) WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error) {
	last, err := r.GetTotalPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	ch := make(chan int64, 1)
	ch <- last

	go func() {
		defer close(ch)
		t := time.NewTicker(r.pollEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			v, err := r.GetTotalPoints(ctx, userID)
			if err != nil || v == last {
				continue
			}
			last = v
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// BatchOperations applies ops in one transaction.
func (r *LedgerRepo) BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.ResolvedOp) ([]model.RewardEntry, error) {
	out := make([]model.RewardEntry, 0, len(ops))
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, op := range ops {
			if op.Entry.UserID != userID {
				return fmt.Errorf("op[%d]: %w", i, errs.ErrForbidden)
			}
			var err error
			switch op.Kind {
			case model.BatchAdd:
				err = r.insertEntry(ctx, tx, op.Entry)
			case model.BatchUpdate:
				err = r.updateEntry(ctx, tx, op.Entry)
			case model.BatchDelete:
				err = r.deleteEntry(ctx, tx, userID, op.Entry.ID)
			default:
				err = errs.Validation(errs.RuleRequest, "kind", errs.CodeInvalid, fmt.Sprintf("unknown op %q", op.Kind))
			}
			if err != nil {
				return fmt.Errorf("op[%d]: %w", i, err)
			}
			out = append(out, op.Entry)
		}
		return nil
	})
	if err != nil {
		return nil, classify("batch", err)
	}
	return out, nil
}
