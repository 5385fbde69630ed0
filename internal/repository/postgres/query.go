package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the part of PgxPool and pgx.Tx used by the statement helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

// add appends cond, whose single %d verb receives the argument position.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) raw(cond string) { w.conds = append(w.conds, cond) }

func (w *where) String() string { return strings.Join(w.conds, " AND ") }

// next returns the placeholder for the argument appended after the filters.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) dateRange(col string, r model.DateRange) {
	if r.From != nil {
		w.add(col+" >= $%d", *r.From)
	}
	if r.To != nil {
		w.add(col+" < $%d", *r.To)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func pageOf[T any](items []T, page, limit, total int) model.Page[T] {
	if items == nil {
		items = []T{}
	}
	return model.Page[T]{
		Items:   items,
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasMore: (page-1)*limit+len(items) < total,
	}
}

// lockUser serialises balance-changing statements of one user until the
// surrounding transaction ends.
func lockUser(ctx context.Context, q querier, userID uuid.UUID) error {
	const lock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	_, err := q.Exec(ctx, lock, userID.String())
	return err
}

const balanceQuery = `
SELECT
  (COALESCE((SELECT SUM(points) FROM reward_entries WHERE user_id=$1 AND NOT deleted), 0)
 - COALESCE((SELECT SUM(points_used) FROM redemption_transactions WHERE user_id=$1 AND status <> 'cancelled'), 0))::bigint`

func balance(ctx context.Context, q querier, userID uuid.UUID) (int64, error) {
	var total int64
	if err := q.QueryRow(ctx, balanceQuery, userID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
