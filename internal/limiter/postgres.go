package limiter

import (
	"context"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout,
// shared by every server replica.
type PG struct {
	pool     pgxQuerier
	clk      clock.Clock
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return NewPGWithQuerier(pool, window, maxFails, blockFor)
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, clk: clock.System{}, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether attempts for key are currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until, updated_at FROM redeem_limiter WHERE key=$1`
	var blockedUntil time.Time
	var updatedAt time.Time
	err := l.pool.QueryRow(ctx, q, key).Scan(&blockedUntil, &updatedAt)
	switch err {
	case nil:
		now := l.clk.Now()
		if blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for key.
func (l *PG) Success(ctx context.Context, key string) error {
	const q = `
INSERT INTO redeem_limiter (key, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (key)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, key)
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.clk.Now()

	const q = `
INSERT INTO redeem_limiter (key, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (key) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - redeem_limiter.updated_at > $2::interval THEN 1 ELSE redeem_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, key, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE redeem_limiter SET blocked_until=$2 WHERE key=$1`
		if _, err := l.pool.Exec(ctx, upd, key, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
