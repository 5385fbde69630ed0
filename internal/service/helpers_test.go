package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/idgen"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc  *LedgerServiceImpl
	repo *memory.Store
	clk  *clock.Manual
	user uuid.UUID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	repo := memory.New(memory.WithClock(clk), memory.WithRedemptionOptions(model.DefaultRedemptionOptions()...))
	base := []Option{WithClock(clk), WithIDGenerator(&idgen.Sequential{})}
	return &fixture{
		svc:  NewLedgerService(repo, append(base, opts...)...),
		repo: repo,
		clk:  clk,
		user: uuid.Must(uuid.NewV4()),
	}
}

func (f *fixture) add(t *testing.T, points int64, cat string) model.RewardEntry {
	t.Helper()
	typ := model.EntryEarned
	if points < 0 {
		typ = model.EntryAdjusted
	}
	e, err := f.svc.AddRewardEntry(context.Background(), f.user, model.NewEntryParams{
		Points: points, Description: "walked the dog", CategoryID: cat, Type: typ,
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	v, err := f.svc.GetAvailablePoints(context.Background(), f.user)
	require.NoError(t, err)
	return v
}

func requireRule(t *testing.T, err error, rule, code string) {
	t.Helper()
	var ve *errs.ValidationError
	require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	require.Equal(t, rule, ve.Rule)
	if code != "" {
		require.Equal(t, code, ve.Code)
	}
}

// countingRepo records writes and can fail selected calls.
type countingRepo struct {
	repository.Ledger
	writes    int
	totalErr  error
	historyIn []model.HistoryQuery
}

var _ repository.Ledger = (*countingRepo)(nil)

func (c *countingRepo) AddRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	c.writes++
	return c.Ledger.AddRewardEntry(ctx, e)
}

func (c *countingRepo) BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.ResolvedOp) ([]model.RewardEntry, error) {
	c.writes++
	return c.Ledger.BatchOperations(ctx, userID, ops)
}

func (c *countingRepo) RedeemPoints(ctx context.Context, tx model.RedemptionTransaction) (model.RedemptionTransaction, error) {
	c.writes++
	return c.Ledger.RedeemPoints(ctx, tx)
}

func (c *countingRepo) GetTotalPoints(ctx context.Context, userID uuid.UUID) (int64, error) {
	if c.totalErr != nil {
		return 0, c.totalErr
	}
	return c.Ledger.GetTotalPoints(ctx, userID)
}

func (c *countingRepo) GetRewardHistory(ctx context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error) {
	c.historyIn = append(c.historyIn, q)
	return c.Ledger.GetRewardHistory(ctx, userID, q)
}

func newCountingFixture(t *testing.T, opts ...Option) (*fixture, *countingRepo) {
	t.Helper()
	f := newFixture(t)
	cr := &countingRepo{Ledger: f.repo}
	base := []Option{WithClock(f.clk), WithIDGenerator(&idgen.Sequential{})}
	f.svc = NewLedgerService(cr, append(base, opts...)...)
	return f, cr
}
