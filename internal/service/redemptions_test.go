package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/idgen"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func (f *fixture) redeem(points int64, option string) (model.RedeemResult, error) {
	return f.svc.RedeemPoints(context.Background(), model.RedeemRequest{UserID: f.user, OptionID: option, Points: points})
}

func TestRedeemPoints_MultipleOfRequired(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1000, "general")

	_, err := f.redeem(250, "coffee")
	requireRule(t, err, errs.RuleRedemptionMultiple, errs.CodeNotMultiple)
	require.Equal(t, int64(1000), f.balance(t))

	res, err := f.redeem(300, "coffee")
	require.NoError(t, err)
	require.Equal(t, int64(3), res.UnitsRedeemed)
	require.Equal(t, int64(700), res.RemainingPoints)
	require.Equal(t, model.StatusPending, res.Transaction.Status)
	require.Equal(t, int64(300), res.Transaction.PointsUsed)
	require.Equal(t, int64(3), res.Transaction.Units)
	require.Equal(t, t0, res.Transaction.RedeemedAt)
	require.Equal(t, int64(700), f.balance(t))
}

func TestRedeemPoints_Floor(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1000, "general")

	_, err := f.redeem(99, "coffee")
	requireRule(t, err, errs.RuleMinRedemption, errs.CodeMinValue)

	_, err = f.redeem(99, "day-off")
	requireRule(t, err, errs.RuleMinRedemption, errs.CodeMinValue)

	_, err = f.redeem(400, "movie-night")
	requireRule(t, err, errs.RuleRedemptionMultiple, errs.CodeMinValue)
}

func TestRedeemPoints_Insufficient(t *testing.T) {
	f, cr := newCountingFixture(t)
	f.add(t, 50, "general")
	cr.writes = 0

	_, err := f.redeem(100, "coffee")
	var ipe *errs.InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	require.Equal(t, int64(100), ipe.Required)
	require.Equal(t, int64(50), ipe.Available)
	require.Equal(t, int64(50), ipe.Shortfall())
	require.Equal(t, errs.KindInsufficientPoints, errs.KindOf(err))
	require.Zero(t, cr.writes)
}

func TestRedeemPoints_OptionChecks(t *testing.T) {
	clk := clock.NewManual(t0)
	past := t0.Add(-time.Hour)
	repo := memory.New(memory.WithClock(clk), memory.WithRedemptionOptions(
		model.RedemptionOption{ID: "retired", Title: "Retired", CategoryID: "general", RequiredPoints: 100, IsActive: false, CreatedAt: past},
		model.RedemptionOption{ID: "stale", Title: "Stale", CategoryID: "general", RequiredPoints: 100, IsActive: true, CreatedAt: past, ExpiresAt: &past},
	))
	f := &fixture{
		svc:  NewLedgerService(repo, WithClock(clk), WithIDGenerator(&idgen.Sequential{})),
		repo: repo, clk: clk, user: uuid.Must(uuid.NewV4()),
	}
	f.add(t, 500, "general")

	_, err := f.redeem(100, "retired")
	requireRule(t, err, errs.RuleOptionAvailable, errs.CodeInvalid)
	_, err = f.redeem(100, "stale")
	requireRule(t, err, errs.RuleOptionAvailable, errs.CodeInvalid)
	_, err = f.redeem(100, "unknown")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.redeem(100, " ")
	requireRule(t, err, errs.RuleRequest, errs.CodeRequired)
}

func TestRedeemPoints_ConcurrentNeverOverspends(t *testing.T) {
	f := newFixture(t)
	f.add(t, 1000, "general")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.redeem(100, "coffee")
			mu.Lock()
			defer mu.Unlock()
			switch errs.KindOf(err) {
			case errs.KindNone:
				ok++
			case errs.KindInsufficientPoints:
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
	require.Equal(t, 10, refused)
	require.Equal(t, int64(0), f.balance(t))
}

func TestRedeemPoints_LockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.svc = NewLedgerService(f.repo, WithClock(f.clk), WithIDGenerator(&idgen.Sequential{}),
		WithRedeemLimiter(limiter.NewMemory(f.clk, time.Minute, 2, 10*time.Minute)))
	f.add(t, 1000, "general")

	_, err := f.redeem(150, "coffee")
	requireRule(t, err, errs.RuleRedemptionMultiple, "")
	_, err = f.redeem(150, "coffee")
	requireRule(t, err, errs.RuleRedemptionMultiple, "")

	_, err = f.redeem(100, "coffee")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, errs.KindRateLimited, errs.KindOf(err))

	f.clk.Advance(10 * time.Minute)
	_, err = f.redeem(100, "coffee")
	require.NoError(t, err)
}

func TestCancelRedemption_RestoresBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 600, "general")
	res, err := f.redeem(500, "movie-night")
	require.NoError(t, err)
	require.Equal(t, int64(100), f.balance(t))

	f.clk.Advance(time.Hour)
	tx, err := f.svc.CancelRedemption(ctx, f.user, res.Transaction.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, tx.Status)
	require.NotNil(t, tx.CancelReason)
	require.Equal(t, "changed my mind", *tx.CancelReason)
	require.Equal(t, int64(600), f.balance(t))

	_, err = f.svc.CancelRedemption(ctx, f.user, res.Transaction.ID, "again")
	require.ErrorIs(t, err, errs.ErrFinalTransaction)
	requireRule(t, err, errs.RuleFinalTransaction, errs.CodeInvalid)
}

func TestCancelRedemption_CompletedIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 600, "general")
	res, err := f.redeem(100, "coffee")
	require.NoError(t, err)

	done, err := f.svc.CompleteRedemption(ctx, f.user, res.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, done.Status)

	_, err = f.svc.CancelRedemption(ctx, f.user, res.Transaction.ID, "")
	require.ErrorIs(t, err, errs.ErrFinalTransaction)
	require.Equal(t, int64(500), f.balance(t))

	_, err = f.svc.CompleteRedemption(ctx, f.user, res.Transaction.ID)
	require.ErrorIs(t, err, errs.ErrFinalTransaction)
}

func TestCancelRedemption_Ownership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 600, "general")
	res, err := f.redeem(100, "coffee")
	require.NoError(t, err)

	_, err = f.svc.CancelRedemption(ctx, uuid.Must(uuid.NewV4()), res.Transaction.ID, "")
	require.Contains(t, []errs.Kind{errs.KindAuth, errs.KindNotFound}, errs.KindOf(err))

	_, err = f.svc.CancelRedemption(ctx, f.user, uuid.Must(uuid.NewV4()), "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExpirePendingRedemptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPendingTTL(48*time.Hour))
	f.add(t, 1000, "general")

	old, err := f.redeem(100, "coffee")
	require.NoError(t, err)
	kept, err := f.redeem(100, "coffee")
	require.NoError(t, err)
	_, err = f.svc.CompleteRedemption(ctx, f.user, kept.Transaction.ID)
	require.NoError(t, err)

	f.clk.Advance(24 * time.Hour)
	fresh, err := f.redeem(100, "coffee")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)
	n, err := f.svc.ExpirePendingRedemptions(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.repo.GetRedemptionTransaction(ctx, old.Transaction.ID, f.user)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
	got, err = f.repo.GetRedemptionTransaction(ctx, kept.Transaction.ID, f.user)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	got, err = f.repo.GetRedemptionTransaction(ctx, fresh.Transaction.ID, f.user)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)

	require.Equal(t, int64(700), f.balance(t))
}

func TestListRedemptionOptions(t *testing.T) {
	clk := clock.NewManual(t0)
	repo := memory.New(memory.WithRedemptionOptions(append(model.DefaultRedemptionOptions(),
		model.RedemptionOption{ID: "retired", Title: "Retired", CategoryID: "general", RequiredPoints: 300, CreatedAt: t0})...))
	s := NewLedgerService(repo, WithClock(clk))

	all, err := s.ListRedemptionOptions(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, all, 6)
	require.Equal(t, "coffee", all[0].ID)

	avail, err := s.ListRedemptionOptions(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, avail, 5)
	for _, o := range avail {
		require.NotEqual(t, "retired", o.ID)
	}
}
