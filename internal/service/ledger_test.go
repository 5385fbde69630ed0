package service

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestNewLedgerService_Defaults(t *testing.T) {
	s := NewLedgerService(memory.New())
	require.Equal(t, 1000, s.maxBatch)
	require.Equal(t, model.DefaultMaxCustomCategories, s.maxCategories)
	require.Equal(t, 7*24*time.Hour, s.pendingTTL)
	require.NotNil(t, s.clk)
	require.NotNil(t, s.ids)
	require.NotNil(t, s.log)
}

func TestAddRewardEntry_UpdatesBalance(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, int64(0), f.balance(t))

	e := f.add(t, 120, "fitness")
	require.Equal(t, int64(120), f.balance(t))
	require.Equal(t, f.user, e.UserID)
	require.Equal(t, t0, e.CreatedAt)
	require.False(t, e.IsSynced)
	require.Nil(t, e.UpdatedAt)

	f.add(t, -20, "fitness")
	require.Equal(t, int64(100), f.balance(t))
}

func TestAddRewardEntry_Rejected(t *testing.T) {
	cases := []struct {
		name string
		p    model.NewEntryParams
		rule string
		code string
	}{
		{"zero", model.NewEntryParams{Points: 0, Description: "x", CategoryID: "general", Type: model.EntryEarned}, errs.RulePoints, errs.CodeMinValue},
		{"negative earned", model.NewEntryParams{Points: -5, Description: "x", CategoryID: "general", Type: model.EntryEarned}, errs.RulePoints, errs.CodeNegativeNotAllowed},
		{"negative bonus", model.NewEntryParams{Points: -5, Description: "x", CategoryID: "general", Type: model.EntryBonus}, errs.RulePoints, errs.CodeNegativeNotAllowed},
		{"too large", model.NewEntryParams{Points: 10001, Description: "x", CategoryID: "general", Type: model.EntryBonus}, errs.RulePoints, errs.CodeMaxValueExceeded},
		{"too small adjustment", model.NewEntryParams{Points: -10001, Description: "x", CategoryID: "general", Type: model.EntryAdjusted}, errs.RulePoints, errs.CodeMaxValueExceeded},
		{"blank description", model.NewEntryParams{Points: 5, Description: "   ", CategoryID: "general", Type: model.EntryEarned}, errs.RuleDescription, errs.CodeRequired},
		{"no category", model.NewEntryParams{Points: 5, Description: "x", Type: model.EntryEarned}, errs.RuleCategoryRequired, errs.CodeRequired},
		{"unknown category", model.NewEntryParams{Points: 5, Description: "x", CategoryID: "nope", Type: model.EntryEarned}, errs.RuleCategoryRequired, errs.CodeInvalid},
		{"unknown category wins over bad points", model.NewEntryParams{Points: 0, Description: "x", CategoryID: "nope", Type: model.EntryEarned}, errs.RuleCategoryRequired, errs.CodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, cr := newCountingFixture(t)
			_, err := f.svc.AddRewardEntry(context.Background(), f.user, tc.p)
			requireRule(t, err, tc.rule, tc.code)
			require.Zero(t, cr.writes)
			require.Equal(t, int64(0), f.balance(t))
		})
	}
}

func TestAddRewardEntry_NilUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddRewardEntry(context.Background(), uuid.Nil, model.NewEntryParams{
		Points: 5, Description: "x", CategoryID: "general", Type: model.EntryEarned,
	})
	requireRule(t, err, errs.RuleRequest, errs.CodeRequired)
}

func TestUpdateRewardEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.add(t, 50, "general")

	f.clk.Advance(time.Hour)
	pts := int64(80)
	got, err := f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{Points: &pts})
	require.NoError(t, err)
	require.Equal(t, int64(80), got.Points)
	require.Equal(t, e.Description, got.Description)
	require.Equal(t, e.CategoryID, got.CategoryID)
	require.NotNil(t, got.UpdatedAt)
	require.Equal(t, t0.Add(time.Hour), *got.UpdatedAt)
	require.False(t, got.IsSynced)
	require.Equal(t, int64(80), f.balance(t))

	same := int64(80)
	unchanged, err := f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{Points: &same})
	require.NoError(t, err)
	require.Equal(t, got.UpdatedAt, unchanged.UpdatedAt)
}

func TestUpdateRewardEntry_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.add(t, 50, "general")
	pts := int64(10)

	_, err := f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{})
	requireRule(t, err, errs.RuleRequest, errs.CodeRequired)

	_, err = f.svc.UpdateRewardEntry(ctx, uuid.Must(uuid.NewV4()), e.ID, model.EntryPatch{Points: &pts})
	require.ErrorIs(t, err, errs.ErrForbidden)
	require.Equal(t, errs.KindAuth, errs.KindOf(err))

	_, err = f.svc.UpdateRewardEntry(ctx, f.user, uuid.Must(uuid.NewV4()), model.EntryPatch{Points: &pts})
	require.ErrorIs(t, err, errs.ErrNotFound)

	cat := "missing"
	_, err = f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{CategoryID: &cat})
	requireRule(t, err, errs.RuleCategoryRequired, errs.CodeInvalid)

	neg := int64(-10)
	_, err = f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{Points: &neg})
	requireRule(t, err, errs.RulePoints, errs.CodeNegativeNotAllowed)

	f.clk.Advance(24 * time.Hour)
	_, err = f.svc.UpdateRewardEntry(ctx, f.user, e.ID, model.EntryPatch{Points: &pts})
	requireRule(t, err, errs.RuleEditWindow, errs.CodeExpired)
	require.Equal(t, int64(50), f.balance(t))
}

func TestDeleteRewardEntry_ReportsDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, 200, "general")
	e := f.add(t, 70, "health")

	f.clk.Advance(23 * time.Hour)
	res, err := f.svc.DeleteRewardEntry(ctx, f.user, e.ID, true)
	require.NoError(t, err)
	require.Equal(t, int64(270), res.PreviousTotal)
	require.Equal(t, int64(200), res.NewTotal)
	require.Equal(t, e.ID, res.Entry.ID)
	require.Equal(t, res.NewTotal, f.balance(t))

	_, err = f.svc.DeleteRewardEntry(ctx, f.user, e.ID, true)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteRewardEntry_OutsideWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.add(t, 70, "health")

	f.clk.Advance(24 * time.Hour)
	_, err := f.svc.DeleteRewardEntry(ctx, f.user, e.ID, true)
	requireRule(t, err, errs.RuleEditWindow, errs.CodeExpired)
	require.Equal(t, int64(70), f.balance(t))
}

func TestDeleteRewardEntry_ConfirmationIsCallerSide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	unconfirmed := f.add(t, 70, "health")
	confirmed := f.add(t, 30, "health")

	res, err := f.svc.DeleteRewardEntry(ctx, f.user, unconfirmed.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.PreviousTotal)
	require.Equal(t, int64(30), res.NewTotal)

	res, err = f.svc.DeleteRewardEntry(ctx, f.user, confirmed.ID, true)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.NewTotal)
	require.Equal(t, int64(0), f.balance(t))
}

func TestGetAvailablePoints_PassesRepositoryFailureThrough(t *testing.T) {
	f, cr := newCountingFixture(t)
	dbErr := &errs.DatabaseError{Op: "balance", Err: context.DeadlineExceeded}
	cr.totalErr = dbErr

	_, err := f.svc.GetAvailablePoints(context.Background(), f.user)
	require.Same(t, dbErr, err)
	require.Equal(t, errs.KindDatabase, errs.KindOf(err))
}

func TestWatchTotalPoints(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.svc.WatchTotalPoints(ctx, f.user)
	require.NoError(t, err)
	require.Equal(t, int64(0), <-ch)

	f.add(t, 40, "general")
	select {
	case v := <-ch:
		require.Equal(t, int64(40), v)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	_, err = f.svc.WatchTotalPoints(ctx, uuid.Nil)
	requireRule(t, err, errs.RuleRequest, errs.CodeRequired)
}
