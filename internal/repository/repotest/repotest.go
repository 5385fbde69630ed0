// Package repotest holds a behaviour suite shared by every repository backend.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

// Factory opens a backend seeded with the default categories and redemption options.
type Factory func(t *testing.T, clk clock.Clock) repository.Ledger

// LocalFactory opens an offline store.
type LocalFactory func(t *testing.T, clk clock.Clock) repository.LocalStore

// Start is the manual clock origin used by the suite.
var Start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}

// Entry builds a valid entry for userID created at at.
func Entry(t *testing.T, userID uuid.UUID, points int64, cat string, at time.Time) model.RewardEntry {
	t.Helper()
	typ := model.EntryEarned
	if points < 0 {
		typ = model.EntryAdjusted
	}
	e, err := model.NewRewardEntry(newID(t), userID, model.NewEntryParams{
		Points: points, Description: "did a thing", CategoryID: cat, Type: typ,
	}, at)
	require.NoError(t, err)
	return e
}

// RequireSameEntry compares entries with time equality instead of struct equality.
func RequireSameEntry(t *testing.T, want, got model.RewardEntry) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.UserID, got.UserID)
	require.Equal(t, want.Points, got.Points)
	require.Equal(t, want.Description, got.Description)
	require.Equal(t, want.CategoryID, got.CategoryID)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.IsSynced, got.IsSynced)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %s != %s", want.CreatedAt, got.CreatedAt)
	if want.UpdatedAt == nil {
		require.Nil(t, got.UpdatedAt)
	} else {
		require.NotNil(t, got.UpdatedAt)
		require.True(t, want.UpdatedAt.Equal(*got.UpdatedAt))
	}
}

func pendingTx(t *testing.T, userID uuid.UUID, option string, points int64, at time.Time) model.RedemptionTransaction {
	t.Helper()
	return model.RedemptionTransaction{
		ID: newID(t), UserID: userID, OptionID: option, PointsUsed: points,
		Units: 1, Status: model.StatusPending, RedeemedAt: at,
	}
}

// Run executes the suite against the backend produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("EntryLifecycle", func(t *testing.T) { testEntryLifecycle(t, newRepo) })
	t.Run("Ownership", func(t *testing.T) { testOwnership(t, newRepo) })
	t.Run("History", func(t *testing.T) { testHistory(t, newRepo) })
	t.Run("Batch", func(t *testing.T) { testBatch(t, newRepo) })
	t.Run("Redemptions", func(t *testing.T) { testRedemptions(t, newRepo) })
	t.Run("ExpirePending", func(t *testing.T) { testExpirePending(t, newRepo) })
	t.Run("Categories", func(t *testing.T) { testCategories(t, newRepo) })
	t.Run("Sync", func(t *testing.T) { testSync(t, newRepo) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, newRepo) })
}

func testEntryLifecycle(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	clk := clock.NewManual(Start)
	r := newRepo(t, clk)
	user := newID(t)

	e := Entry(t, user, 50, "fitness", Start)
	got, err := r.AddRewardEntry(ctx, e)
	require.NoError(t, err)
	RequireSameEntry(t, e, got)

	_, err = r.AddRewardEntry(ctx, e)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	loaded, err := r.GetRewardEntry(ctx, user, e.ID)
	require.NoError(t, err)
	RequireSameEntry(t, e, loaded)

	clk.Advance(time.Hour)
	pts := int64(75)
	upd, changed, err := loaded.Apply(model.EntryPatch{Points: &pts}, clk.Now())
	require.NoError(t, err)
	require.True(t, changed)
	_, err = r.UpdateRewardEntry(ctx, upd)
	require.NoError(t, err)

	loaded, err = r.GetRewardEntry(ctx, user, e.ID)
	require.NoError(t, err)
	RequireSameEntry(t, upd, loaded)

	total, err := r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(75), total)

	require.NoError(t, r.DeleteRewardEntry(ctx, e.ID, user))
	_, err = r.GetRewardEntry(ctx, user, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, r.DeleteRewardEntry(ctx, e.ID, user), errs.ErrNotFound)
	_, err = r.UpdateRewardEntry(ctx, upd)
	require.ErrorIs(t, err, errs.ErrNotFound)

	total, err = r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Zero(t, total)
}

func testOwnership(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	r := newRepo(t, clock.NewManual(Start))
	owner, other := newID(t), newID(t)

	e := Entry(t, owner, 10, "general", Start)
	_, err := r.AddRewardEntry(ctx, e)
	require.NoError(t, err)

	_, err = r.GetRewardEntry(ctx, other, e.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
	require.ErrorIs(t, r.DeleteRewardEntry(ctx, e.ID, other), errs.ErrForbidden)

	_, err = r.GetRewardEntry(ctx, owner, newID(t))
	require.ErrorIs(t, err, errs.ErrNotFound)

	total, err := r.GetTotalPoints(ctx, other)
	require.NoError(t, err)
	require.Zero(t, total)
}

func testHistory(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	r := newRepo(t, clock.NewManual(Start))
	user := newID(t)

	var added []model.RewardEntry
	for i := 0; i < 5; i++ {
		cat := "fitness"
		if i%2 == 1 {
			cat = "learning"
		}
		e := Entry(t, user, int64(10*(i+1)), cat, Start.Add(time.Duration(i)*time.Hour))
		_, err := r.AddRewardEntry(ctx, e)
		require.NoError(t, err)
		added = append(added, e)
	}
	_, err := r.AddRewardEntry(ctx, Entry(t, newID(t), 10, "fitness", Start))
	require.NoError(t, err)

	page, err := r.GetRewardHistory(ctx, user, model.HistoryQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.True(t, page.HasMore)
	require.Len(t, page.Items, 2)
	require.Equal(t, added[4].ID, page.Items[0].ID)
	require.Equal(t, added[3].ID, page.Items[1].ID)

	page, err = r.GetRewardHistory(ctx, user, model.HistoryQuery{Page: 3, Limit: 2})
	require.NoError(t, err)
	require.False(t, page.HasMore)
	require.Len(t, page.Items, 1)
	require.Equal(t, added[0].ID, page.Items[0].ID)

	page, err = r.GetRewardHistory(ctx, user, model.HistoryQuery{Page: 9, Limit: 2})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)

	from, to := Start.Add(time.Hour), Start.Add(3*time.Hour)
	page, err = r.GetRewardHistory(ctx, user, model.HistoryQuery{
		DateRange: model.DateRange{From: &from, To: &to}, Page: 1, Limit: 10, CategoryID: "learning",
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, added[1].ID, page.Items[0].ID)

	all, err := r.ListRewardEntries(ctx, user, model.DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func testBatch(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	r := newRepo(t, clock.NewManual(Start))
	user := newID(t)

	existing := Entry(t, user, 40, "general", Start)
	_, err := r.AddRewardEntry(ctx, existing)
	require.NoError(t, err)

	good := Entry(t, user, 20, "general", Start)
	missing := Entry(t, user, 30, "general", Start)
	_, err = r.BatchOperations(ctx, user, []model.ResolvedOp{
		{Kind: model.BatchAdd, Entry: good},
		{Kind: model.BatchUpdate, Entry: missing},
	})
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = r.GetRewardEntry(ctx, user, good.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	out, err := r.BatchOperations(ctx, user, []model.ResolvedOp{
		{Kind: model.BatchAdd, Entry: good},
		{Kind: model.BatchDelete, Entry: existing},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	total, err := r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(20), total)
}

func testRedemptions(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	clk := clock.NewManual(Start)
	r := newRepo(t, clk)
	user := newID(t)

	opts, err := r.GetRedemptionOptions(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, opts)
	coffee, err := r.GetRedemptionOption(ctx, "coffee")
	require.NoError(t, err)
	require.Equal(t, int64(100), coffee.RequiredPoints)
	_, err = r.GetRedemptionOption(ctx, "no-such-option")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = r.AddRewardEntry(ctx, Entry(t, user, 250, "general", Start))
	require.NoError(t, err)

	first := pendingTx(t, user, "coffee", 200, Start.Add(time.Minute))
	_, err = r.RedeemPoints(ctx, first)
	require.NoError(t, err)

	_, err = r.RedeemPoints(ctx, pendingTx(t, user, "coffee", 100, Start.Add(2*time.Minute)))
	var ins *errs.InsufficientPointsError
	require.True(t, errors.As(err, &ins))
	require.Equal(t, int64(50), ins.Available)

	total, err := r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(50), total)

	_, err = r.GetRedemptionTransaction(ctx, first.ID, newID(t))
	require.ErrorIs(t, err, errs.ErrForbidden)

	cancelled, err := r.CancelRedemption(ctx, first.ID, user, "changed my mind", Start.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)

	_, err = r.CancelRedemption(ctx, first.ID, user, "", Start.Add(time.Hour))
	require.ErrorIs(t, err, errs.ErrFinalTransaction)

	total, err = r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(250), total)

	second := pendingTx(t, user, "coffee", 100, Start.Add(3*time.Minute))
	_, err = r.RedeemPoints(ctx, second)
	require.NoError(t, err)
	done, err := second.Transition(model.StatusCompleted, Start.Add(4*time.Minute))
	require.NoError(t, err)
	_, err = r.UpdateRedemptionStatus(ctx, done, model.StatusCompleted)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	_, err = r.UpdateRedemptionStatus(ctx, done, model.StatusPending)
	require.NoError(t, err)

	loaded, err := r.GetRedemptionTransaction(ctx, second.ID, user)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, loaded.Status)

	page, err := r.GetRedemptionHistory(ctx, user, model.RedemptionQuery{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Equal(t, second.ID, page.Items[0].ID)

	page, err = r.GetRedemptionHistory(ctx, user, model.RedemptionQuery{
		Page: 1, Limit: 10, Statuses: []model.TransactionStatus{model.StatusCancelled},
	})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, first.ID, page.Items[0].ID)

	all, err := r.ListRedemptions(ctx, user, model.DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testExpirePending(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	r := newRepo(t, clock.NewManual(Start))
	user := newID(t)

	_, err := r.AddRewardEntry(ctx, Entry(t, user, 1000, "general", Start))
	require.NoError(t, err)
	old := pendingTx(t, user, "coffee", 100, Start)
	fresh := pendingTx(t, user, "coffee", 100, Start.Add(48*time.Hour))
	for _, tx := range []model.RedemptionTransaction{old, fresh} {
		_, err = r.RedeemPoints(ctx, tx)
		require.NoError(t, err)
	}

	n, err := r.ExpirePending(ctx, Start.Add(24*time.Hour), Start.Add(72*time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	got, err := r.GetRedemptionTransaction(ctx, old.ID, user)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
	got, err = r.GetRedemptionTransaction(ctx, fresh.ID, user)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)

	total, err := r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(800), total)
}

func testCategories(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	r := newRepo(t, clock.NewManual(Start))
	user, other := newID(t), newID(t)

	cats, err := r.GetRewardCategories(ctx, user)
	require.NoError(t, err)
	require.Len(t, cats, len(model.DefaultCategories()))

	c, err := model.NewRewardCategory(newID(t).String(), user, model.NewCategoryParams{Name: "Reading", Color: "#112233"}, Start)
	require.NoError(t, err)
	_, err = r.AddRewardCategory(ctx, c)
	require.NoError(t, err)

	dup, err := model.NewRewardCategory(newID(t).String(), user, model.NewCategoryParams{Name: "reading"}, Start)
	require.NoError(t, err)
	_, err = r.AddRewardCategory(ctx, dup)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	cats, err = r.GetRewardCategories(ctx, user)
	require.NoError(t, err)
	require.Len(t, cats, len(model.DefaultCategories())+1)
	require.Equal(t, c.ID, cats[len(cats)-1].ID)

	_, err = r.GetRewardCategory(ctx, other, c.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	name := "Books"
	upd, err := c.Apply(model.CategoryPatch{Name: &name}, Start.Add(time.Minute))
	require.NoError(t, err)
	_, err = r.UpdateRewardCategory(ctx, upd)
	require.NoError(t, err)
	got, err := r.GetRewardCategory(ctx, user, c.ID)
	require.NoError(t, err)
	require.Equal(t, "Books", got.Name)

	e := Entry(t, user, 30, c.ID, Start)
	_, err = r.AddRewardEntry(ctx, e)
	require.NoError(t, err)

	at := Start.Add(2 * time.Hour)
	require.NoError(t, r.DeleteRewardCategory(ctx, user, c.ID, "learning", at))
	_, err = r.GetRewardCategory(ctx, user, c.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	moved, err := r.GetRewardEntry(ctx, user, e.ID)
	require.NoError(t, err)
	require.Equal(t, "learning", moved.CategoryID)
	require.False(t, moved.IsSynced)
	require.NotNil(t, moved.UpdatedAt)

	err = r.DeleteRewardCategory(ctx, user, "general", "learning", at)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func testSync(t *testing.T, newRepo Factory) {
	ctx := context.Background()
	clk := clock.NewManual(Start)
	r := newRepo(t, clk)
	user := newID(t)

	a := Entry(t, user, 10, "general", Start)
	b := Entry(t, user, 20, "general", Start)
	for _, e := range []model.RewardEntry{a, b} {
		_, err := r.AddRewardEntry(ctx, e)
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)
	require.NoError(t, r.DeleteRewardEntry(ctx, b.ID, user))

	pending, err := r.PendingChanges(ctx, user)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	byID := map[uuid.UUID]model.EntryChange{}
	for _, ch := range pending {
		byID[ch.Entry.ID] = ch
	}
	require.False(t, byID[a.ID].Deleted)
	require.True(t, byID[b.ID].Deleted)

	require.NoError(t, r.MarkSynced(ctx, user, []uuid.UUID{a.ID, b.ID}))
	pending, err = r.PendingChanges(ctx, user)
	require.NoError(t, err)
	require.Empty(t, pending)

	mark := clk.Now()
	clk.Advance(time.Minute)
	remote := Entry(t, user, 5, "social", Start)
	require.NoError(t, r.ApplyChanges(ctx, user, []model.EntryChange{
		{Entry: remote, ChangedAt: remote.CreatedAt},
	}))

	got, err := r.GetRewardEntry(ctx, user, remote.ID)
	require.NoError(t, err)
	require.True(t, got.IsSynced)

	since, err := r.ChangesSince(ctx, user, mark)
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, remote.ID, since[0].Entry.ID)

	all, err := r.ChangesSince(ctx, user, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	err = r.ApplyChanges(ctx, user, []model.EntryChange{
		{Entry: Entry(t, user, 1, "general", Start)},
		{Entry: Entry(t, newID(t), 1, "general", Start)},
	})
	require.Error(t, err)
	all, err = r.ChangesSince(ctx, user, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	// another user cannot take over or tombstone a's row by reusing its id
	intruder := newID(t)
	stolen := a
	stolen.UserID = intruder
	err = r.ApplyChanges(ctx, intruder, []model.EntryChange{{Entry: stolen, Deleted: true, ChangedAt: clk.Now()}})
	require.ErrorIs(t, err, errs.ErrForbidden)
	got, err = r.GetRewardEntry(ctx, user, a.ID)
	require.NoError(t, err)
	require.Equal(t, user, got.UserID)
	total, err := r.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(15), total)
}

func testWatch(t *testing.T, newRepo Factory) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRepo(t, clock.NewManual(Start))
	user := newID(t)

	_, err := r.AddRewardEntry(ctx, Entry(t, user, 10, "general", Start))
	require.NoError(t, err)

	ch, err := r.WatchTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Equal(t, int64(10), <-ch)

	_, err = r.AddRewardEntry(ctx, Entry(t, user, 15, "general", Start))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case v := <-ch:
			return v == 25
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

// RunLocal executes the offline-store checks against newStore.
func RunLocal(t *testing.T, newStore LocalFactory) {
	ctx := context.Background()
	clk := clock.NewManual(Start)
	s := newStore(t, clk)
	user := newID(t)

	cur, err := s.SyncCursor(ctx, user)
	require.NoError(t, err)
	require.True(t, cur.IsZero())

	e := Entry(t, user, 40, "general", Start)
	require.NoError(t, s.RecordChange(ctx, model.EntryChange{Entry: e, ChangedAt: e.CreatedAt}))
	gone := Entry(t, user, 10, "general", Start)
	require.NoError(t, s.RecordChange(ctx, model.EntryChange{Entry: gone, Deleted: true, ChangedAt: Start.Add(time.Minute)}))

	pending, err := s.PendingChanges(ctx, user)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, e.ID, pending[0].Entry.ID)
	require.True(t, pending[1].Deleted)

	require.NoError(t, s.MarkSynced(ctx, user, []uuid.UUID{e.ID}))
	pending, err = s.PendingChanges(ctx, user)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, gone.ID, pending[0].Entry.ID)

	at := Start.Add(time.Hour)
	require.NoError(t, s.SetSyncCursor(ctx, user, at))
	cur, err = s.SyncCursor(ctx, user)
	require.NoError(t, err)
	require.True(t, at.Equal(cur))

	incoming := Entry(t, user, 7, "social", Start)
	require.NoError(t, s.ApplyChanges(ctx, user, []model.EntryChange{{Entry: incoming, ChangedAt: Start}}))
	pending, err = s.PendingChanges(ctx, user)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	intruder := newID(t)
	stolen := incoming
	stolen.UserID = intruder
	err = s.ApplyChanges(ctx, intruder, []model.EntryChange{{Entry: stolen, Deleted: true, ChangedAt: Start.Add(time.Hour)}})
	require.ErrorIs(t, err, errs.ErrForbidden)
	mine, err := s.ChangesSince(ctx, user, time.Time{})
	require.NoError(t, err)
	for _, ch := range mine {
		if ch.Entry.ID == incoming.ID {
			require.False(t, ch.Deleted)
		}
	}
}
