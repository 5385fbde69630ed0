package service

import (
	"context"
	"testing"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestCategories_CreateAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: " Reading ", Color: "#112233"})
	require.NoError(t, err)
	require.Equal(t, "Reading", c.Name)
	require.Equal(t, f.user, c.UserID)
	require.False(t, c.IsDefault)

	all, err := f.svc.ListCategories(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, all, len(model.DefaultCategories())+1)
	require.Equal(t, c.ID, all[len(all)-1].ID)

	others, err := f.svc.ListCategories(ctx, uuid.Must(uuid.NewV4()))
	require.NoError(t, err)
	require.Len(t, others, len(model.DefaultCategories()))

	_, err = f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: "reading"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: "bad/name"})
	requireRule(t, err, errs.RuleCategoryName, errs.CodeInvalid)
}

func TestCategories_Cap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxCustomCategories(2))

	for _, name := range []string{"One", "Two"} {
		_, err := f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: name})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: "Three"})
	requireRule(t, err, errs.RuleCategoryName, errs.CodeLimitReached)

	_, err = f.svc.CreateCategory(ctx, uuid.Must(uuid.NewV4()), model.NewCategoryParams{Name: "Three"})
	require.NoError(t, err)
}

func TestCategories_DefaultsAreImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	name := "Gym"

	_, err := f.svc.UpdateCategory(ctx, f.user, "fitness", model.CategoryPatch{Name: &name})
	requireRule(t, err, errs.RuleCategoryImmutable, errs.CodeInvalid)

	err = f.svc.DeleteCategory(ctx, f.user, "fitness", "general")
	requireRule(t, err, errs.RuleCategoryImmutable, errs.CodeInvalid)
}

func TestCategories_Update(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: "Garden"})
	require.NoError(t, err)

	color := "#00FF00"
	got, err := f.svc.UpdateCategory(ctx, f.user, c.ID, model.CategoryPatch{Color: &color})
	require.NoError(t, err)
	require.Equal(t, color, got.Color)
	require.Equal(t, "Garden", got.Name)
	require.NotNil(t, got.UpdatedAt)

	_, err = f.svc.UpdateCategory(ctx, uuid.Must(uuid.NewV4()), c.ID, model.CategoryPatch{Color: &color})
	require.ErrorIs(t, err, errs.ErrNotFound)

	bad := "red"
	_, err = f.svc.UpdateCategory(ctx, f.user, c.ID, model.CategoryPatch{Color: &bad})
	requireRule(t, err, errs.RuleCategoryName, errs.CodeInvalid)
}

func TestCategories_DeleteReassignsEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.svc.CreateCategory(ctx, f.user, model.NewCategoryParams{Name: "Garden"})
	require.NoError(t, err)
	e1 := f.add(t, 10, c.ID)
	e2 := f.add(t, 20, c.ID)
	f.add(t, 5, "general")

	err = f.svc.DeleteCategory(ctx, f.user, c.ID, "")
	requireRule(t, err, errs.RuleCategoryRequired, errs.CodeRequired)
	err = f.svc.DeleteCategory(ctx, f.user, c.ID, c.ID)
	requireRule(t, err, errs.RuleCategoryRequired, errs.CodeInvalid)
	err = f.svc.DeleteCategory(ctx, f.user, c.ID, "nowhere")
	requireRule(t, err, errs.RuleCategoryRequired, errs.CodeInvalid)

	require.NoError(t, f.svc.DeleteCategory(ctx, f.user, c.ID, "chores"))

	for _, id := range []uuid.UUID{e1.ID, e2.ID} {
		e, err := f.repo.GetRewardEntry(ctx, f.user, id)
		require.NoError(t, err)
		require.Equal(t, "chores", e.CategoryID)
		require.False(t, e.IsSynced)
	}
	require.Equal(t, int64(35), f.balance(t))

	_, err = f.svc.AddRewardEntry(ctx, f.user, model.NewEntryParams{
		Points: 5, Description: "x", CategoryID: c.ID, Type: model.EntryEarned,
	})
	requireRule(t, err, errs.RuleCategoryRequired, errs.CodeInvalid)
}
