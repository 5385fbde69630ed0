package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ListCategories returns defaults first, then the user's own categories.
func (s *LedgerServiceImpl) ListCategories(ctx context.Context, userID uuid.UUID) ([]model.RewardCategory, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.repo.GetRewardCategories(ctx, userID)
}

// CreateCategory adds a custom category unless the user already owns the maximum.
func (s *LedgerServiceImpl) CreateCategory(ctx context.Context, userID uuid.UUID, p model.NewCategoryParams) (model.RewardCategory, error) {
	if err := requireUser(userID); err != nil {
		return model.RewardCategory{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return model.RewardCategory{}, err
	}
	c, err := model.NewRewardCategory(id.String(), userID, p, s.clk.Now())
	if err != nil {
		return model.RewardCategory{}, err
	}

	all, err := s.repo.GetRewardCategories(ctx, userID)
	if err != nil {
		return model.RewardCategory{}, err
	}
	owned := 0
	for _, other := range all {
		if !other.IsDefault {
			owned++
		}
	}
	if owned >= s.maxCategories {
		return model.RewardCategory{}, errs.Validation(errs.RuleCategoryName, "", errs.CodeLimitReached,
			fmt.Sprintf("at most %d custom categories are allowed", s.maxCategories))
	}
	return s.repo.AddRewardCategory(ctx, c)
}

// UpdateCategory applies p to a custom category owned by userID.
func (s *LedgerServiceImpl) UpdateCategory(ctx context.Context, userID uuid.UUID, id string, p model.CategoryPatch) (model.RewardCategory, error) {
	if err := requireUser(userID); err != nil {
		return model.RewardCategory{}, err
	}
	cur, err := s.repo.GetRewardCategory(ctx, userID, strings.TrimSpace(id))
	if err != nil {
		return model.RewardCategory{}, err
	}
	next, err := cur.Apply(p, s.clk.Now())
	if err != nil {
		return model.RewardCategory{}, err
	}
	return s.repo.UpdateRewardCategory(ctx, next)
}

// DeleteCategory moves every entry of id to reassignTo and removes id.
// Default categories cannot be deleted.
func (s *LedgerServiceImpl) DeleteCategory(ctx context.Context, userID uuid.UUID, id, reassignTo string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	id, reassignTo = strings.TrimSpace(id), strings.TrimSpace(reassignTo)
	cur, err := s.repo.GetRewardCategory(ctx, userID, id)
	if err != nil {
		return err
	}
	if cur.IsDefault {
		return errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be deleted")
	}
	if reassignTo == "" {
		return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeRequired, "a category to move entries to is required")
	}
	if reassignTo == id {
		return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeInvalid, "entries must move to a different category")
	}
	if _, err := s.repo.GetRewardCategory(ctx, userID, reassignTo); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeInvalid, "category "+reassignTo+" does not exist")
		}
		return err
	}
	return s.repo.DeleteRewardCategory(ctx, userID, id, reassignTo, s.clk.Now())
}
