package service

import (
	"context"
	"fmt"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GetRewardHistory returns one page of entries matching every filter of q.
// Zero page and limit take the defaults.
func (s *LedgerServiceImpl) GetRewardHistory(ctx context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error) {
	if err := requireUser(userID); err != nil {
		return model.Page[model.RewardEntry]{}, err
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return model.Page[model.RewardEntry]{}, err
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return model.Page[model.RewardEntry]{}, errs.Validation(errs.RulePagination, "types", errs.CodeInvalid,
				fmt.Sprintf("unknown entry type %q", t))
		}
	}
	return s.repo.GetRewardHistory(ctx, userID, q)
}

// GetRedemptionHistory returns one page of transactions matching every filter of q.
func (s *LedgerServiceImpl) GetRedemptionHistory(ctx context.Context, userID uuid.UUID, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error) {
	if err := requireUser(userID); err != nil {
		return model.Page[model.RedemptionTransaction]{}, err
	}
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return model.Page[model.RedemptionTransaction]{}, err
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return model.Page[model.RedemptionTransaction]{}, errs.Validation(errs.RulePagination, "statuses", errs.CodeInvalid,
				fmt.Sprintf("unknown status %q", st))
		}
	}
	return s.repo.GetRedemptionHistory(ctx, userID, q)
}

// GetRewardSummary aggregates the same entries GetRewardHistory would list for r.
func (s *LedgerServiceImpl) GetRewardSummary(ctx context.Context, userID uuid.UUID, r model.DateRange) (model.RewardSummary, error) {
	if err := requireUser(userID); err != nil {
		return model.RewardSummary{}, err
	}
	if err := r.Validate(); err != nil {
		return model.RewardSummary{}, err
	}
	es, err := s.repo.ListRewardEntries(ctx, userID, r)
	if err != nil {
		return model.RewardSummary{}, err
	}
	return model.SummarizeEntries(es), nil
}

// GetRedemptionStats aggregates the transactions redeemed inside r.
func (s *LedgerServiceImpl) GetRedemptionStats(ctx context.Context, userID uuid.UUID, r model.DateRange) (model.RedemptionStats, error) {
	if err := requireUser(userID); err != nil {
		return model.RedemptionStats{}, err
	}
	if err := r.Validate(); err != nil {
		return model.RedemptionStats{}, err
	}
	ts, err := s.repo.ListRedemptions(ctx, userID, r)
	if err != nil {
		return model.RedemptionStats{}, err
	}
	return model.SummarizeRedemptions(ts), nil
}
