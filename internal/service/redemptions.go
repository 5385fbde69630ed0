package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// RedeemPoints validates the request locally, checks the balance and stores a
// pending transaction. The repository re-checks the balance under a per-user
// lock, so concurrent calls cannot overspend.
func (s *LedgerServiceImpl) RedeemPoints(ctx context.Context, req model.RedeemRequest) (model.RedeemResult, error) {
	if err := requireUser(req.UserID); err != nil {
		return model.RedeemResult{}, err
	}
	req.OptionID = strings.TrimSpace(req.OptionID)
	if req.OptionID == "" {
		return model.RedeemResult{}, errs.Validation(errs.RuleRequest, "optionId", errs.CodeRequired, "option is required")
	}
	if err := rules.ValidateNotes("notes", req.Notes); err != nil {
		return model.RedeemResult{}, err
	}

	key := req.UserID.String()
	if s.lim != nil {
		allowed, retry, err := s.lim.Allow(ctx, key)
		if err != nil {
			return model.RedeemResult{}, err
		}
		if !allowed {
			s.log.Info("redeem blocked", zap.String("user", key), zap.Duration("retry_after", retry))
			return model.RedeemResult{}, errs.ErrRateLimited
		}
	}

	res, err := s.redeem(ctx, req)
	if s.lim != nil {
		s.recordAttempt(ctx, key, err)
	}
	return res, err
}

func (s *LedgerServiceImpl) redeem(ctx context.Context, req model.RedeemRequest) (model.RedeemResult, error) {
	now := s.clk.Now()
	opt, err := s.repo.GetRedemptionOption(ctx, req.OptionID)
	if err != nil {
		return model.RedeemResult{}, err
	}
	if !opt.Available(now) {
		return model.RedeemResult{}, errs.Validation(errs.RuleOptionAvailable, "optionId", errs.CodeInvalid,
			fmt.Sprintf("option %s is not available", opt.ID))
	}
	units, err := rules.ValidateRedemptionAmount(req.Points, opt.RequiredPoints)
	if err != nil {
		return model.RedeemResult{}, err
	}
	available, err := s.repo.GetTotalPoints(ctx, req.UserID)
	if err != nil {
		return model.RedeemResult{}, err
	}
	if err := rules.ValidateBalanceSufficiency(available, req.Points); err != nil {
		return model.RedeemResult{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return model.RedeemResult{}, err
	}
	tx, err := s.repo.RedeemPoints(ctx, model.RedemptionTransaction{
		ID:         id,
		UserID:     req.UserID,
		OptionID:   opt.ID,
		PointsUsed: req.Points,
		Units:      units,
		Status:     model.StatusPending,
		RedeemedAt: now,
		Notes:      req.Notes,
	})
	if err != nil {
		return model.RedeemResult{}, err
	}

	remaining, err := s.repo.GetTotalPoints(ctx, req.UserID)
	if err != nil {
		s.log.Warn("balance after redeem", zap.String("user", req.UserID.String()), zap.Error(err))
		remaining = available - req.Points
	}
	return model.RedeemResult{Transaction: tx, UnitsRedeemed: units, RemainingPoints: remaining}, nil
}

// recordAttempt feeds the lockout: rejected amounts and overspending count as
// failures, infrastructure errors are ignored.
func (s *LedgerServiceImpl) recordAttempt(ctx context.Context, key string, err error) {
	switch errs.KindOf(err) {
	case errs.KindNone:
		_ = s.lim.Success(ctx, key)
	case errs.KindValidation, errs.KindInsufficientPoints, errs.KindNotFound:
		if blocked, d, ferr := s.lim.Failure(ctx, key); ferr == nil && blocked {
			s.log.Info("redeem lockout", zap.String("user", key), zap.Duration("for", d))
		}
	}
}

// CancelRedemption cancels a pending transaction. Its points count toward the
// balance again as soon as the status changes.
func (s *LedgerServiceImpl) CancelRedemption(ctx context.Context, userID, txID uuid.UUID, reason string) (model.RedemptionTransaction, error) {
	if err := requireUser(userID); err != nil {
		return model.RedemptionTransaction{}, err
	}
	if err := requireID("transactionId", txID); err != nil {
		return model.RedemptionTransaction{}, err
	}
	reason = strings.TrimSpace(reason)
	if err := rules.ValidateNotes("reason", &reason); err != nil {
		return model.RedemptionTransaction{}, err
	}
	cur, err := s.repo.GetRedemptionTransaction(ctx, txID, userID)
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	now := s.clk.Now()
	if _, err := cur.Cancel(reason, now); err != nil {
		return model.RedemptionTransaction{}, err
	}
	return s.repo.CancelRedemption(ctx, txID, userID, reason, now)
}

// CompleteRedemption records fulfilment of a pending transaction.
func (s *LedgerServiceImpl) CompleteRedemption(ctx context.Context, userID, txID uuid.UUID) (model.RedemptionTransaction, error) {
	if err := requireUser(userID); err != nil {
		return model.RedemptionTransaction{}, err
	}
	if err := requireID("transactionId", txID); err != nil {
		return model.RedemptionTransaction{}, err
	}
	cur, err := s.repo.GetRedemptionTransaction(ctx, txID, userID)
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	next, err := cur.Transition(model.StatusCompleted, s.clk.Now())
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	return s.repo.UpdateRedemptionStatus(ctx, next, cur.Status)
}

// ExpirePendingRedemptions expires every pending transaction redeemed more than
// olderThan ago. A non-positive olderThan uses the configured TTL.
func (s *LedgerServiceImpl) ExpirePendingRedemptions(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.pendingTTL
	}
	now := s.clk.Now()
	n, err := s.repo.ExpirePending(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired pending redemptions", zap.Int("count", n))
	}
	return n, nil
}

// ListRedemptionOptions returns the catalog ordered by cost.
func (s *LedgerServiceImpl) ListRedemptionOptions(ctx context.Context, onlyAvailable bool) ([]model.RedemptionOption, error) {
	opts, err := s.repo.GetRedemptionOptions(ctx)
	if err != nil {
		return nil, err
	}
	if !onlyAvailable {
		return opts, nil
	}
	now := s.clk.Now()
	out := make([]model.RedemptionOption, 0, len(opts))
	for _, o := range opts {
		if o.Available(now) {
			out = append(out, o)
		}
	}
	return out, nil
}
