// Package service contains the ledger use cases: entries, redemptions,
// categories, history queries, batches, server-side sync and export.
package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/idgen"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// LedgerService defines every ledger operation available to transports.
type LedgerService interface {
	// AddRewardEntry validates and stores a new entry.
	AddRewardEntry(ctx context.Context, userID uuid.UUID, p model.NewEntryParams) (model.RewardEntry, error)
	// UpdateRewardEntry applies a partial change inside the edit window.
	UpdateRewardEntry(ctx context.Context, userID, entryID uuid.UUID, p model.EntryPatch) (model.RewardEntry, error)
	// DeleteRewardEntry removes an entry inside the edit window and reports the balance delta.
	// Confirmation is gated by the caller; requireConfirmation only records that it was.
	DeleteRewardEntry(ctx context.Context, userID, entryID uuid.UUID, requireConfirmation bool) (model.DeleteResult, error)
	// GetAvailablePoints returns the derived balance.
	GetAvailablePoints(ctx context.Context, userID uuid.UUID) (int64, error)
	// WatchTotalPoints streams balance updates until ctx is done.
	WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error)

	// RedeemPoints spends points on a catalog option.
	RedeemPoints(ctx context.Context, req model.RedeemRequest) (model.RedeemResult, error)
	// CancelRedemption cancels a pending transaction, restoring its points.
	CancelRedemption(ctx context.Context, userID, txID uuid.UUID, reason string) (model.RedemptionTransaction, error)
	// CompleteRedemption marks a pending transaction as fulfilled.
	CompleteRedemption(ctx context.Context, userID, txID uuid.UUID) (model.RedemptionTransaction, error)
	// ExpirePendingRedemptions expires pending transactions older than olderThan.
	ExpirePendingRedemptions(ctx context.Context, olderThan time.Duration) (int, error)
	// ListRedemptionOptions returns the catalog, optionally only what can be redeemed now.
	ListRedemptionOptions(ctx context.Context, onlyAvailable bool) ([]model.RedemptionOption, error)

	// GetRewardHistory returns a filtered page of entries, newest first.
	GetRewardHistory(ctx context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error)
	// GetRedemptionHistory returns a filtered page of transactions, newest first.
	GetRedemptionHistory(ctx context.Context, userID uuid.UUID, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error)
	// GetRewardSummary aggregates entries inside r.
	GetRewardSummary(ctx context.Context, userID uuid.UUID, r model.DateRange) (model.RewardSummary, error)
	// GetRedemptionStats aggregates transactions inside r.
	GetRedemptionStats(ctx context.Context, userID uuid.UUID, r model.DateRange) (model.RedemptionStats, error)

	// ListCategories returns default and custom categories.
	ListCategories(ctx context.Context, userID uuid.UUID) ([]model.RewardCategory, error)
	// CreateCategory adds a custom category.
	CreateCategory(ctx context.Context, userID uuid.UUID, p model.NewCategoryParams) (model.RewardCategory, error)
	// UpdateCategory changes a custom category.
	UpdateCategory(ctx context.Context, userID uuid.UUID, id string, p model.CategoryPatch) (model.RewardCategory, error)
	// DeleteCategory deletes a custom category after moving its entries to reassignTo.
	DeleteCategory(ctx context.Context, userID uuid.UUID, id, reassignTo string) error

	// BatchOperations applies add/update/delete steps all or nothing.
	BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.BatchOp) ([]model.RewardEntry, error)
	// PushChanges accepts changes uploaded by an offline client.
	PushChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) ([]model.EntryChange, error)
	// PullChanges returns changes recorded after since.
	PullChanges(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error)

	// ExportUserData builds a versioned snapshot of the user's ledger.
	ExportUserData(ctx context.Context, userID uuid.UUID) (model.UserExport, error)
	// WriteExport serializes an export as json or csv.
	WriteExport(w io.Writer, x model.UserExport, format string) error
}

const (
	defaultMaxBatch   = 1000
	defaultPendingTTL = 7 * 24 * time.Hour
)

type LedgerServiceImpl struct {
	repo          repository.Ledger
	clk           clock.Clock
	ids           idgen.Generator
	lim           limiter.Limiter
	log           *zap.Logger
	maxBatch      int
	maxCategories int
	pendingTTL    time.Duration
}

var _ LedgerService = (*LedgerServiceImpl)(nil)

// Option customizes a LedgerServiceImpl.
type Option func(*LedgerServiceImpl)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *LedgerServiceImpl) { s.clk = c } }

// WithIDGenerator sets the id source.
func WithIDGenerator(g idgen.Generator) Option { return func(s *LedgerServiceImpl) { s.ids = g } }

// WithRedeemLimiter locks users out after repeated failed redemptions.
func WithRedeemLimiter(l limiter.Limiter) Option { return func(s *LedgerServiceImpl) { s.lim = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *LedgerServiceImpl) { s.log = l } }

// WithMaxBatch caps the number of operations in one batch.
func WithMaxBatch(n int) Option { return func(s *LedgerServiceImpl) { s.maxBatch = n } }

// WithMaxCustomCategories caps the number of categories a user may own.
func WithMaxCustomCategories(n int) Option { return func(s *LedgerServiceImpl) { s.maxCategories = n } }

// WithPendingTTL sets how long a redemption may stay pending before it expires.
func WithPendingTTL(d time.Duration) Option { return func(s *LedgerServiceImpl) { s.pendingTTL = d } }

// NewLedgerService constructs LedgerService over repo.
func NewLedgerService(repo repository.Ledger, opts ...Option) *LedgerServiceImpl {
	s := &LedgerServiceImpl{repo: repo}
	for _, o := range opts {
		o(s)
	}
	if s.clk == nil {
		s.clk = clock.System{}
	}
	if s.ids == nil {
		s.ids = idgen.UUID{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.maxBatch <= 0 {
		s.maxBatch = defaultMaxBatch
	}
	if s.maxCategories <= 0 {
		s.maxCategories = model.DefaultMaxCustomCategories
	}
	if s.pendingTTL <= 0 {
		s.pendingTTL = defaultPendingTTL
	}
	return s
}

func requireUser(userID uuid.UUID) error {
	if userID == uuid.Nil {
		return errs.Validation(errs.RuleRequest, "userId", errs.CodeRequired, "user is required")
	}
	return nil
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return errs.Validation(errs.RuleRequest, field, errs.CodeRequired, field+" is required")
	}
	return nil
}

// categoryExists maps a missing category to a BR-002 violation.
func (s *LedgerServiceImpl) categoryExists(ctx context.Context, userID uuid.UUID, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	_, err := s.repo.GetRewardCategory(ctx, userID, id)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Validation(errs.RuleCategoryRequired, "categoryId", errs.CodeInvalid, "category "+id+" does not exist")
	}
	return err
}

// AddRewardEntry checks the category, validates the fields and persists the entry.
func (s *LedgerServiceImpl) AddRewardEntry(ctx context.Context, userID uuid.UUID, p model.NewEntryParams) (model.RewardEntry, error) {
	if err := requireUser(userID); err != nil {
		return model.RewardEntry{}, err
	}
	if err := s.categoryExists(ctx, userID, p.CategoryID); err != nil {
		return model.RewardEntry{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return model.RewardEntry{}, err
	}
	e, err := model.NewRewardEntry(id, userID, p, s.clk.Now())
	if err != nil {
		return model.RewardEntry{}, err
	}
	return s.repo.AddRewardEntry(ctx, e)
}

// UpdateRewardEntry loads the entry, applies p and persists the result.
// A patch that changes nothing returns the stored entry untouched.
func (s *LedgerServiceImpl) UpdateRewardEntry(ctx context.Context, userID, entryID uuid.UUID, p model.EntryPatch) (model.RewardEntry, error) {
	if err := requireUser(userID); err != nil {
		return model.RewardEntry{}, err
	}
	if err := requireID("entryId", entryID); err != nil {
		return model.RewardEntry{}, err
	}
	cur, err := s.repo.GetRewardEntry(ctx, userID, entryID)
	if err != nil {
		return model.RewardEntry{}, err
	}
	next, changed, err := cur.Apply(p, s.clk.Now())
	if err != nil {
		return model.RewardEntry{}, err
	}
	if !changed {
		return cur, nil
	}
	if next.CategoryID != cur.CategoryID {
		if err := s.categoryExists(ctx, userID, next.CategoryID); err != nil {
			return model.RewardEntry{}, err
		}
	}
	return s.repo.UpdateRewardEntry(ctx, next)
}

// DeleteRewardEntry removes the entry. When requireConfirmation is set the
// caller has already asked the user; the call never waits for input itself.
func (s *LedgerServiceImpl) DeleteRewardEntry(ctx context.Context, userID, entryID uuid.UUID, requireConfirmation bool) (model.DeleteResult, error) {
	if err := requireUser(userID); err != nil {
		return model.DeleteResult{}, err
	}
	if err := requireID("entryId", entryID); err != nil {
		return model.DeleteResult{}, err
	}
	e, err := s.repo.GetRewardEntry(ctx, userID, entryID)
	if err != nil {
		return model.DeleteResult{}, err
	}
	if err := rules.CheckEditWindow(e.CreatedAt, s.clk.Now()); err != nil {
		return model.DeleteResult{}, err
	}
	prev, err := s.repo.GetTotalPoints(ctx, userID)
	if err != nil {
		return model.DeleteResult{}, err
	}
	if err := s.repo.DeleteRewardEntry(ctx, entryID, userID); err != nil {
		return model.DeleteResult{}, err
	}
	s.log.Debug("entry deleted", zap.String("entry", entryID.String()), zap.Bool("confirmed_by_caller", requireConfirmation))
	return model.DeleteResult{Entry: e, PreviousTotal: prev, NewTotal: prev - e.Points}, nil
}

// GetAvailablePoints returns the derived balance.
func (s *LedgerServiceImpl) GetAvailablePoints(ctx context.Context, userID uuid.UUID) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	return s.repo.GetTotalPoints(ctx, userID)
}

// WatchTotalPoints streams the balance, current value first.
func (s *LedgerServiceImpl) WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.repo.WatchTotalPoints(ctx, userID)
}
