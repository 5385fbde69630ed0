package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// batchState tracks entries touched earlier in the same batch so later steps
// see their effect.
type batchState struct {
	entries    map[uuid.UUID]model.RewardEntry
	deleted    map[uuid.UUID]bool
	categories map[string]error
}

func (s *LedgerServiceImpl) batchEntry(ctx context.Context, st *batchState, userID, id uuid.UUID) (model.RewardEntry, error) {
	if st.deleted[id] {
		return model.RewardEntry{}, errs.ErrNotFound
	}
	if e, ok := st.entries[id]; ok {
		return e, nil
	}
	return s.repo.GetRewardEntry(ctx, userID, id)
}

func (s *LedgerServiceImpl) batchCategory(ctx context.Context, st *batchState, userID uuid.UUID, id string) error {
	if err, ok := st.categories[id]; ok {
		return err
	}
	err := s.categoryExists(ctx, userID, id)
	st.categories[id] = err
	return err
}

func (s *LedgerServiceImpl) resolve(ctx context.Context, st *batchState, userID uuid.UUID, op model.BatchOp, now time.Time) (model.ResolvedOp, error) {
	switch op.Kind {
	case model.BatchAdd:
		if op.Add == nil {
			return model.ResolvedOp{}, errs.Validation(errs.RuleRequest, "add", errs.CodeRequired, "add payload is required")
		}
		if err := s.batchCategory(ctx, st, userID, op.Add.CategoryID); err != nil {
			return model.ResolvedOp{}, err
		}
		id, err := s.ids.NewID()
		if err != nil {
			return model.ResolvedOp{}, err
		}
		e, err := model.NewRewardEntry(id, userID, *op.Add, now)
		if err != nil {
			return model.ResolvedOp{}, err
		}
		st.entries[e.ID] = e
		return model.ResolvedOp{Kind: model.BatchAdd, Entry: e}, nil

	case model.BatchUpdate:
		if op.Patch == nil {
			return model.ResolvedOp{}, errs.Validation(errs.RuleRequest, "patch", errs.CodeRequired, "patch is required")
		}
		cur, err := s.batchEntry(ctx, st, userID, op.EntryID)
		if err != nil {
			return model.ResolvedOp{}, err
		}
		next, _, err := cur.Apply(*op.Patch, now)
		if err != nil {
			return model.ResolvedOp{}, err
		}
		if next.CategoryID != cur.CategoryID {
			if err := s.batchCategory(ctx, st, userID, next.CategoryID); err != nil {
				return model.ResolvedOp{}, err
			}
		}
		st.entries[next.ID] = next
		return model.ResolvedOp{Kind: model.BatchUpdate, Entry: next}, nil

	case model.BatchDelete:
		cur, err := s.batchEntry(ctx, st, userID, op.EntryID)
		if err != nil {
			return model.ResolvedOp{}, err
		}
		if err := rules.CheckEditWindow(cur.CreatedAt, now); err != nil {
			return model.ResolvedOp{}, err
		}
		delete(st.entries, cur.ID)
		st.deleted[cur.ID] = true
		return model.ResolvedOp{Kind: model.BatchDelete, Entry: cur}, nil
	}
	return model.ResolvedOp{}, errs.Validation(errs.RuleRequest, "kind", errs.CodeInvalid, fmt.Sprintf("unknown op %q", op.Kind))
}

// BatchOperations resolves and validates every step before touching storage,
// then hands the whole list to the repository as one transaction. Any failure
// leaves the ledger unchanged.
func (s *LedgerServiceImpl) BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.BatchOp) ([]model.RewardEntry, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return []model.RewardEntry{}, nil
	}
	if len(ops) > s.maxBatch {
		return nil, errs.Validation(errs.RuleRequest, "ops", errs.CodeLimitReached,
			fmt.Sprintf("batch too large (%d > %d)", len(ops), s.maxBatch))
	}

	now := s.clk.Now()
	st := &batchState{
		entries:    map[uuid.UUID]model.RewardEntry{},
		deleted:    map[uuid.UUID]bool{},
		categories: map[string]error{},
	}
	resolved := make([]model.ResolvedOp, 0, len(ops))
	for i, op := range ops {
		r, err := s.resolve(ctx, st, userID, op, now)
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		resolved = append(resolved, r)
	}
	return s.repo.BatchOperations(ctx, userID, resolved)
}

// checkPushed holds an uploaded change to the rules direct mutations follow.
// Changes to stored entries must fall inside the edit window; new entries need
// an existing category and a creation time that is not in the future. ok is
// false for a tombstone of an entry the server does not hold.
func (s *LedgerServiceImpl) checkPushed(ctx context.Context, st *batchState, userID uuid.UUID, ch model.EntryChange, now time.Time) (model.EntryChange, bool, error) {
	if ch.Entry.UserID != userID {
		return ch, false, errs.ErrForbidden
	}
	if !ch.Deleted {
		if err := ch.Entry.Validate(); err != nil {
			return ch, false, err
		}
	}
	stored, err := s.repo.GetRewardEntry(ctx, userID, ch.Entry.ID)
	switch {
	case err == nil:
		if err := rules.CheckEditWindow(stored.CreatedAt, now); err != nil {
			return ch, false, err
		}
		ch.Entry.CreatedAt = stored.CreatedAt
		if !ch.Deleted && ch.Entry.CategoryID != stored.CategoryID {
			if err := s.batchCategory(ctx, st, userID, ch.Entry.CategoryID); err != nil {
				return ch, false, err
			}
		}
	case errors.Is(err, errs.ErrNotFound):
		if ch.Deleted {
			return ch, false, nil
		}
		if ch.Entry.CreatedAt.After(now) {
			return ch, false, errs.Validation(errs.RuleEditWindow, "createdAt", errs.CodeInvalid, "entry is dated in the future")
		}
		if err := s.batchCategory(ctx, st, userID, ch.Entry.CategoryID); err != nil {
			return ch, false, err
		}
	default:
		return ch, false, err
	}
	if ch.ChangedAt.IsZero() {
		ch.ChangedAt = ch.Entry.LastModified()
	}
	ch.Entry.IsSynced = true
	return ch, true, nil
}

// PushChanges stores changes uploaded by a client. Every change is checked
// before anything is written and the set is applied atomically. Tombstones of
// entries the server never stored are acknowledged without being written.
func (s *LedgerServiceImpl) PushChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) ([]model.EntryChange, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if len(changes) > s.maxBatch {
		return nil, errs.Validation(errs.RuleRequest, "changes", errs.CodeLimitReached,
			fmt.Sprintf("too many changes (%d > %d)", len(changes), s.maxBatch))
	}
	now := s.clk.Now()
	st := &batchState{categories: map[string]error{}}
	accepted := make([]model.EntryChange, 0, len(changes))
	apply := make([]model.EntryChange, 0, len(changes))
	for i, raw := range changes {
		ch, ok, err := s.checkPushed(ctx, st, userID, raw, now)
		if err != nil {
			return nil, fmt.Errorf("change[%d]: %w", i, err)
		}
		accepted = append(accepted, ch)
		if ok {
			apply = append(apply, ch)
		}
	}
	if len(apply) > 0 {
		if err := s.repo.ApplyChanges(ctx, userID, apply); err != nil {
			return nil, err
		}
	}
	s.log.Debug("changes pushed", zap.String("user", userID.String()),
		zap.Int("count", len(accepted)), zap.Int("written", len(apply)))
	return accepted, nil
}

// PullChanges returns every change the server recorded after since, tombstones included.
func (s *LedgerServiceImpl) PullChanges(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return s.repo.ChangesSince(ctx, userID, since)
}
