package cache

import (
	"context"
	"time"

	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Repository serves balances from Redis. Every balance-changing write of the
// wrapped ledger drops the cached value and publishes the recomputed total;
// only reads fill the cache, and a fill loses to any write that raced it.
// Cache failures are logged and never fail the call.
type Repository struct {
	repository.Ledger
	balances *Balances
	log      *zap.Logger
}

// Wrap decorates inner with the balance cache.
func Wrap(inner repository.Ledger, b *Balances, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{Ledger: inner, balances: b, log: log}
}

func (r *Repository) refresh(ctx context.Context, userID uuid.UUID) {
	gen, err := r.balances.Bump(ctx, userID)
	if err != nil {
		r.log.Warn("balance cache bump", zap.String("user", userID.String()), zap.Error(err))
		return
	}
	total, err := r.Ledger.GetTotalPoints(ctx, userID)
	if err != nil {
		return
	}
	// a newer write publishes its own total
	cur, err := r.balances.Generation(ctx, userID)
	if err != nil || cur != gen {
		return
	}
	if err := r.balances.Publish(ctx, userID, total); err != nil {
		r.log.Warn("balance publish", zap.String("user", userID.String()), zap.Error(err))
	}
}

// GetTotalPoints returns the cached balance, loading it on a miss.
func (r *Repository) GetTotalPoints(ctx context.Context, userID uuid.UUID) (int64, error) {
	v, ok, err := r.balances.Get(ctx, userID)
	if err != nil {
		r.log.Warn("balance cache get", zap.String("user", userID.String()), zap.Error(err))
	}
	if ok {
		return v, nil
	}
	gen, genErr := r.balances.Generation(ctx, userID)
	total, err := r.Ledger.GetTotalPoints(ctx, userID)
	if err != nil {
		return 0, err
	}
	if genErr != nil {
		return total, nil
	}
	if _, err := r.balances.Fill(ctx, userID, gen, total); err != nil {
		r.log.Warn("balance cache fill", zap.String("user", userID.String()), zap.Error(err))
	}
	return total, nil
}

// WatchTotalPoints follows the Redis channel so that writes made through any
// replica reach the watcher. Without Redis it falls back to the wrapped ledger.
func (r *Repository) WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error) {
	sub, err := r.balances.Subscribe(ctx, userID)
	if err != nil {
		r.log.Warn("balance subscribe", zap.String("user", userID.String()), zap.Error(err))
		return r.Ledger.WatchTotalPoints(ctx, userID)
	}
	current, err := r.Ledger.GetTotalPoints(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan int64, 1)
	out <- current
	go func() {
		defer close(out)
		last := current
		for v := range sub {
			if v == last {
				continue
			}
			last = v
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// AddRewardEntry implements repository.EntryRepository.
func (r *Repository) AddRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	out, err := r.Ledger.AddRewardEntry(ctx, e)
	if err == nil {
		r.refresh(ctx, e.UserID)
	}
	return out, err
}

// UpdateRewardEntry implements repository.EntryRepository.
func (r *Repository) UpdateRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	out, err := r.Ledger.UpdateRewardEntry(ctx, e)
	if err == nil {
		r.refresh(ctx, e.UserID)
	}
	return out, err
}

// DeleteRewardEntry implements repository.EntryRepository.
func (r *Repository) DeleteRewardEntry(ctx context.Context, entryID, userID uuid.UUID) error {
	err := r.Ledger.DeleteRewardEntry(ctx, entryID, userID)
	if err == nil {
		r.refresh(ctx, userID)
	}
	return err
}

// BatchOperations implements repository.EntryRepository.
func (r *Repository) BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.ResolvedOp) ([]model.RewardEntry, error) {
	out, err := r.Ledger.BatchOperations(ctx, userID, ops)
	if err == nil {
		r.refresh(ctx, userID)
	}
	return out, err
}

// RedeemPoints implements repository.RedemptionRepository.
func (r *Repository) RedeemPoints(ctx context.Context, tx model.RedemptionTransaction) (model.RedemptionTransaction, error) {
	out, err := r.Ledger.RedeemPoints(ctx, tx)
	if err == nil {
		r.refresh(ctx, tx.UserID)
	}
	return out, err
}

// UpdateRedemptionStatus implements repository.RedemptionRepository.
func (r *Repository) UpdateRedemptionStatus(ctx context.Context, tx model.RedemptionTransaction, from model.TransactionStatus) (model.RedemptionTransaction, error) {
	out, err := r.Ledger.UpdateRedemptionStatus(ctx, tx, from)
	if err == nil {
		r.refresh(ctx, tx.UserID)
	}
	return out, err
}

// CancelRedemption implements repository.RedemptionRepository.
func (r *Repository) CancelRedemption(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) (model.RedemptionTransaction, error) {
	out, err := r.Ledger.CancelRedemption(ctx, id, userID, reason, at)
	if err == nil {
		r.refresh(ctx, userID)
	}
	return out, err
}

// ApplyChanges implements repository.SyncStore.
func (r *Repository) ApplyChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) error {
	err := r.Ledger.ApplyChanges(ctx, userID, changes)
	if err == nil {
		r.refresh(ctx, userID)
	}
	return err
}
