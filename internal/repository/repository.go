// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// EntryRepository provides access to reward entries and the derived balance.
type EntryRepository interface {
	// GetRewardEntry loads a live entry; ErrNotFound when missing or deleted,
	// ErrForbidden when it belongs to another user.
	GetRewardEntry(ctx context.Context, userID, entryID uuid.UUID) (model.RewardEntry, error)
	// GetRewardHistory returns one page of entries, newest first.
	GetRewardHistory(ctx context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error)
	// ListRewardEntries returns every live entry created inside r, newest first.
	ListRewardEntries(ctx context.Context, userID uuid.UUID, r model.DateRange) ([]model.RewardEntry, error)
	// AddRewardEntry persists a new entry and returns the stored value.
	AddRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error)
	// UpdateRewardEntry replaces an existing entry.
	UpdateRewardEntry(ctx context.Context, e model.RewardEntry) (model.RewardEntry, error)
	// DeleteRewardEntry tombstones an entry owned by userID.
	DeleteRewardEntry(ctx context.Context, entryID, userID uuid.UUID) error
	// GetTotalPoints returns the derived balance.
	GetTotalPoints(ctx context.Context, userID uuid.UUID) (int64, error)
	// WatchTotalPoints streams balance values until ctx is done. The current
	// value is sent first.
	WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error)
	// BatchOperations applies every op or none of them.
	BatchOperations(ctx context.Context, userID uuid.UUID, ops []model.ResolvedOp) ([]model.RewardEntry, error)
}

// CategoryRepository provides access to default and custom categories.
type CategoryRepository interface {
	// GetRewardCategories returns defaults plus the user's custom categories.
	GetRewardCategories(ctx context.Context, userID uuid.UUID) ([]model.RewardCategory, error)
	// GetRewardCategory loads one category visible to userID.
	GetRewardCategory(ctx context.Context, userID uuid.UUID, id string) (model.RewardCategory, error)
	// AddRewardCategory stores a custom category; ErrAlreadyExists on a duplicate name.
	AddRewardCategory(ctx context.Context, c model.RewardCategory) (model.RewardCategory, error)
	// UpdateRewardCategory replaces a custom category.
	UpdateRewardCategory(ctx context.Context, c model.RewardCategory) (model.RewardCategory, error)
	// DeleteRewardCategory moves the user's entries to reassignTo and deletes id, atomically.
	DeleteRewardCategory(ctx context.Context, userID uuid.UUID, id, reassignTo string, at time.Time) error
}

// RedemptionRepository provides the option catalog and redemption transactions.
type RedemptionRepository interface {
	// GetRedemptionOptions returns the whole catalog.
	GetRedemptionOptions(ctx context.Context) ([]model.RedemptionOption, error)
	// GetRedemptionOption loads one option.
	GetRedemptionOption(ctx context.Context, id string) (model.RedemptionOption, error)
	// RedeemPoints stores tx after re-checking the balance under a per-user lock;
	// fails with *errs.InsufficientPointsError when the balance no longer covers it.
	RedeemPoints(ctx context.Context, tx model.RedemptionTransaction) (model.RedemptionTransaction, error)
	// GetRedemptionTransaction loads one transaction owned by userID.
	GetRedemptionTransaction(ctx context.Context, id, userID uuid.UUID) (model.RedemptionTransaction, error)
	// UpdateRedemptionStatus persists a status transition if the stored status still equals from.
	UpdateRedemptionStatus(ctx context.Context, tx model.RedemptionTransaction, from model.TransactionStatus) (model.RedemptionTransaction, error)
	// CancelRedemption cancels a pending transaction.
	CancelRedemption(ctx context.Context, id, userID uuid.UUID, reason string, at time.Time) (model.RedemptionTransaction, error)
	// ExpirePending moves every pending transaction redeemed before cutoff to expired.
	ExpirePending(ctx context.Context, cutoff, at time.Time) (int, error)
	// GetRedemptionHistory returns one page of transactions, newest first.
	GetRedemptionHistory(ctx context.Context, userID uuid.UUID, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error)
	// ListRedemptions returns every transaction inside r, newest first.
	ListRedemptions(ctx context.Context, userID uuid.UUID, r model.DateRange) ([]model.RedemptionTransaction, error)
}

// SyncStore exchanges entry changes with another replica.
type SyncStore interface {
	// PendingChanges returns local changes not yet acknowledged (isSynced=false), tombstones included.
	PendingChanges(ctx context.Context, userID uuid.UUID) ([]model.EntryChange, error)
	// ChangesSince returns every change recorded strictly after since, oldest first.
	ChangesSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error)
	// ApplyChanges upserts entries and tombstones atomically, marking them synced.
	ApplyChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) error
	// MarkSynced flags the given entries as acknowledged by the other side.
	MarkSynced(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error
}

// LocalStore is the offline side of sync: an outbox plus the last sync cursor.
type LocalStore interface {
	SyncStore
	// RecordChange stores a locally made change as pending.
	RecordChange(ctx context.Context, ch model.EntryChange) error
	// SyncCursor returns the time of the last successful sync (zero if never).
	SyncCursor(ctx context.Context, userID uuid.UUID) (time.Time, error)
	// SetSyncCursor stores the time of a successful sync.
	SetSyncCursor(ctx context.Context, userID uuid.UUID, at time.Time) error
}

// Ledger is the full repository the ledger service depends on.
type Ledger interface {
	EntryRepository
	CategoryRepository
	RedemptionRepository
	SyncStore
}
