package model

import (
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/gofrs/uuid/v5"
)

// RedemptionOption is a catalog item that can be bought with points.
type RedemptionOption struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	CategoryID     string     `json:"categoryId"`
	RequiredPoints int64      `json:"requiredPoints"`
	IsActive       bool       `json:"isActive"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// Available reports whether the option is active and not expired at now.
func (o RedemptionOption) Available(now time.Time) bool {
	if !o.IsActive || o.RequiredPoints <= 0 {
		return false
	}
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}

// TransactionStatus is the state of a redemption.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusCancelled TransactionStatus = "cancelled"
	StatusExpired   TransactionStatus = "expired"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsFinal reports whether no further transition is allowed.
func (s TransactionStatus) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TransactionStatus) bool {
	return from == StatusPending && (to == StatusCompleted || to == StatusCancelled || to == StatusExpired)
}

// DeductsBalance reports whether points used by a transaction in this state count against the balance.
func (s TransactionStatus) DeductsBalance() bool { return s != StatusCancelled }

// RedemptionTransaction records points spent on an option.
type RedemptionTransaction struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"userId"`
	OptionID     string            `json:"optionId"`
	PointsUsed   int64             `json:"pointsUsed"`
	Units        int64             `json:"units"`
	Status       TransactionStatus `json:"status"`
	RedeemedAt   time.Time         `json:"redeemedAt"`
	UpdatedAt    *time.Time        `json:"updatedAt"`
	Notes        *string           `json:"notes"`
	CancelReason *string           `json:"cancelReason"`
}

// Transition returns a copy moved to status to at now.
func (t RedemptionTransaction) Transition(to TransactionStatus, now time.Time) (RedemptionTransaction, error) {
	if t.Status.IsFinal() {
		return t, &errs.ValidationError{
			Rule: errs.RuleFinalTransaction, Field: "status", Code: errs.CodeInvalid,
			Msg: fmt.Sprintf("transaction is %s", t.Status), Err: errs.ErrFinalTransaction,
		}
	}
	if !CanTransition(t.Status, to) {
		return t, errs.Validation(errs.RuleFinalTransaction, "status", errs.CodeInvalid,
			fmt.Sprintf("cannot move from %s to %s", t.Status, to))
	}
	next := t
	next.Status = to
	ts := now
	next.UpdatedAt = &ts
	return next, nil
}

// Cancel moves a pending transaction to cancelled, recording reason.
func (t RedemptionTransaction) Cancel(reason string, now time.Time) (RedemptionTransaction, error) {
	next, err := t.Transition(StatusCancelled, now)
	if err != nil {
		return t, err
	}
	if reason != "" {
		r := reason
		next.CancelReason = &r
	}
	return next, nil
}

// RedeemRequest is the input of a redemption.
type RedeemRequest struct {
	UserID   uuid.UUID `json:"userId"`
	OptionID string    `json:"optionId"`
	Points   int64     `json:"points"`
	Notes    *string   `json:"notes,omitempty"`
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	Transaction     RedemptionTransaction `json:"transaction"`
	UnitsRedeemed   int64                 `json:"unitsRedeemed"`
	RemainingPoints int64                 `json:"remainingPoints"`
}

// DefaultRedemptionOptions is the catalog shipped with a fresh database.
func DefaultRedemptionOptions() []RedemptionOption {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, title, desc, cat string, pts int64) RedemptionOption {
		return RedemptionOption{
			ID: id, Title: title, Description: desc, CategoryID: cat,
			RequiredPoints: pts, IsActive: true, CreatedAt: epoch,
		}
	}
	return []RedemptionOption{
		mk("coffee", "Coffee break", "A coffee of your choice", "general", 100),
		mk("movie-night", "Movie night", "One movie ticket", "social", 500),
		mk("new-book", "New book", "Any book up to a fixed price", "learning", 800),
		mk("massage", "Massage", "One hour massage", "health", 2000),
		mk("day-off", "Day off", "A full day with no chores", "chores", 5000),
	}
}
