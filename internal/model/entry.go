// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryEarned   EntryType = "earned"
	EntryBonus    EntryType = "bonus"
	EntryAdjusted EntryType = "adjusted"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryEarned, EntryBonus, EntryAdjusted:
		return true
	}
	return false
}

// AllowsNegative reports whether entries of this type may carry negative points.
func (t EntryType) AllowsNegative() bool { return t == EntryAdjusted }

// ParseEntryType converts a wire value into an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errs.Validation(errs.RulePoints, "type", errs.CodeInvalid,
			fmt.Sprintf("unknown entry type %q", s))
	}
	return t, nil
}

// RewardEntry is one point-earning or adjusting event owned by a single user.
type RewardEntry struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"userId"`
	Points      int64      `json:"points"`
	Description string     `json:"description"`
	CategoryID  string     `json:"categoryId"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
	IsSynced    bool       `json:"isSynced"`
	Type        EntryType  `json:"type"`
}

// NewEntryParams carries caller input for a new entry.
type NewEntryParams struct {
	Points      int64     `json:"points"`
	Description string    `json:"description"`
	CategoryID  string    `json:"categoryId"`
	Type        EntryType `json:"type"`
}

// EntryPatch lists the fields to change; nil fields stay as they are.
type EntryPatch struct {
	Points      *int64     `json:"points,omitempty"`
	Description *string    `json:"description,omitempty"`
	CategoryID  *string    `json:"categoryId,omitempty"`
	Type        *EntryType `json:"type,omitempty"`
}

// Empty reports whether the patch names no field.
func (p EntryPatch) Empty() bool {
	return p.Points == nil && p.Description == nil && p.CategoryID == nil && p.Type == nil
}

// ValidatePoints checks points against the sign and magnitude rules of t.
func ValidatePoints(points int64, t EntryType) error {
	if !t.Valid() {
		return errs.Validation(errs.RulePoints, "type", errs.CodeInvalid, fmt.Sprintf("unknown entry type %q", t))
	}
	return rules.ValidatePoints(points, t.AllowsNegative())
}

// ValidateEntryFields runs every field rule of an entry.
func ValidateEntryFields(points int64, description, categoryID string, t EntryType) error {
	if err := ValidatePoints(points, t); err != nil {
		return err
	}
	if err := rules.ValidateDescription(description); err != nil {
		return err
	}
	return rules.ValidateCategoryPresence(categoryID)
}

// NewRewardEntry validates p and builds an unsynced entry created at now.
func NewRewardEntry(id, userID uuid.UUID, p NewEntryParams, now time.Time) (RewardEntry, error) {
	if userID == uuid.Nil {
		return RewardEntry{}, errs.Validation(errs.RuleRequest, "userId", errs.CodeRequired, "user is required")
	}
	desc := strings.TrimSpace(p.Description)
	cat := strings.TrimSpace(p.CategoryID)
	if err := ValidateEntryFields(p.Points, desc, cat, p.Type); err != nil {
		return RewardEntry{}, err
	}
	return RewardEntry{
		ID:          id,
		UserID:      userID,
		Points:      p.Points,
		Description: desc,
		CategoryID:  cat,
		CreatedAt:   now,
		Type:        p.Type,
	}, nil
}

// Validate re-checks the entry invariants, e.g. for rows received during sync.
func (e RewardEntry) Validate() error {
	if e.ID == uuid.Nil || e.UserID == uuid.Nil {
		return errs.Validation(errs.RuleRequest, "id", errs.CodeRequired, "entry and user ids are required")
	}
	return ValidateEntryFields(e.Points, e.Description, e.CategoryID, e.Type)
}

// EditableUntil is the end of the edit window.
func (e RewardEntry) EditableUntil() time.Time { return e.CreatedAt.Add(rules.EditWindow) }

// EditWindowRemaining returns the time left to change the entry, or nil once expired.
func (e RewardEntry) EditWindowRemaining(now time.Time) *time.Duration {
	rem, ok := rules.ValidateEditWindow(e.CreatedAt, now)
	if !ok {
		return nil
	}
	return &rem
}

// Apply returns a copy of e with p applied at now. The edit window is enforced,
// the result is re-validated, and UpdatedAt/IsSynced change only when a field does.
func (e RewardEntry) Apply(p EntryPatch, now time.Time) (RewardEntry, bool, error) {
	if p.Empty() {
		return e, false, errs.Validation(errs.RuleRequest, "", errs.CodeRequired, "no fields to update")
	}
	if err := rules.CheckEditWindow(e.CreatedAt, now); err != nil {
		return e, false, err
	}

	next := e
	if p.Points != nil {
		next.Points = *p.Points
	}
	if p.Description != nil {
		next.Description = strings.TrimSpace(*p.Description)
	}
	if p.CategoryID != nil {
		next.CategoryID = strings.TrimSpace(*p.CategoryID)
	}
	if p.Type != nil {
		next.Type = *p.Type
	}
	if err := ValidateEntryFields(next.Points, next.Description, next.CategoryID, next.Type); err != nil {
		return e, false, err
	}

	changed := next.Points != e.Points || next.Description != e.Description ||
		next.CategoryID != e.CategoryID || next.Type != e.Type
	if !changed {
		return e, false, nil
	}
	ts := now
	next.UpdatedAt = &ts
	next.IsSynced = false
	return next, true, nil
}

// LastModified is UpdatedAt when set, otherwise CreatedAt.
func (e RewardEntry) LastModified() time.Time {
	if e.UpdatedAt != nil {
		return *e.UpdatedAt
	}
	return e.CreatedAt
}
