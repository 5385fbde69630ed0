package model

import (
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
)

// DefaultMaxCustomCategories caps user-owned categories unless configured otherwise.
const DefaultMaxCustomCategories = 20

// RewardCategory classifies entries. Default categories have no owner and are immutable.
type RewardCategory struct {
	ID          string     `json:"id"`
	UserID      uuid.UUID  `json:"userId"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Color       string     `json:"color"`
	Icon        string     `json:"icon"`
	IsDefault   bool       `json:"isDefault"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
}

// VisibleTo reports whether userID may reference the category.
func (c RewardCategory) VisibleTo(userID uuid.UUID) bool {
	return c.IsDefault || c.UserID == userID
}

// NewCategoryParams carries caller input for a custom category.
type NewCategoryParams struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Color       string  `json:"color"`
	Icon        string  `json:"icon"`
}

// CategoryPatch lists the category fields to change.
type CategoryPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

// Empty reports whether the patch names no field.
func (p CategoryPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Color == nil && p.Icon == nil
}

func validateCategory(name string, description *string, color string) error {
	if err := rules.ValidateCategoryName(name); err != nil {
		return err
	}
	if err := rules.ValidateNotes("description", description); err != nil {
		return err
	}
	return rules.ValidateColor(color)
}

// NewRewardCategory builds a custom category owned by userID.
func NewRewardCategory(id string, userID uuid.UUID, p NewCategoryParams, now time.Time) (RewardCategory, error) {
	if userID == uuid.Nil {
		return RewardCategory{}, errs.Validation(errs.RuleRequest, "userId", errs.CodeRequired, "user is required")
	}
	name := strings.TrimSpace(p.Name)
	if err := validateCategory(name, p.Description, p.Color); err != nil {
		return RewardCategory{}, err
	}
	return RewardCategory{
		ID:          id,
		UserID:      userID,
		Name:        name,
		Description: p.Description,
		Color:       p.Color,
		Icon:        p.Icon,
		CreatedAt:   now,
	}, nil
}

// Apply returns a copy of the category with p applied. Default categories are rejected.
func (c RewardCategory) Apply(p CategoryPatch, now time.Time) (RewardCategory, error) {
	if c.IsDefault {
		return c, errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be modified")
	}
	if p.Empty() {
		return c, errs.Validation(errs.RuleRequest, "", errs.CodeRequired, "no fields to update")
	}
	next := c
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		next.Description = p.Description
	}
	if p.Color != nil {
		next.Color = *p.Color
	}
	if p.Icon != nil {
		next.Icon = *p.Icon
	}
	if err := validateCategory(next.Name, next.Description, next.Color); err != nil {
		return c, err
	}
	ts := now
	next.UpdatedAt = &ts
	return next, nil
}

// DefaultCategories returns the built-in categories every user can reference.
func DefaultCategories() []RewardCategory {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, name, color, icon string) RewardCategory {
		return RewardCategory{ID: id, Name: name, Color: color, Icon: icon, IsDefault: true, CreatedAt: epoch}
	}
	return []RewardCategory{
		mk("general", "General", "#607D8B", "star"),
		mk("fitness", "Fitness", "#4CAF50", "directions_run"),
		mk("learning", "Learning", "#2196F3", "school"),
		mk("health", "Health", "#E91E63", "favorite"),
		mk("social", "Social", "#FF9800", "people"),
		mk("chores", "Chores", "#795548", "home"),
	}
}
