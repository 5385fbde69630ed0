package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// ExportVersion is bumped whenever the export layout changes.
const ExportVersion = 1

// UserExport is a flat, versioned snapshot of a user's ledger for reporting.
type UserExport struct {
	Profile      ExportProfile    `json:"profile"`
	Achievements []Achievement    `json:"achievements"`
	Badges       []Badge          `json:"badges"`
	Statistics   ExportStatistics `json:"statistics"`
	ExportedAt   time.Time        `json:"exportedAt"`
	Version      int              `json:"version"`
}

// ExportProfile holds per-user totals.
type ExportProfile struct {
	UserID          uuid.UUID `json:"userId"`
	AvailablePoints int64     `json:"availablePoints"`
	LifetimeEarned  int64     `json:"lifetimeEarned"`
	LifetimeSpent   int64     `json:"lifetimeSpent"`
	EntryCount      int       `json:"entryCount"`
	RedemptionCount int       `json:"redemptionCount"`
}

// Achievement is a lifetime-earned milestone.
type Achievement struct {
	ID         string    `json:"id"`
	Threshold  int64     `json:"threshold"`
	AchievedAt time.Time `json:"achievedAt"`
}

// Badge is awarded for sustained activity in one category.
type Badge struct {
	CategoryID string    `json:"categoryId"`
	Entries    int       `json:"entries"`
	AwardedAt  time.Time `json:"awardedAt"`
}

// ExportStatistics bundles the derived aggregates.
type ExportStatistics struct {
	Rewards     RewardSummary   `json:"rewards"`
	Redemptions RedemptionStats `json:"redemptions"`
}
