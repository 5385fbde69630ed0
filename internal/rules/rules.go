// Package rules holds the pure business-rule checks applied to ledger input.
// Every function is side-effect free and reports a typed failure from package errs.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/and161185/rewardledger/internal/errs"
)

// Ledger limits.
const (
	MaxPoints           int64 = 10000
	MaxDescriptionLen         = 500
	MaxNotesLen               = 500
	MaxCategoryNameLen        = 50
	MinRedemptionPoints int64 = 100
	EditWindow                = 24 * time.Hour
	MaxPageLimit              = 100
	MaxPage                   = 100000
)

var (
	categoryNameRe = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} _\-&'.]*$`)
	colorRe        = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// ValidatePoints enforces sign and magnitude of an entry's points.
// Only adjustments (allowNegative) may carry a negative value; zero is never valid.
func ValidatePoints(points int64, allowNegative bool) error {
	switch {
	case points < 0 && !allowNegative:
		return errs.Validation(errs.RulePoints, "points", errs.CodeNegativeNotAllowed,
			"negative points are allowed only for adjustments")
	case points > MaxPoints || points < -MaxPoints:
		return errs.Validation(errs.RulePoints, "points", errs.CodeMaxValueExceeded,
			fmt.Sprintf("absolute value must not exceed %d", MaxPoints))
	case points == 0:
		return errs.Validation(errs.RulePoints, "points", errs.CodeMinValue, "points must not be zero")
	}
	return nil
}

// ValidateDescription requires non-blank text of at most MaxDescriptionLen characters.
func ValidateDescription(text string) error {
	if strings.TrimSpace(text) == "" {
		return errs.Validation(errs.RuleDescription, "description", errs.CodeRequired, "description is required")
	}
	if utf8.RuneCountInString(text) > MaxDescriptionLen {
		return errs.Validation(errs.RuleDescription, "description", errs.CodeTooLong,
			fmt.Sprintf("description must be at most %d characters", MaxDescriptionLen))
	}
	return nil
}

// ValidateCategoryPresence requires a category reference.
func ValidateCategoryPresence(categoryID string) error {
	if strings.TrimSpace(categoryID) == "" {
		return errs.Validation(errs.RuleCategoryRequired, "categoryId", errs.CodeRequired, "category is required")
	}
	return nil
}

// ValidateEditWindow reports whether an entry created at createdAt may still be
// changed at now, and how long remains. Remaining is zero once expired.
func ValidateEditWindow(createdAt, now time.Time) (time.Duration, bool) {
	elapsed := now.Sub(createdAt)
	if elapsed >= EditWindow {
		return 0, false
	}
	return EditWindow - elapsed, true
}

// CheckEditWindow is ValidateEditWindow as an error.
func CheckEditWindow(createdAt, now time.Time) error {
	if _, ok := ValidateEditWindow(createdAt, now); !ok {
		return errs.Validation(errs.RuleEditWindow, "createdAt", errs.CodeExpired,
			"entries can only be changed within 24 hours of creation")
	}
	return nil
}

// ValidateRedemptionAmount checks the fixed floor and that points buys a whole
// number of option units. It returns the number of units.
func ValidateRedemptionAmount(points, requiredPoints int64) (int64, error) {
	if requiredPoints <= 0 {
		return 0, errs.Validation(errs.RuleOptionAvailable, "requiredPoints", errs.CodeInvalid,
			"option has no valid point cost")
	}
	if points < MinRedemptionPoints {
		return 0, errs.Validation(errs.RuleMinRedemption, "points", errs.CodeMinValue,
			fmt.Sprintf("at least %d points must be redeemed", MinRedemptionPoints))
	}
	if points < requiredPoints {
		return 0, errs.Validation(errs.RuleRedemptionMultiple, "points", errs.CodeMinValue,
			fmt.Sprintf("option requires %d points", requiredPoints))
	}
	if points%requiredPoints != 0 {
		return 0, errs.Validation(errs.RuleRedemptionMultiple, "points", errs.CodeNotMultiple,
			fmt.Sprintf("points must be a multiple of %d", requiredPoints))
	}
	return points / requiredPoints, nil
}

// ValidateBalanceSufficiency fails when required exceeds available.
func ValidateBalanceSufficiency(available, required int64) error {
	if required > available {
		return &errs.InsufficientPointsError{Required: required, Available: available}
	}
	return nil
}

// ValidateCategoryName checks length and allowed characters.
func ValidateCategoryName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errs.Validation(errs.RuleCategoryName, "name", errs.CodeRequired, "name is required")
	}
	if utf8.RuneCountInString(name) > MaxCategoryNameLen {
		return errs.Validation(errs.RuleCategoryName, "name", errs.CodeTooLong,
			fmt.Sprintf("name must be at most %d characters", MaxCategoryNameLen))
	}
	if !categoryNameRe.MatchString(name) {
		return errs.Validation(errs.RuleCategoryName, "name", errs.CodeInvalid,
			"name may contain letters, digits, spaces and - _ & ' .")
	}
	return nil
}

// ValidateColor accepts an empty value or #RRGGBB.
func ValidateColor(color string) error {
	if color == "" || colorRe.MatchString(color) {
		return nil
	}
	return errs.Validation(errs.RuleCategoryName, "color", errs.CodeInvalid, "color must be #RRGGBB")
}

// ValidateNotes limits optional free text on redemptions and cancellations.
func ValidateNotes(field string, notes *string) error {
	if notes != nil && utf8.RuneCountInString(*notes) > MaxNotesLen {
		return errs.Validation(errs.RuleRequest, field, errs.CodeTooLong,
			fmt.Sprintf("%s must be at most %d characters", field, MaxNotesLen))
	}
	return nil
}

// ValidatePagination enforces 1 <= page <= MaxPage and 1 <= limit <= MaxPageLimit,
// which keeps (page-1)*limit well inside an int32 OFFSET.
func ValidatePagination(page, limit int) error {
	if page < 1 {
		return errs.Validation(errs.RulePagination, "page", errs.CodeMinValue, "page must be >= 1")
	}
	if page > MaxPage {
		return errs.Validation(errs.RulePagination, "page", errs.CodeMaxValueExceeded,
			fmt.Sprintf("page must be <= %d", MaxPage))
	}
	if limit < 1 {
		return errs.Validation(errs.RulePagination, "limit", errs.CodeMinValue, "limit must be >= 1")
	}
	if limit > MaxPageLimit {
		return errs.Validation(errs.RulePagination, "limit", errs.CodeMaxValueExceeded,
			fmt.Sprintf("limit must be <= %d", MaxPageLimit))
	}
	return nil
}

// ValidateDateRange requires from <= to when both are set.
func ValidateDateRange(from, to *time.Time) error {
	if from != nil && to != nil && from.After(*to) {
		return errs.Validation(errs.RulePagination, "from", errs.CodeInvalid, "from must not be after to")
	}
	return nil
}
