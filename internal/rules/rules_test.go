package rules

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/stretchr/testify/require"
)

func violation(t *testing.T, err error) *errs.ValidationError {
	t.Helper()
	var ve *errs.ValidationError
	require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	return ve
}

func TestValidatePoints(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		points        int64
		allowNegative bool
		code          string
	}{
		{"zero earned", 0, false, errs.CodeMinValue},
		{"zero adjusted", 0, true, errs.CodeMinValue},
		{"negative earned", -5, false, errs.CodeNegativeNotAllowed},
		{"too large", 10001, false, errs.CodeMaxValueExceeded},
		{"too large adjusted", 10001, true, errs.CodeMaxValueExceeded},
		{"too small adjusted", -10001, true, errs.CodeMaxValueExceeded},
		{"min ok", 1, false, ""},
		{"max ok", 10000, false, ""},
		{"negative adjusted ok", -10000, true, ""},
	}
	for _, tc := range cases {
		err := ValidatePoints(tc.points, tc.allowNegative)
		if tc.code == "" {
			require.NoError(t, err, tc.name)
			continue
		}
		ve := violation(t, err)
		require.Equal(t, tc.code, ve.Code, tc.name)
		require.Equal(t, errs.RulePoints, ve.Rule, tc.name)
	}
}

func TestValidateDescription(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateDescription("Morning run"))
	require.NoError(t, ValidateDescription(strings.Repeat("é", MaxDescriptionLen)))

	require.Equal(t, errs.CodeRequired, violation(t, ValidateDescription("")).Code)
	require.Equal(t, errs.CodeRequired, violation(t, ValidateDescription(" \t\n")).Code)
	require.Equal(t, errs.CodeTooLong, violation(t, ValidateDescription(strings.Repeat("a", MaxDescriptionLen+1))).Code)
}

func TestValidateCategoryPresence(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateCategoryPresence("fitness"))
	ve := violation(t, ValidateCategoryPresence("  "))
	require.Equal(t, errs.RuleCategoryRequired, ve.Rule)
}

func TestValidateEditWindow(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	rem, ok := ValidateEditWindow(created, created.Add(23*time.Hour))
	require.True(t, ok)
	require.Equal(t, time.Hour, rem)

	rem, ok = ValidateEditWindow(created, created.Add(24*time.Hour))
	require.False(t, ok)
	require.Zero(t, rem)

	require.NoError(t, CheckEditWindow(created, created.Add(24*time.Hour-time.Nanosecond)))
	ve := violation(t, CheckEditWindow(created, created.Add(25*time.Hour)))
	require.Equal(t, errs.RuleEditWindow, ve.Rule)
	require.Equal(t, errs.CodeExpired, ve.Code)
}

func TestValidateRedemptionAmount(t *testing.T) {
	t.Parallel()

	units, err := ValidateRedemptionAmount(300, 100)
	require.NoError(t, err)
	require.Equal(t, int64(3), units)

	ve := violation(t, func() error { _, err := ValidateRedemptionAmount(250, 100); return err }())
	require.Equal(t, errs.CodeNotMultiple, ve.Code)

	for _, required := range []int64{1, 33, 99, 100, 500} {
		_, err := ValidateRedemptionAmount(99, required)
		ve := violation(t, err)
		require.Equal(t, errs.RuleMinRedemption, ve.Rule, "required=%d", required)
	}

	_, err = ValidateRedemptionAmount(100, 500)
	require.Equal(t, errs.RuleRedemptionMultiple, violation(t, err).Rule)

	_, err = ValidateRedemptionAmount(100, 0)
	require.Equal(t, errs.RuleOptionAvailable, violation(t, err).Rule)

	units, err = ValidateRedemptionAmount(150, 50)
	require.NoError(t, err)
	require.Equal(t, int64(3), units)
}

func TestValidateBalanceSufficiency(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateBalanceSufficiency(100, 100))

	err := ValidateBalanceSufficiency(50, 100)
	var ipe *errs.InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	require.Equal(t, int64(100), ipe.Required)
	require.Equal(t, int64(50), ipe.Available)
}

func TestValidateCategoryName(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateCategoryName("Reading & Writing"))
	require.NoError(t, ValidateCategoryName("Спорт 2"))
	require.Equal(t, errs.CodeRequired, violation(t, ValidateCategoryName(" ")).Code)
	require.Equal(t, errs.CodeTooLong, violation(t, ValidateCategoryName(strings.Repeat("x", 51))).Code)
	require.Equal(t, errs.CodeInvalid, violation(t, ValidateCategoryName("bad<script>")).Code)
	require.Equal(t, errs.CodeInvalid, violation(t, ValidateCategoryName("-leading")).Code)
}

func TestValidateColorNotesPagination(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateColor(""))
	require.NoError(t, ValidateColor("#1a2B3c"))
	require.Error(t, ValidateColor("red"))

	long := strings.Repeat("n", MaxNotesLen+1)
	require.Error(t, ValidateNotes("notes", &long))
	require.NoError(t, ValidateNotes("notes", nil))

	require.NoError(t, ValidatePagination(1, 1))
	require.NoError(t, ValidatePagination(3, 100))
	require.Equal(t, "page", violation(t, ValidatePagination(0, 10)).Field)
	require.Equal(t, "limit", violation(t, ValidatePagination(1, 0)).Field)
	require.Equal(t, errs.CodeMaxValueExceeded, violation(t, ValidatePagination(1, 101)).Code)
	require.NoError(t, ValidatePagination(MaxPage, MaxPageLimit))
	v := violation(t, ValidatePagination(MaxPage+1, 10))
	require.Equal(t, "page", v.Field)
	require.Equal(t, errs.CodeMaxValueExceeded, v.Code)
	require.Equal(t, errs.CodeMaxValueExceeded, violation(t, ValidatePagination(math.MaxInt, MaxPageLimit)).Code)

	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	require.Error(t, ValidateDateRange(&from, &to))
	require.NoError(t, ValidateDateRange(&from, nil))
}
