package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"validation", Validation(RulePoints, "points", CodeMinValue, "must be >= 1"), KindValidation},
		{"wrapped validation", fmt.Errorf("op[2]: %w", Validation(RuleDescription, "description", CodeRequired, "empty")), KindValidation},
		{"insufficient", &InsufficientPointsError{Required: 100, Available: 50}, KindInsufficientPoints},
		{"network", &NetworkError{Op: "get", Err: errors.New("reset")}, KindNetwork},
		{"database wins over sentinel", &DatabaseError{Op: "get", Err: ErrNotFound}, KindDatabase},
		{"cache", &CacheError{Op: "get", Err: errors.New("down")}, KindCache},
		{"not found", fmt.Errorf("entry: %w", ErrNotFound), KindNotFound},
		{"forbidden", ErrForbidden, KindAuth},
		{"unauthorized", ErrUnauthorized, KindAuth},
		{"conflict", ErrVersionConflict, KindConflict},
		{"exists", ErrAlreadyExists, KindConflict},
		{"rate limited", ErrRateLimited, KindRateLimited},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, KindOf(tc.err), tc.name)
	}
}

func TestValidationError_IsAndMessage(t *testing.T) {
	t.Parallel()

	err := Validation(RuleEditWindow, "createdAt", CodeExpired, "edit window expired")
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "BR-004")
	require.Contains(t, err.Error(), "createdAt")

	final := &ValidationError{Rule: RuleFinalTransaction, Code: CodeInvalid, Msg: "final", Err: ErrFinalTransaction}
	require.ErrorIs(t, final, ErrFinalTransaction)
	require.ErrorIs(t, final, ErrValidation)
}

func TestInsufficientPointsError_Shortfall(t *testing.T) {
	t.Parallel()

	e := &InsufficientPointsError{Required: 100, Available: 50}
	require.Equal(t, int64(50), e.Shortfall())
	require.Equal(t, "insufficient points: required 100, available 50", e.Error())
	require.Equal(t, int64(0), (&InsufficientPointsError{Required: 10, Available: 20}).Shortfall())
}

func TestKind_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "insufficient_points", KindInsufficientPoints.String())
	require.Equal(t, "unknown", Kind(99).String())
}
