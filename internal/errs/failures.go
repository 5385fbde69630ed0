package errs

import (
	"context"
	"errors"
	"fmt"
)

// Business rule references carried by validation failures.
const (
	RulePoints             = "BR-001"
	RuleCategoryRequired   = "BR-002"
	RuleDescription        = "BR-003"
	RuleEditWindow         = "BR-004"
	RuleMinRedemption      = "BR-005"
	RuleRedemptionMultiple = "BR-006"
	RuleOptionAvailable    = "BR-007"
	RuleCategoryName       = "BR-008"
	RuleCategoryImmutable  = "BR-009"
	RuleFinalTransaction   = "BR-010"
	RuleRequest            = "BR-011"
	RulePagination         = "BR-012"
)

// Violation codes for precise client messages.
const (
	CodeMinValue           = "min_value"
	CodeMaxValueExceeded   = "max_value_exceeded"
	CodeNegativeNotAllowed = "negative_not_allowed"
	CodeRequired           = "required"
	CodeTooLong            = "too_long"
	CodeInvalid            = "invalid"
	CodeExpired            = "expired"
	CodeNotMultiple        = "not_multiple"
	CodeLimitReached       = "limit_reached"
)

// ValidationError reports a rejected input together with the rule it violates.
type ValidationError struct {
	Rule  string
	Field string
	Code  string
	Msg   string
	Err   error
}

// Validation builds a ValidationError.
func Validation(rule, field, code, msg string) *ValidationError {
	return &ValidationError{Rule: rule, Field: field, Code: code, Msg: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s (%s)", e.Msg, e.Rule)
	}
	return fmt.Sprintf("validation: %s: %s (%s)", e.Field, e.Msg, e.Rule)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

// InsufficientPointsError is returned when a redemption exceeds the available balance.
type InsufficientPointsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: required %d, available %d", e.Required, e.Available)
}

// Shortfall is the number of points missing to cover the request.
func (e *InsufficientPointsError) Shortfall() int64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

// NetworkError wraps a transport failure. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// DatabaseError wraps a persistence failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database: %s: %v", e.Op, e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }

// CacheError wraps a cache failure.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache: %s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

// Kind is the closed set of failure categories exposed to callers.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindInsufficientPoints
	KindConflict
	KindRateLimited
	KindNetwork
	KindDatabase
	KindCache
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:               "none",
	KindValidation:         "validation",
	KindAuth:               "auth",
	KindNotFound:           "not_found",
	KindInsufficientPoints: "insufficient_points",
	KindConflict:           "conflict",
	KindRateLimited:        "rate_limited",
	KindNetwork:            "network",
	KindDatabase:           "database",
	KindCache:              "cache",
	KindInternal:           "internal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindOf classifies err. Typed failures win over sentinels so a DatabaseError
// wrapping ErrNotFound is still reported as a database failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		ve  *ValidationError
		ipe *InsufficientPointsError
		ne  *NetworkError
		de  *DatabaseError
		ce  *CacheError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ipe):
		return KindInsufficientPoints
	case errors.As(err, &ne):
		return KindNetwork
	case errors.As(err, &de):
		return KindDatabase
	case errors.As(err, &ce):
		return KindCache
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindNetwork
	default:
		return KindInternal
	}
}
