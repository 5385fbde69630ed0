package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/rewardledger/internal/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrorTrailer is the trailer key carrying ErrorInfo as JSON.
const ErrorTrailer = "ledger-error-bin"

// ErrorInfo is the structured part of a failed call. Internal failures carry
// only their kind.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Rule      string `json:"rule,omitempty"`
	Field     string `json:"field,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

const (
	codeForbidden     = "forbidden"
	codeAlreadyExists = "already_exists"
)

// NewErrorInfo describes err for the wire.
func NewErrorInfo(err error) ErrorInfo {
	kind := errs.KindOf(err)
	info := ErrorInfo{Kind: kind.String()}

	var (
		ve  *errs.ValidationError
		ipe *errs.InsufficientPointsError
	)
	switch kind {
	case errs.KindValidation:
		errors.As(err, &ve)
		info.Rule, info.Field, info.Code, info.Message = ve.Rule, ve.Field, ve.Code, ve.Msg
	case errs.KindInsufficientPoints:
		errors.As(err, &ipe)
		info.Required, info.Available = ipe.Required, ipe.Available
		info.Message = ipe.Error()
	case errs.KindAuth:
		if errors.Is(err, errs.ErrForbidden) {
			info.Code = codeForbidden
		}
		info.Message = "access denied"
	case errs.KindConflict:
		if errors.Is(err, errs.ErrAlreadyExists) {
			info.Code = codeAlreadyExists
		}
		info.Message = err.Error()
	case errs.KindNotFound, errs.KindRateLimited:
		info.Message = err.Error()
	}
	return info
}

// Err rebuilds the typed failure described by info.
func (i ErrorInfo) Err() error {
	switch i.Kind {
	case errs.KindValidation.String():
		ve := errs.Validation(i.Rule, i.Field, i.Code, i.Message)
		if i.Rule == errs.RuleFinalTransaction {
			ve.Err = errs.ErrFinalTransaction
		}
		return ve
	case errs.KindInsufficientPoints.String():
		return &errs.InsufficientPointsError{Required: i.Required, Available: i.Available}
	case errs.KindAuth.String():
		if i.Code == codeForbidden {
			return errs.ErrForbidden
		}
		return errs.ErrUnauthorized
	case errs.KindNotFound.String():
		return fmt.Errorf("%s: %w", i.Message, errs.ErrNotFound)
	case errs.KindConflict.String():
		if i.Code == codeAlreadyExists {
			return fmt.Errorf("%s: %w", i.Message, errs.ErrAlreadyExists)
		}
		return fmt.Errorf("%s: %w", i.Message, errs.ErrVersionConflict)
	case errs.KindRateLimited.String():
		return errs.ErrRateLimited
	default:
		return nil
	}
}

// TrailerFor encodes err as call trailer metadata.
func TrailerFor(err error) metadata.MD {
	b, mErr := json.Marshal(NewErrorInfo(err))
	if mErr != nil {
		return nil
	}
	return metadata.Pairs(ErrorTrailer, string(b))
}

// FromCallError turns a failed call back into the ledger's error types,
// preferring the structured trailer over the status code.
func FromCallError(method string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	if vals := trailer.Get(ErrorTrailer); len(vals) > 0 {
		var info ErrorInfo
		if json.Unmarshal([]byte(vals[0]), &info) == nil {
			if typed := info.Err(); typed != nil {
				return typed
			}
		}
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &errs.NetworkError{Op: method, Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w", status.Convert(err).Message(), errs.ErrUnauthorized)
	case codes.ResourceExhausted:
		return errs.ErrRateLimited
	case codes.NotFound:
		return fmt.Errorf("%s: %w", status.Convert(err).Message(), errs.ErrNotFound)
	default:
		return err
	}
}
