// Package convert maps api wire messages to domain requests.
package convert

import (
	"fmt"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/errs"
	model "github.com/and161185/rewardledger/internal/model"
	u "github.com/gofrs/uuid/v5"
)

// ParseID parses a required uuid field.
func ParseID(field, s string) (u.UUID, error) {
	if s == "" {
		return u.Nil, errs.Validation(errs.RuleRequest, field, errs.CodeRequired, "id is required")
	}
	id, err := u.FromString(s)
	if err != nil {
		ve := errs.Validation(errs.RuleRequest, field, errs.CodeInvalid, "invalid id")
		ve.Err = err
		return u.Nil, ve
	}
	return id, nil
}

// FromRedeemPointsRequest builds a domain redemption request for userID.
func FromRedeemPointsRequest(userID u.UUID, in *api.RedeemPointsRequest) model.RedeemRequest {
	return model.RedeemRequest{UserID: userID, OptionID: in.OptionID, Points: in.Points, Notes: in.Notes}
}

// FromBatchOperation converts one wire batch step. Add steps carry no id.
func FromBatchOperation(in api.BatchOperation) (model.BatchOp, error) {
	op := model.BatchOp{Kind: in.Kind, Add: in.Add, Patch: in.Patch}
	if in.Kind == model.BatchAdd && in.EntryID == "" {
		return op, nil
	}
	id, err := ParseID("entryId", in.EntryID)
	if err != nil {
		return model.BatchOp{}, err
	}
	op.EntryID = id
	return op, nil
}

// FromBatchOperations converts a batch, reporting the first bad step.
func FromBatchOperations(in []api.BatchOperation) ([]model.BatchOp, error) {
	out := make([]model.BatchOp, 0, len(in))
	for i, it := range in {
		op, err := FromBatchOperation(it)
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}

// ToPoints wraps a balance.
func ToPoints(v int64) *api.PointsResponse { return &api.PointsResponse{Points: v} }

// ToChanges wraps entry changes, never returning a nil list.
func ToChanges(cs []model.EntryChange) *api.ChangesMessage {
	if cs == nil {
		cs = []model.EntryChange{}
	}
	return &api.ChangesMessage{Changes: cs}
}

// ToEntries wraps entries, never returning a nil list.
func ToEntries(es []model.RewardEntry) *api.EntriesResponse {
	if es == nil {
		es = []model.RewardEntry{}
	}
	return &api.EntriesResponse{Entries: es}
}
