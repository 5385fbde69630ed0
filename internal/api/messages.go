package api

import (
	"time"

	"github.com/and161185/rewardledger/internal/model"
)

// Empty is the request of calls that take no arguments.
type Empty struct{}

// AddRewardEntryRequest creates an entry.
type AddRewardEntryRequest struct {
	Entry model.NewEntryParams `json:"entry"`
}

// UpdateRewardEntryRequest patches an entry.
type UpdateRewardEntryRequest struct {
	EntryID string           `json:"entryId"`
	Patch   model.EntryPatch `json:"patch"`
}

// DeleteRewardEntryRequest removes an entry. RequireConfirmation tells the
// server the caller gated the deletion behind a user confirmation.
type DeleteRewardEntryRequest struct {
	EntryID             string `json:"entryId"`
	RequireConfirmation bool   `json:"requireConfirmation"`
}

// PointsResponse carries a balance, both for GetAvailablePoints and the watch stream.
type PointsResponse struct {
	Points int64 `json:"points"`
}

// RedeemPointsRequest spends points on an option. The user comes from the token.
type RedeemPointsRequest struct {
	OptionID string  `json:"optionId"`
	Points   int64   `json:"points"`
	Notes    *string `json:"notes,omitempty"`
}

// CancelRedemptionRequest cancels a pending transaction.
type CancelRedemptionRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

// CompleteRedemptionRequest marks a pending transaction fulfilled.
type CompleteRedemptionRequest struct {
	TransactionID string `json:"transactionId"`
}

// ListRedemptionOptionsRequest filters the catalog.
type ListRedemptionOptionsRequest struct {
	OnlyAvailable bool `json:"onlyAvailable"`
}

// RedemptionOptionsResponse lists catalog entries.
type RedemptionOptionsResponse struct {
	Options []model.RedemptionOption `json:"options"`
}

// CategoriesResponse lists categories.
type CategoriesResponse struct {
	Categories []model.RewardCategory `json:"categories"`
}

// UpdateCategoryRequest patches a custom category.
type UpdateCategoryRequest struct {
	CategoryID string              `json:"categoryId"`
	Patch      model.CategoryPatch `json:"patch"`
}

// DeleteCategoryRequest removes a custom category, moving its entries to ReassignTo.
type DeleteCategoryRequest struct {
	CategoryID string `json:"categoryId"`
	ReassignTo string `json:"reassignTo"`
}

// BatchOperation is one batch step as sent on the wire.
type BatchOperation struct {
	Kind    model.BatchOpKind     `json:"kind"`
	Add     *model.NewEntryParams `json:"add,omitempty"`
	EntryID string                `json:"entryId,omitempty"`
	Patch   *model.EntryPatch     `json:"patch,omitempty"`
}

// BatchOperationsRequest applies steps all or nothing.
type BatchOperationsRequest struct {
	Ops []BatchOperation `json:"ops"`
}

// EntriesResponse lists entries.
type EntriesResponse struct {
	Entries []model.RewardEntry `json:"entries"`
}

// ChangesMessage carries entry changes in both sync directions.
type ChangesMessage struct {
	Changes []model.EntryChange `json:"changes"`
}

// PullChangesRequest asks for changes recorded after Since.
type PullChangesRequest struct {
	Since time.Time `json:"since"`
}
