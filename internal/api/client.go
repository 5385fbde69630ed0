package api

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls rewardledger.v1.Ledger. The user is taken from the bearer
// token attached to the connection, so userID arguments kept for interface
// compatibility are ignored.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (Resp, error) {
	var (
		out     Resp
		trailer metadata.MD
	)
	err := c.cc.Invoke(ctx, FullMethod(method), in, &out,
		grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	if err != nil {
		return out, FromCallError(method, err, trailer)
	}
	return out, nil
}

// AddRewardEntry creates an entry.
func (c *Client) AddRewardEntry(ctx context.Context, p model.NewEntryParams) (model.RewardEntry, error) {
	return invoke[model.RewardEntry](ctx, c, "AddRewardEntry", &AddRewardEntryRequest{Entry: p})
}

// UpdateRewardEntry patches an entry.
func (c *Client) UpdateRewardEntry(ctx context.Context, id uuid.UUID, p model.EntryPatch) (model.RewardEntry, error) {
	return invoke[model.RewardEntry](ctx, c, "UpdateRewardEntry", &UpdateRewardEntryRequest{EntryID: id.String(), Patch: p})
}

// DeleteRewardEntry removes an entry.
func (c *Client) DeleteRewardEntry(ctx context.Context, id uuid.UUID, requireConfirmation bool) (model.DeleteResult, error) {
	return invoke[model.DeleteResult](ctx, c, "DeleteRewardEntry",
		&DeleteRewardEntryRequest{EntryID: id.String(), RequireConfirmation: requireConfirmation})
}

// GetAvailablePoints returns the balance.
func (c *Client) GetAvailablePoints(ctx context.Context) (int64, error) {
	r, err := invoke[PointsResponse](ctx, c, "GetAvailablePoints", &Empty{})
	return r.Points, err
}

// WatchTotalPoints streams balance updates into fn until ctx is done, the
// server closes the stream or fn returns an error.
func (c *Client) WatchTotalPoints(ctx context.Context, fn func(int64) error) error {
	const method = "WatchTotalPoints"
	desc := &LedgerServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, FullMethod(method), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return FromCallError(method, err, nil)
	}
	// io.EOF from SendMsg means the server already ended the call; RecvMsg reports why.
	if err := stream.SendMsg(&Empty{}); err != nil && !errors.Is(err, io.EOF) {
		return FromCallError(method, err, nil)
	}
	if err := stream.CloseSend(); err != nil {
		return FromCallError(method, err, nil)
	}
	for {
		var m PointsResponse
		if err := stream.RecvMsg(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return FromCallError(method, err, stream.Trailer())
		}
		if err := fn(m.Points); err != nil {
			return err
		}
	}
}

// RedeemPoints spends points.
func (c *Client) RedeemPoints(ctx context.Context, optionID string, points int64, notes *string) (model.RedeemResult, error) {
	return invoke[model.RedeemResult](ctx, c, "RedeemPoints", &RedeemPointsRequest{OptionID: optionID, Points: points, Notes: notes})
}

// CancelRedemption cancels a pending transaction.
func (c *Client) CancelRedemption(ctx context.Context, id uuid.UUID, reason string) (model.RedemptionTransaction, error) {
	return invoke[model.RedemptionTransaction](ctx, c, "CancelRedemption", &CancelRedemptionRequest{TransactionID: id.String(), Reason: reason})
}

// CompleteRedemption marks a pending transaction fulfilled.
func (c *Client) CompleteRedemption(ctx context.Context, id uuid.UUID) (model.RedemptionTransaction, error) {
	return invoke[model.RedemptionTransaction](ctx, c, "CompleteRedemption", &CompleteRedemptionRequest{TransactionID: id.String()})
}

// ListRedemptionOptions returns the catalog.
func (c *Client) ListRedemptionOptions(ctx context.Context, onlyAvailable bool) ([]model.RedemptionOption, error) {
	r, err := invoke[RedemptionOptionsResponse](ctx, c, "ListRedemptionOptions", &ListRedemptionOptionsRequest{OnlyAvailable: onlyAvailable})
	return r.Options, err
}

// GetRewardHistory returns a page of entries.
func (c *Client) GetRewardHistory(ctx context.Context, q model.HistoryQuery) (model.Page[model.RewardEntry], error) {
	return invoke[model.Page[model.RewardEntry]](ctx, c, "GetRewardHistory", &q)
}

// GetRedemptionHistory returns a page of transactions.
func (c *Client) GetRedemptionHistory(ctx context.Context, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error) {
	return invoke[model.Page[model.RedemptionTransaction]](ctx, c, "GetRedemptionHistory", &q)
}

// GetRewardSummary aggregates entries in r.
func (c *Client) GetRewardSummary(ctx context.Context, r model.DateRange) (model.RewardSummary, error) {
	return invoke[model.RewardSummary](ctx, c, "GetRewardSummary", &r)
}

// GetRedemptionStats aggregates transactions in r.
func (c *Client) GetRedemptionStats(ctx context.Context, r model.DateRange) (model.RedemptionStats, error) {
	return invoke[model.RedemptionStats](ctx, c, "GetRedemptionStats", &r)
}

// ListCategories returns default and custom categories.
func (c *Client) ListCategories(ctx context.Context) ([]model.RewardCategory, error) {
	r, err := invoke[CategoriesResponse](ctx, c, "ListCategories", &Empty{})
	return r.Categories, err
}

// CreateCategory adds a custom category.
func (c *Client) CreateCategory(ctx context.Context, p model.NewCategoryParams) (model.RewardCategory, error) {
	return invoke[model.RewardCategory](ctx, c, "CreateCategory", &p)
}

// UpdateCategory patches a custom category.
func (c *Client) UpdateCategory(ctx context.Context, id string, p model.CategoryPatch) (model.RewardCategory, error) {
	return invoke[model.RewardCategory](ctx, c, "UpdateCategory", &UpdateCategoryRequest{CategoryID: id, Patch: p})
}

// DeleteCategory removes a custom category.
func (c *Client) DeleteCategory(ctx context.Context, id, reassignTo string) error {
	_, err := invoke[Empty](ctx, c, "DeleteCategory", &DeleteCategoryRequest{CategoryID: id, ReassignTo: reassignTo})
	return err
}

// BatchOperations applies ops all or nothing.
func (c *Client) BatchOperations(ctx context.Context, ops []model.BatchOp) ([]model.RewardEntry, error) {
	req := &BatchOperationsRequest{Ops: make([]BatchOperation, 0, len(ops))}
	for _, op := range ops {
		w := BatchOperation{Kind: op.Kind, Add: op.Add, Patch: op.Patch}
		if op.EntryID != uuid.Nil {
			w.EntryID = op.EntryID.String()
		}
		req.Ops = append(req.Ops, w)
	}
	r, err := invoke[EntriesResponse](ctx, c, "BatchOperations", req)
	return r.Entries, err
}

// PushChanges uploads offline changes.
func (c *Client) PushChanges(ctx context.Context, _ uuid.UUID, changes []model.EntryChange) ([]model.EntryChange, error) {
	r, err := invoke[ChangesMessage](ctx, c, "PushChanges", &ChangesMessage{Changes: changes})
	return r.Changes, err
}

// PullChanges downloads changes recorded after since.
func (c *Client) PullChanges(ctx context.Context, _ uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	r, err := invoke[ChangesMessage](ctx, c, "PullChanges", &PullChangesRequest{Since: since})
	return r.Changes, err
}

// ExportUserData returns the user's export snapshot.
func (c *Client) ExportUserData(ctx context.Context) (model.UserExport, error) {
	return invoke[model.UserExport](ctx, c, "ExportUserData", &Empty{})
}
