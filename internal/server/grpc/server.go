// Package grpcserver exposes the ledger service over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/convert"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var _ api.LedgerServer = (*Server)(nil)

// Server wires the ledger service into gRPC handlers. Handlers return domain
// errors; ErrorsUnary and ErrorsStream turn them into statuses.
type Server struct {
	svc     service.LedgerService
	signKey []byte
}

// New constructs a gRPC server with injected services.
func New(svc service.LedgerService, signKey []byte) *Server {
	return &Server{svc: svc, signKey: signKey}
}

// user returns the caller set by the auth interceptor, verifying the token
// itself when the interceptor is not installed.
func (s *Server) user(ctx context.Context) (uuid.UUID, error) {
	if id, ok := UserIDFromCtx(ctx); ok {
		return id, nil
	}
	id, err := s.userIDFromCtx(ctx)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// --- Entries ---

// AddRewardEntry records a new entry.
func (s *Server) AddRewardEntry(ctx context.Context, req *api.AddRewardEntryRequest) (*model.RewardEntry, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.AddRewardEntry(ctx, userID, req.Entry)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateRewardEntry patches an entry inside its edit window.
func (s *Server) UpdateRewardEntry(ctx context.Context, req *api.UpdateRewardEntryRequest) (*model.RewardEntry, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("entryId", req.EntryID)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.UpdateRewardEntry(ctx, userID, id, req.Patch)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteRewardEntry removes an entry inside its edit window.
func (s *Server) DeleteRewardEntry(ctx context.Context, req *api.DeleteRewardEntryRequest) (*model.DeleteResult, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("entryId", req.EntryID)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.DeleteRewardEntry(ctx, userID, id, req.RequireConfirmation)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAvailablePoints returns the caller's balance.
func (s *Server) GetAvailablePoints(ctx context.Context, _ *api.Empty) (*api.PointsResponse, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.svc.GetAvailablePoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	return convert.ToPoints(v), nil
}

// WatchTotalPoints streams the balance, current value first, until the client goes away.
func (s *Server) WatchTotalPoints(_ *api.Empty, stream api.WatchTotalPointsServer) error {
	ctx := stream.Context()
	userID, err := s.user(ctx)
	if err != nil {
		return err
	}
	updates, err := s.svc.WatchTotalPoints(ctx, userID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(convert.ToPoints(v)); err != nil {
				return err
			}
		}
	}
}

// --- Redemptions ---

// RedeemPoints spends points on a catalog option.
func (s *Server) RedeemPoints(ctx context.Context, req *api.RedeemPointsRequest) (*model.RedeemResult, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.RedeemPoints(ctx, convert.FromRedeemPointsRequest(userID, req))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelRedemption cancels a pending transaction.
func (s *Server) CancelRedemption(ctx context.Context, req *api.CancelRedemptionRequest) (*model.RedemptionTransaction, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("transactionId", req.TransactionID)
	if err != nil {
		return nil, err
	}
	tx, err := s.svc.CancelRedemption(ctx, userID, id, req.Reason)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CompleteRedemption marks a pending transaction fulfilled.
func (s *Server) CompleteRedemption(ctx context.Context, req *api.CompleteRedemptionRequest) (*model.RedemptionTransaction, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.ParseID("transactionId", req.TransactionID)
	if err != nil {
		return nil, err
	}
	tx, err := s.svc.CompleteRedemption(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListRedemptionOptions returns the catalog.
func (s *Server) ListRedemptionOptions(ctx context.Context, req *api.ListRedemptionOptionsRequest) (*api.RedemptionOptionsResponse, error) {
	if _, err := s.user(ctx); err != nil {
		return nil, err
	}
	opts, err := s.svc.ListRedemptionOptions(ctx, req.OnlyAvailable)
	if err != nil {
		return nil, err
	}
	return &api.RedemptionOptionsResponse{Options: opts}, nil
}

// --- Queries ---

// GetRewardHistory returns a filtered page of entries.
func (s *Server) GetRewardHistory(ctx context.Context, req *model.HistoryQuery) (*model.Page[model.RewardEntry], error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.svc.GetRewardHistory(ctx, userID, *req)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRedemptionHistory returns a filtered page of transactions.
func (s *Server) GetRedemptionHistory(ctx context.Context, req *model.RedemptionQuery) (*model.Page[model.RedemptionTransaction], error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.svc.GetRedemptionHistory(ctx, userID, *req)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRewardSummary aggregates entries in a date range.
func (s *Server) GetRewardSummary(ctx context.Context, req *model.DateRange) (*model.RewardSummary, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := s.svc.GetRewardSummary(ctx, userID, *req)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// GetRedemptionStats aggregates transactions in a date range.
func (s *Server) GetRedemptionStats(ctx context.Context, req *model.DateRange) (*model.RedemptionStats, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.GetRedemptionStats(ctx, userID, *req)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Categories ---

// ListCategories returns default and custom categories.
func (s *Server) ListCategories(ctx context.Context, _ *api.Empty) (*api.CategoriesResponse, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := s.svc.ListCategories(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &api.CategoriesResponse{Categories: cs}, nil
}

// CreateCategory adds a custom category.
func (s *Server) CreateCategory(ctx context.Context, req *model.NewCategoryParams) (*model.RewardCategory, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.svc.CreateCategory(ctx, userID, *req)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCategory patches a custom category.
func (s *Server) UpdateCategory(ctx context.Context, req *api.UpdateCategoryRequest) (*model.RewardCategory, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.svc.UpdateCategory(ctx, userID, req.CategoryID, req.Patch)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCategory removes a custom category after reassigning its entries.
func (s *Server) DeleteCategory(ctx context.Context, req *api.DeleteCategoryRequest) (*api.Empty, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.svc.DeleteCategory(ctx, userID, req.CategoryID, req.ReassignTo); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

// --- Batch and sync ---

// BatchOperations applies steps all or nothing.
func (s *Server) BatchOperations(ctx context.Context, req *api.BatchOperationsRequest) (*api.EntriesResponse, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := convert.FromBatchOperations(req.Ops)
	if err != nil {
		return nil, err
	}
	es, err := s.svc.BatchOperations(ctx, userID, ops)
	if err != nil {
		return nil, err
	}
	return convert.ToEntries(es), nil
}

// PushChanges accepts changes from an offline client.
func (s *Server) PushChanges(ctx context.Context, req *api.ChangesMessage) (*api.ChangesMessage, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := s.svc.PushChanges(ctx, userID, req.Changes)
	if err != nil {
		return nil, err
	}
	return convert.ToChanges(cs), nil
}

// PullChanges returns changes recorded after the client's cursor.
func (s *Server) PullChanges(ctx context.Context, req *api.PullChangesRequest) (*api.ChangesMessage, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := s.svc.PullChanges(ctx, userID, req.Since)
	if err != nil {
		return nil, err
	}
	return convert.ToChanges(cs), nil
}

// ExportUserData returns the caller's export snapshot.
func (s *Server) ExportUserData(ctx context.Context, _ *api.Empty) (*model.UserExport, error) {
	userID, err := s.user(ctx)
	if err != nil {
		return nil, err
	}
	x, err := s.svc.ExportUserData(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &x, nil
}

// userIDFromCtx: extract "authorization: Bearer <JWT>", verify HS256, return sub as UUID.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
