package api

import (
	"context"
	_ "embed"

	"github.com/and161185/rewardledger/internal/model"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rewardledger.v1.Ledger"

// Schema is the protobuf description of the Ledger contract.
//
//go:embed rewardledger/v1/ledger.proto
var Schema string

// LedgerServer is implemented by the gRPC transport.
type LedgerServer interface {
	AddRewardEntry(context.Context, *AddRewardEntryRequest) (*model.RewardEntry, error)
	UpdateRewardEntry(context.Context, *UpdateRewardEntryRequest) (*model.RewardEntry, error)
	DeleteRewardEntry(context.Context, *DeleteRewardEntryRequest) (*model.DeleteResult, error)
	GetAvailablePoints(context.Context, *Empty) (*PointsResponse, error)
	WatchTotalPoints(*Empty, WatchTotalPointsServer) error

	RedeemPoints(context.Context, *RedeemPointsRequest) (*model.RedeemResult, error)
	CancelRedemption(context.Context, *CancelRedemptionRequest) (*model.RedemptionTransaction, error)
	CompleteRedemption(context.Context, *CompleteRedemptionRequest) (*model.RedemptionTransaction, error)
	ListRedemptionOptions(context.Context, *ListRedemptionOptionsRequest) (*RedemptionOptionsResponse, error)

	GetRewardHistory(context.Context, *model.HistoryQuery) (*model.Page[model.RewardEntry], error)
	GetRedemptionHistory(context.Context, *model.RedemptionQuery) (*model.Page[model.RedemptionTransaction], error)
	GetRewardSummary(context.Context, *model.DateRange) (*model.RewardSummary, error)
	GetRedemptionStats(context.Context, *model.DateRange) (*model.RedemptionStats, error)

	ListCategories(context.Context, *Empty) (*CategoriesResponse, error)
	CreateCategory(context.Context, *model.NewCategoryParams) (*model.RewardCategory, error)
	UpdateCategory(context.Context, *UpdateCategoryRequest) (*model.RewardCategory, error)
	DeleteCategory(context.Context, *DeleteCategoryRequest) (*Empty, error)

	BatchOperations(context.Context, *BatchOperationsRequest) (*EntriesResponse, error)
	PushChanges(context.Context, *ChangesMessage) (*ChangesMessage, error)
	PullChanges(context.Context, *PullChangesRequest) (*ChangesMessage, error)
	ExportUserData(context.Context, *Empty) (*model.UserExport, error)
}

// WatchTotalPointsServer is the server side of the balance stream.
type WatchTotalPointsServer interface {
	Send(*PointsResponse) error
	grpc.ServerStream
}

type watchTotalPointsServer struct {
	grpc.ServerStream
}

func (s *watchTotalPointsServer) Send(m *PointsResponse) error { return s.ServerStream.SendMsg(m) }

// FullMethod returns the gRPC path of a Ledger method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			})
		},
	}
}

func watchTotalPointsHandler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LedgerServer).WatchTotalPoints(in, &watchTotalPointsServer{stream})
}

// LedgerServiceDesc describes rewardledger.v1.Ledger for grpc.Server.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddRewardEntry", LedgerServer.AddRewardEntry),
		unary("UpdateRewardEntry", LedgerServer.UpdateRewardEntry),
		unary("DeleteRewardEntry", LedgerServer.DeleteRewardEntry),
		unary("GetAvailablePoints", LedgerServer.GetAvailablePoints),
		unary("RedeemPoints", LedgerServer.RedeemPoints),
		unary("CancelRedemption", LedgerServer.CancelRedemption),
		unary("CompleteRedemption", LedgerServer.CompleteRedemption),
		unary("ListRedemptionOptions", LedgerServer.ListRedemptionOptions),
		unary("GetRewardHistory", LedgerServer.GetRewardHistory),
		unary("GetRedemptionHistory", LedgerServer.GetRedemptionHistory),
		unary("GetRewardSummary", LedgerServer.GetRewardSummary),
		unary("GetRedemptionStats", LedgerServer.GetRedemptionStats),
		unary("ListCategories", LedgerServer.ListCategories),
		unary("CreateCategory", LedgerServer.CreateCategory),
		unary("UpdateCategory", LedgerServer.UpdateCategory),
		unary("DeleteCategory", LedgerServer.DeleteCategory),
		unary("BatchOperations", LedgerServer.BatchOperations),
		unary("PushChanges", LedgerServer.PushChanges),
		unary("PullChanges", LedgerServer.PullChanges),
		unary("ExportUserData", LedgerServer.ExportUserData),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchTotalPoints",
			Handler:       watchTotalPointsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "rewardledger/v1/ledger.proto",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}
