package grpcserver

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/and161185/rewardledger/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		// metadata only, never payloads
		log.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", peerAddr(ctx)),
		)
		return resp, err
	}
}

// LoggingStream logs streaming calls when they end.
func LoggingStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		start := time.Now()
		err := next(srv, ss)
		log.Info("grpc stream",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", peerAddr(ss.Context())),
		)
		return err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// RecoverStream is RecoverUnary for streams.
func RecoverStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(srv, ss)
	}
}

// MetricsUnary counts finished calls by method and status code.
func MetricsUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		metrics.RecordRequest(info.FullMethod, status.Code(err).String())
		return resp, err
	}
}

func isLedgerMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+api.ServiceName+"/")
}

// AuthUnary verifies the bearer token of ledger calls and stores the user in
// the context. Other services (health, reflection) pass through.
func (s *Server) AuthUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !isLedgerMethod(info.FullMethod) {
			return next(ctx, req)
		}
		id, err := s.userIDFromCtx(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		return next(WithUserID(ctx, id), req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// AuthStream is AuthUnary for streams.
func (s *Server) AuthStream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		if !isLedgerMethod(info.FullMethod) {
			return next(srv, ss)
		}
		id, err := s.userIDFromCtx(ss.Context())
		if err != nil {
			return status.Error(codes.Unauthenticated, "no auth")
		}
		return next(srv, &authedStream{ServerStream: ss, ctx: WithUserID(ss.Context(), id)})
	}
}

// RateLimitUnary throttles ledger calls per user (or per peer before auth).
// A nil limiter disables throttling.
func RateLimitUnary(lim *limiter.Requests) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		key := peerAddr(ctx)
		if id, ok := UserIDFromCtx(ctx); ok {
			key = id.String()
		}
		if !lim.Allow(key) {
			return nil, status.Error(codes.ResourceExhausted, "rate limited")
		}
		return next(ctx, req)
	}
}

// codeOf maps a domain failure to its gRPC status code.
func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	switch errs.KindOf(err) {
	case errs.KindNone:
		return codes.OK
	case errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindAuth:
		if errors.Is(err, errs.ErrForbidden) {
			return codes.PermissionDenied
		}
		return codes.Unauthenticated
	case errs.KindNotFound:
		return codes.NotFound
	case errs.KindInsufficientPoints:
		return codes.FailedPrecondition
	case errs.KindConflict:
		return codes.Aborted
	case errs.KindRateLimited:
		return codes.ResourceExhausted
	case errs.KindNetwork:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus converts a domain error into a status error. Errors that already
// carry a status are returned unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codeOf(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func opName(fullMethod string) string {
	if i := strings.LastIndexByte(fullMethod, '/'); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// ErrorsUnary records the operation outcome and turns domain errors into
// statuses, attaching the structured error trailer.
func ErrorsUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if !isLedgerMethod(info.FullMethod) {
			return resp, err
		}
		kind := errs.KindOf(err)
		metrics.RecordOperation(opName(info.FullMethod), kind.String(), time.Since(start))
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		if codeOf(err) == codes.Internal {
			log.Error("ledger operation failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		if md := api.TrailerFor(err); md != nil {
			_ = grpc.SetTrailer(ctx, md)
		}
		return nil, toStatus(err)
	}
}

// ErrorsStream is ErrorsUnary for streams.
func ErrorsStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		err := next(srv, ss)
		if err == nil || !isLedgerMethod(info.FullMethod) {
			return err
		}
		if _, ok := status.FromError(err); ok {
			return err
		}
		if codeOf(err) == codes.Internal {
			log.Error("ledger stream failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		if md := api.TrailerFor(err); md != nil {
			ss.SetTrailer(md)
		}
		return toStatus(err)
	}
}

// UnaryInterceptors returns the server's unary chain in order.
func (s *Server) UnaryInterceptors(log *zap.Logger, lim *limiter.Requests) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		RecoverUnary(log),
		LoggingUnary(log),
		MetricsUnary(),
		s.AuthUnary(),
		RateLimitUnary(lim),
		ErrorsUnary(log),
	}
}

// StreamInterceptors returns the server's stream chain in order.
func (s *Server) StreamInterceptors(log *zap.Logger) []grpc.StreamServerInterceptor {
	return []grpc.StreamServerInterceptor{
		RecoverStream(log),
		LoggingStream(log),
		s.AuthStream(),
		ErrorsStream(log),
	}
}
