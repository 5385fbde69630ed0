package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()

	ctx = peer.NewContext(ctx, &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/Method"}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/Panic"}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(ctx, "req", info, panicH)
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/Ok"}

	h := func(ctx context.Context, req any) (any, error) { return 42, nil }

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if resp.(int) != 42 {
		t.Fatalf("resp mismatch: %v", resp)
	}
}

func TestLoggingUnary_DurationFieldDoesNotBlock(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/Sleep"}
	h := func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	resp, err := ic(ctx, "req", info, h)
	if err != nil || resp.(string) != "done" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time")
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{errs.Validation(errs.RulePoints, "points", errs.CodeMinValue, "x"), codes.InvalidArgument},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{fmt.Errorf("op[0]: %w", errs.ErrForbidden), codes.PermissionDenied},
		{errs.ErrNotFound, codes.NotFound},
		{&errs.InsufficientPointsError{Required: 200, Available: 100}, codes.FailedPrecondition},
		{errs.ErrVersionConflict, codes.Aborted},
		{errs.ErrAlreadyExists, codes.Aborted},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{&errs.NetworkError{Op: "dial", Err: errors.New("refused")}, codes.Unavailable},
		{&errs.DatabaseError{Op: "insert", Err: errors.New("disk full")}, codes.Internal},
		{&errs.CacheError{Op: "get", Err: errors.New("eof")}, codes.Internal},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, codeOf(tt.err), "%v", tt.err)
	}
}

func TestErrorsUnary_MapsDomainErrors(t *testing.T) {
	t.Parallel()

	ic := ErrorsUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/RedeemPoints"}

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, &errs.InsufficientPointsError{Required: 300, Available: 120}
	})
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Contains(t, st.Message(), "required 300, available 120")

	_, err = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, &errs.DatabaseError{Op: "insert", Err: errors.New("password=hunter2")}
	})
	require.Equal(t, codes.Internal, status.Code(err))
	require.NotContains(t, err.Error(), "hunter2")

	already := status.Error(codes.Unauthenticated, "no auth")
	_, err = ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return nil, already })
	require.Equal(t, already, err)

	other := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	raw := errors.New("raw")
	_, err = ic(context.Background(), nil, other, func(context.Context, any) (any, error) { return nil, raw })
	require.Equal(t, raw, err)
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	s := &Server{signKey: []byte("secret")}
	ic := s.AuthUnary()
	sub := uuid.Must(uuid.NewV4())
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/GetAvailablePoints"}

	var seen uuid.UUID
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = UserIDFromCtx(ctx)
		return "ok", nil
	}
	_, err := ic(ctxWithAuth(jwtFor(t, sub.String(), s.signKey, time.Hour)), nil, info, h)
	require.NoError(t, err)
	require.Equal(t, sub, seen)

	_, err = ic(context.Background(), nil, info, h)
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = ic(context.Background(), nil, health, h)
	require.NoError(t, err)
}

func TestRateLimitUnary(t *testing.T) {
	t.Parallel()

	ic := RateLimitUnary(limiter.NewRequests(1, 2))
	info := &grpc.UnaryServerInfo{FullMethod: "/rewardledger.v1.Ledger/GetAvailablePoints"}
	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	a := WithUserID(context.Background(), uuid.Must(uuid.NewV4()))
	b := WithUserID(context.Background(), uuid.Must(uuid.NewV4()))
	for i := 0; i < 2; i++ {
		_, err := ic(a, nil, info, h)
		require.NoError(t, err)
	}
	_, err := ic(a, nil, info, h)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	_, err = ic(b, nil, info, h)
	require.NoError(t, err)

	off := RateLimitUnary(nil)
	for i := 0; i < 5; i++ {
		_, err := off(a, nil, info, h)
		require.NoError(t, err)
	}
}
