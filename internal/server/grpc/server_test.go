package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/limiter"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository/memory"
	"github.com/and161185/rewardledger/internal/service"
	"github.com/and161185/rewardledger/internal/syncer"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

var signKey = []byte("test-secret")

type harness struct {
	cc   *grpc.ClientConn
	cl   *api.Client
	repo *memory.Store
	clk  *clock.Manual
	user uuid.UUID
	ctx  context.Context
}

func startBufGRPC(t *testing.T, lim *limiter.Requests) *harness {
	t.Helper()
	clk := clock.NewManual(time.Now().UTC().Truncate(time.Second))
	repo := memory.New(memory.WithClock(clk), memory.WithRedemptionOptions(model.DefaultRedemptionOptions()...))
	svc := service.NewLedgerService(repo, service.WithClock(clk))
	srv := New(svc, signKey)
	log := zaptest.NewLogger(t)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(srv.UnaryInterceptors(log, lim)...),
		grpc.ChainStreamInterceptor(srv.StreamInterceptors(log)...),
	)
	api.RegisterLedgerServer(gs, srv)
	healthpb.RegisterHealthServer(gs, health.NewServer())
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })

	user := uuid.Must(uuid.NewV4())
	tok := jwtFor(t, user.String(), signKey, time.Hour)
	return &harness{
		cc:   cc,
		cl:   api.NewClient(cc),
		repo: repo,
		clk:  clk,
		user: user,
		ctx:  metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok),
	}
}

/************ helpers ************/
func jwtFor(t *testing.T, sub string, key []byte, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl + 5*time.Second)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func earn(points int64, cat string) model.NewEntryParams {
	return model.NewEntryParams{Points: points, Description: "did the thing", CategoryID: cat, Type: model.EntryEarned}
}

func TestServer_E2E_EntriesAndBalance(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	e, err := h.cl.AddRewardEntry(h.ctx, earn(150, "fitness"))
	require.NoError(t, err)
	require.Equal(t, h.user, e.UserID)

	pts := int64(120)
	upd, err := h.cl.UpdateRewardEntry(h.ctx, e.ID, model.EntryPatch{Points: &pts})
	require.NoError(t, err)
	require.Equal(t, int64(120), upd.Points)

	bal, err := h.cl.GetAvailablePoints(h.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), bal)

	extra, err := h.cl.AddRewardEntry(h.ctx, earn(30, "fitness"))
	require.NoError(t, err)
	res, err := h.cl.DeleteRewardEntry(h.ctx, extra.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(150), res.PreviousTotal)
	require.Equal(t, int64(120), res.NewTotal)

	res, err = h.cl.DeleteRewardEntry(h.ctx, e.ID, true)
	require.NoError(t, err)
	require.Equal(t, int64(120), res.PreviousTotal)
	require.Zero(t, res.NewTotal)

	_, err = h.cl.UpdateRewardEntry(h.ctx, e.ID, model.EntryPatch{Points: &pts})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestServer_E2E_ValidationCarriesRule(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	_, err := h.cl.AddRewardEntry(h.ctx, earn(0, "fitness"))
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, errs.RulePoints, ve.Rule)
	require.Equal(t, errs.CodeMinValue, ve.Code)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestServer_E2E_Redemptions(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	_, err := h.cl.AddRewardEntry(h.ctx, earn(300, "general"))
	require.NoError(t, err)

	_, err = h.cl.RedeemPoints(h.ctx, "coffee", 500, nil)
	var ipe *errs.InsufficientPointsError
	require.ErrorAs(t, err, &ipe)
	require.Equal(t, int64(500), ipe.Required)
	require.Equal(t, int64(300), ipe.Available)

	_, err = h.cl.RedeemPoints(h.ctx, "coffee", 150, nil)
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, errs.RuleRedemptionMultiple, ve.Rule)

	note := "morning"
	r, err := h.cl.RedeemPoints(h.ctx, "coffee", 200, &note)
	require.NoError(t, err)
	require.Equal(t, int64(2), r.UnitsRedeemed)
	require.Equal(t, int64(100), r.RemainingPoints)
	require.Equal(t, model.StatusPending, r.Transaction.Status)

	done, err := h.cl.CompleteRedemption(h.ctx, r.Transaction.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, done.Status)

	_, err = h.cl.CancelRedemption(h.ctx, r.Transaction.ID, "changed my mind")
	require.ErrorIs(t, err, errs.ErrFinalTransaction)

	opts, err := h.cl.ListRedemptionOptions(h.ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, opts)

	page, err := h.cl.GetRedemptionHistory(h.ctx, model.RedemptionQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	stats, err := h.cl.GetRedemptionStats(h.ctx, model.DateRange{})
	require.NoError(t, err)
	require.Equal(t, int64(200), stats.TotalPointsRedeemed)
}

func TestServer_E2E_QueriesCategoriesBatch(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	c, err := h.cl.CreateCategory(h.ctx, model.NewCategoryParams{Name: "Garden"})
	require.NoError(t, err)
	color := "#00AA00"
	c, err = h.cl.UpdateCategory(h.ctx, c.ID, model.CategoryPatch{Color: &color})
	require.NoError(t, err)
	require.Equal(t, color, c.Color)

	out, err := h.cl.BatchOperations(h.ctx, []model.BatchOp{
		{Kind: model.BatchAdd, Add: &model.NewEntryParams{Points: 10, Description: "weeding", CategoryID: c.ID, Type: model.EntryEarned}},
		{Kind: model.BatchAdd, Add: &model.NewEntryParams{Points: 20, Description: "mowing", CategoryID: c.ID, Type: model.EntryEarned}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, err = h.cl.BatchOperations(h.ctx, []model.BatchOp{{Kind: model.BatchDelete, EntryID: uuid.Must(uuid.NewV4())}})
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, h.cl.DeleteCategory(h.ctx, c.ID, "chores"))
	cats, err := h.cl.ListCategories(h.ctx)
	require.NoError(t, err)
	require.Len(t, cats, len(model.DefaultCategories()))

	page, err := h.cl.GetRewardHistory(h.ctx, model.HistoryQuery{CategoryID: "chores"})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	sum, err := h.cl.GetRewardSummary(h.ctx, model.DateRange{})
	require.NoError(t, err)
	require.Equal(t, int64(30), sum.TotalPoints)

	x, err := h.cl.ExportUserData(h.ctx)
	require.NoError(t, err)
	require.Equal(t, h.user, x.Profile.UserID)
	require.Equal(t, int64(30), x.Profile.AvailablePoints)
}

func TestServer_E2E_SyncThroughClient(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	local := memory.New(memory.WithClock(h.clk))
	e, err := model.NewRewardEntry(uuid.Must(uuid.NewV4()), h.user, earn(40, "learning"), h.clk.Now())
	require.NoError(t, err)
	require.NoError(t, local.RecordChange(context.Background(), model.EntryChange{Entry: e}))
	_, err = h.cl.AddRewardEntry(h.ctx, earn(60, "general"))
	require.NoError(t, err)

	co := syncer.New(local, h.cl, syncer.WithClock(h.clk))
	res, err := co.Sync(h.ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, 1, res.UploadedCount)
	require.Equal(t, 1, res.DownloadedCount)

	bal, err := h.cl.GetAvailablePoints(h.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal)

	foreign, err := model.NewRewardEntry(uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), earn(5, "general"), h.clk.Now())
	require.NoError(t, err)
	_, err = h.cl.PushChanges(h.ctx, h.user, []model.EntryChange{{Entry: foreign}})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestServer_E2E_WatchTotalPoints(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	got := make(chan int64, 8)
	done := make(chan error, 1)
	go func() {
		done <- h.cl.WatchTotalPoints(ctx, func(v int64) error {
			got <- v
			return nil
		})
	}()

	require.Equal(t, int64(0), <-got)
	_, err := h.cl.AddRewardEntry(h.ctx, earn(25, "general"))
	require.NoError(t, err)
	select {
	case v := <-got:
		require.Equal(t, int64(25), v)
	case <-time.After(3 * time.Second):
		t.Fatal("no balance update")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestServer_E2E_AuthAndHealth(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, nil)

	_, err := h.cl.GetAvailablePoints(context.Background())
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	err = h.cl.WatchTotalPoints(context.Background(), func(int64) error { return nil })
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	other := jwtFor(t, uuid.Must(uuid.NewV4()).String(), []byte("other-key"), time.Hour)
	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+other)
	_, err = h.cl.GetAvailablePoints(bad)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	resp, err := healthpb.NewHealthClient(h.cc).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServer_E2E_RateLimited(t *testing.T) {
	t.Parallel()
	h := startBufGRPC(t, limiter.NewRequests(0.001, 2))

	for i := 0; i < 2; i++ {
		_, err := h.cl.GetAvailablePoints(h.ctx)
		require.NoError(t, err)
	}
	_, err := h.cl.GetAvailablePoints(h.ctx)
	require.ErrorIs(t, err, errs.ErrRateLimited)
}
