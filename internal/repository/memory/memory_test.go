package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/repository/repotest"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func newStore(_ *testing.T, clk clock.Clock) *Store {
	return New(WithClock(clk), WithRedemptionOptions(model.DefaultRedemptionOptions()...))
}

func TestStore_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T, clk clock.Clock) repository.Ledger { return newStore(t, clk) })
}

func TestStore_LocalContract(t *testing.T) {
	repotest.RunLocal(t, func(t *testing.T, clk clock.Clock) repository.LocalStore { return newStore(t, clk) })
}

func TestStore_RedeemPoints_ConcurrentNeverOverspends(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, clock.NewManual(repotest.Start))
	user := uuid.Must(uuid.NewV4())
	_, err := s.AddRewardEntry(ctx, repotest.Entry(t, user, 1000, "general", repotest.Start))
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RedeemPoints(ctx, model.RedemptionTransaction{
				ID: uuid.Must(uuid.NewV4()), UserID: user, OptionID: "coffee",
				PointsUsed: 100, Units: 1, Status: model.StatusPending, RedeemedAt: repotest.Start,
			})
			if err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, oks)
	total, err := s.GetTotalPoints(ctx, user)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStore_RedeemPoints_UnknownOption(t *testing.T) {
	s := newStore(t, clock.System{})
	_, err := s.RedeemPoints(context.Background(), model.RedemptionTransaction{
		ID: uuid.Must(uuid.NewV4()), UserID: uuid.Must(uuid.NewV4()), OptionID: "nope", PointsUsed: 100,
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_Watch_SlowReaderGetsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newStore(t, clock.NewManual(repotest.Start))
	user := uuid.Must(uuid.NewV4())

	ch, err := s.WatchTotalPoints(ctx, user)
	require.NoError(t, err)

	for _, p := range []int64{1, 2, 3} {
		_, err := s.AddRewardEntry(ctx, repotest.Entry(t, user, p, "general", repotest.Start))
		require.NoError(t, err)
	}
	select {
	case v := <-ch:
		require.Equal(t, int64(6), v)
	case <-time.After(time.Second):
		t.Fatal("no balance update")
	}
}

func TestStore_DeleteRewardCategory_BadTarget(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, clock.NewManual(repotest.Start))
	user := uuid.Must(uuid.NewV4())
	c, err := model.NewRewardCategory("mine", user, model.NewCategoryParams{Name: "Mine"}, repotest.Start)
	require.NoError(t, err)
	_, err = s.AddRewardCategory(ctx, c)
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteRewardCategory(ctx, user, "mine", "mine", repotest.Start), errs.ErrValidation)
	require.ErrorIs(t, s.DeleteRewardCategory(ctx, user, "mine", "missing", repotest.Start), errs.ErrValidation)
	require.ErrorIs(t, s.DeleteRewardCategory(ctx, uuid.Must(uuid.NewV4()), "mine", "general", repotest.Start), errs.ErrNotFound)
}
