package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/repository/memory"
	"github.com/and161185/rewardledger/internal/repository/sqlite"
	"github.com/and161185/rewardledger/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

var _ Remote = (*service.LedgerServiceImpl)(nil)

type env struct {
	local  repository.LocalStore
	server *memory.Store
	svc    *service.LedgerServiceImpl
	co     *Coordinator
	lc     *clock.Manual
	sc     *clock.Manual
	user   uuid.UUID
}

// newEnv wires a local store to a server whose clock runs one second ahead,
// so uploads land after the client's sync cursor.
func newEnv(t *testing.T, local func(clock.Clock) repository.LocalStore) *env {
	t.Helper()
	lc := clock.NewManual(t0)
	sc := clock.NewManual(t0.Add(time.Second))
	server := memory.New(memory.WithClock(sc))
	svc := service.NewLedgerService(server, service.WithClock(sc))
	l := local(lc)
	return &env{
		local:  l,
		server: server,
		svc:    svc,
		co:     New(l, svc, WithClock(lc)),
		lc:     lc,
		sc:     sc,
		user:   uuid.Must(uuid.NewV4()),
	}
}

func memLocal(c clock.Clock) repository.LocalStore { return memory.New(memory.WithClock(c)) }

func (e *env) advance(d time.Duration) {
	e.lc.Advance(d)
	e.sc.Advance(d)
}

func (e *env) recordLocal(t *testing.T, points int64) model.RewardEntry {
	t.Helper()
	en, err := model.NewRewardEntry(uuid.Must(uuid.NewV4()), e.user, model.NewEntryParams{
		Points: points, Description: "offline", CategoryID: "general", Type: model.EntryEarned,
	}, e.lc.Now())
	require.NoError(t, err)
	require.NoError(t, e.local.RecordChange(context.Background(), model.EntryChange{Entry: en}))
	return en
}

func (e *env) addRemote(t *testing.T, points int64) model.RewardEntry {
	t.Helper()
	en, err := e.svc.AddRewardEntry(context.Background(), e.user, model.NewEntryParams{
		Points: points, Description: "online", CategoryID: "general", Type: model.EntryEarned,
	})
	require.NoError(t, err)
	return en
}

func (e *env) localState(t *testing.T) map[uuid.UUID]model.EntryChange {
	t.Helper()
	all, err := e.local.ChangesSince(context.Background(), e.user, time.Time{})
	require.NoError(t, err)
	out := make(map[uuid.UUID]model.EntryChange, len(all))
	for _, ch := range all {
		out[ch.Entry.ID] = ch
	}
	return out
}

func (e *env) pending(t *testing.T) []model.EntryChange {
	t.Helper()
	p, err := e.local.PendingChanges(context.Background(), e.user)
	require.NoError(t, err)
	return p
}

func (e *env) remoteBalance(t *testing.T) int64 {
	t.Helper()
	v, err := e.svc.GetAvailablePoints(context.Background(), e.user)
	require.NoError(t, err)
	return v
}

func testUploadDownload(t *testing.T, local func(clock.Clock) repository.LocalStore) {
	ctx := context.Background()
	e := newEnv(t, local)

	mine := e.recordLocal(t, 30)
	theirs := e.addRemote(t, 50)

	res, err := e.co.Sync(ctx, e.user)
	require.NoError(t, err)
	require.Equal(t, 1, res.UploadedCount)
	require.Equal(t, 1, res.DownloadedCount)
	require.NotNil(t, res.ConflictedEntries)
	require.Empty(t, res.ConflictedEntries)
	require.Equal(t, t0, res.SyncTimestamp)

	require.Empty(t, e.pending(t))
	state := e.localState(t)
	require.Len(t, state, 2)
	require.True(t, state[mine.ID].Entry.IsSynced)
	require.Equal(t, int64(50), state[theirs.ID].Entry.Points)
	require.Equal(t, int64(80), e.remoteBalance(t))

	cursor, err := e.local.SyncCursor(ctx, e.user)
	require.NoError(t, err)
	require.Equal(t, t0, cursor)

	// the server now reports both entries again; neither is new to this client
	e.advance(time.Minute)
	res, err = e.co.Sync(ctx, e.user)
	require.NoError(t, err)
	require.Zero(t, res.UploadedCount)
	require.Zero(t, res.DownloadedCount)
	require.Empty(t, res.ConflictedEntries)
}

func TestSync_UploadDownload(t *testing.T) {
	testUploadDownload(t, memLocal)
}

func TestSync_UploadDownloadSQLite(t *testing.T) {
	testUploadDownload(t, func(c clock.Clock) repository.LocalStore {
		s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "offline.db"), c)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSync_ConflictLastWriterWins(t *testing.T) {
	tests := []struct {
		name     string
		offset   time.Duration
		want     model.ConflictResolution
		wantPts  int64
		uploaded int
	}{
		{name: "local newer", offset: time.Hour, want: model.LocalWins, wantPts: 30, uploaded: 1},
		{name: "tie goes to remote", offset: 0, want: model.RemoteWins, wantPts: 20},
		{name: "remote newer", offset: -30 * time.Minute, want: model.RemoteWins, wantPts: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, memLocal)
			en := e.recordLocal(t, 10)
			_, err := e.co.Sync(ctx, e.user)
			require.NoError(t, err)

			e.advance(time.Hour)
			pts := int64(20)
			remote, err := e.svc.UpdateRewardEntry(ctx, e.user, en.ID, model.EntryPatch{Points: &pts})
			require.NoError(t, err)

			edited := en
			edited.Points = 30
			at := remote.LastModified().Add(tt.offset)
			edited.UpdatedAt = &at
			require.NoError(t, e.local.RecordChange(ctx, model.EntryChange{Entry: edited, ChangedAt: at}))

			res, err := e.co.Sync(ctx, e.user)
			require.NoError(t, err)
			require.Len(t, res.ConflictedEntries, 1)
			c := res.ConflictedEntries[0]
			require.Equal(t, en.ID, c.EntryID)
			require.Equal(t, tt.want, c.Resolution)
			require.Equal(t, int64(30), c.Local.Entry.Points)
			require.Equal(t, int64(20), c.Remote.Entry.Points)
			require.Equal(t, tt.uploaded, res.UploadedCount)

			require.Empty(t, e.pending(t))
			require.Equal(t, tt.wantPts, e.localState(t)[en.ID].Entry.Points)
			require.Equal(t, tt.wantPts, e.remoteBalance(t))
		})
	}
}

func TestResolve(t *testing.T) {
	a := model.EntryChange{ChangedAt: t0}
	b := model.EntryChange{ChangedAt: t0.Add(time.Nanosecond)}
	require.Equal(t, model.RemoteWins, Resolve(a, b))
	require.Equal(t, model.LocalWins, Resolve(b, a))
	require.Equal(t, model.RemoteWins, Resolve(a, a))
}

func TestSync_IdenticalPendingIsAcked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memLocal)
	en := e.recordLocal(t, 10)

	// the same change reached the server by another path
	_, err := e.svc.PushChanges(ctx, e.user, []model.EntryChange{{Entry: en}})
	require.NoError(t, err)

	res, err := e.co.Sync(ctx, e.user)
	require.NoError(t, err)
	require.Zero(t, res.UploadedCount)
	require.Zero(t, res.DownloadedCount)
	require.Empty(t, res.ConflictedEntries)
	require.Empty(t, e.pending(t))
}

func TestSync_Tombstones(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memLocal)
	a := e.recordLocal(t, 10)
	b := e.recordLocal(t, 15)
	for i := 0; i < 2; i++ {
		_, err := e.co.Sync(ctx, e.user)
		require.NoError(t, err)
		e.advance(time.Minute)
	}

	_, err := e.svc.DeleteRewardEntry(ctx, e.user, a.ID, true)
	require.NoError(t, err)
	require.NoError(t, e.local.RecordChange(ctx, model.EntryChange{Entry: b, Deleted: true, ChangedAt: e.lc.Now()}))

	res, err := e.co.Sync(ctx, e.user)
	require.NoError(t, err)
	require.Equal(t, 1, res.UploadedCount)
	require.Equal(t, 1, res.DownloadedCount)
	require.Empty(t, res.ConflictedEntries)

	state := e.localState(t)
	require.True(t, state[a.ID].Deleted)
	require.True(t, state[b.ID].Deleted)
	require.Zero(t, e.remoteBalance(t))
}

type failingRemote struct {
	StoreRemote
}

func (failingRemote) PushChanges(context.Context, uuid.UUID, []model.EntryChange) ([]model.EntryChange, error) {
	return nil, errors.New("connection reset")
}

func TestSync_PushFailureLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memLocal)
	mine := e.recordLocal(t, 30)
	e.addRemote(t, 50)

	co := New(e.local, failingRemote{StoreRemote{Store: e.server}}, WithClock(e.lc))
	_, err := co.Sync(ctx, e.user)
	require.ErrorContains(t, err, "push")

	p := e.pending(t)
	require.Len(t, p, 1)
	require.Equal(t, mine.ID, p[0].Entry.ID)
	require.Len(t, e.localState(t), 1)

	cursor, err := e.local.SyncCursor(ctx, e.user)
	require.NoError(t, err)
	require.True(t, cursor.IsZero())
}

func TestStoreRemote(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, memLocal)
	en := e.recordLocal(t, 30)

	co := New(e.local, StoreRemote{Store: e.server}, WithClock(e.lc))
	res, err := co.Sync(ctx, e.user)
	require.NoError(t, err)
	require.Equal(t, 1, res.UploadedCount)

	got, err := e.server.GetRewardEntry(ctx, e.user, en.ID)
	require.NoError(t, err)
	require.True(t, got.IsSynced)
}
