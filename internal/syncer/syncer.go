// Package syncer reconciles an offline client store with the ledger server.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/metrics"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Remote is the server side of sync.
type Remote interface {
	// PushChanges uploads changes; the server validates and applies them atomically.
	PushChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) ([]model.EntryChange, error)
	// PullChanges returns changes the server recorded after since.
	PullChanges(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error)
}

// StoreRemote serves Remote straight from a SyncStore, e.g. a server-side repository in tests.
type StoreRemote struct {
	Store repository.SyncStore
}

// PushChanges implements Remote.
func (r StoreRemote) PushChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) ([]model.EntryChange, error) {
	if err := r.Store.ApplyChanges(ctx, userID, changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// PullChanges implements Remote.
func (r StoreRemote) PullChanges(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	return r.Store.ChangesSince(ctx, userID, since)
}

// Coordinator runs sync for one local store against one remote.
type Coordinator struct {
	local  repository.LocalStore
	remote Remote
	clk    clock.Clock
	log    *zap.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source for sync cursors.
func WithClock(c clock.Clock) Option { return func(co *Coordinator) { co.clk = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(co *Coordinator) { co.log = l } }

// New constructs a Coordinator.
func New(local repository.LocalStore, remote Remote, opts ...Option) *Coordinator {
	c := &Coordinator{local: local, remote: remote, clk: clock.System{}, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve picks the side to keep for an entry changed both locally and
// remotely: the later ChangedAt wins and ties go to the remote.
func Resolve(local, remote model.EntryChange) model.ConflictResolution {
	if local.ChangedAt.After(remote.ChangedAt) {
		return model.LocalWins
	}
	return model.RemoteWins
}

func sameChange(a, b model.EntryChange) bool {
	x, y := a.Entry, b.Entry
	return a.Deleted == b.Deleted && a.ChangedAt.Equal(b.ChangedAt) &&
		x.Points == y.Points && x.Description == y.Description &&
		x.CategoryID == y.CategoryID && x.Type == y.Type
}

// Sync uploads pending local changes, downloads remote ones and resolves
// entries changed on both sides. Every such entry is reported in
// ConflictedEntries. A failed upload leaves the local store untouched.
func (c *Coordinator) Sync(ctx context.Context, userID uuid.UUID) (model.SyncResult, error) {
	syncTS := c.clk.Now()
	cursor, err := c.local.SyncCursor(ctx, userID)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("read cursor: %w", err)
	}
	pending, err := c.local.PendingChanges(ctx, userID)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("read pending: %w", err)
	}
	incoming, err := c.remote.PullChanges(ctx, userID, cursor)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("pull: %w", err)
	}

	pendingByID := make(map[uuid.UUID]model.EntryChange, len(pending))
	for _, p := range pending {
		pendingByID[p.Entry.ID] = p
	}
	known, err := c.knownChanges(ctx, userID, incoming)
	if err != nil {
		return model.SyncResult{}, err
	}

	var (
		apply     []model.EntryChange
		conflicts []model.Conflict
		acked     []uuid.UUID
		localWins int
	)
	for _, r := range incoming {
		id := r.Entry.ID
		p, isPending := pendingByID[id]
		switch {
		case isPending && sameChange(p, r):
			// the server already has this exact change
			acked = append(acked, id)
			delete(pendingByID, id)
		case isPending:
			res := Resolve(p, r)
			conflicts = append(conflicts, model.Conflict{EntryID: id, Local: p, Remote: r, Resolution: res})
			if res == model.LocalWins {
				localWins++
				continue
			}
			delete(pendingByID, id)
			apply = append(apply, r)
		case sameKnown(known, r):
			// echo of a change this client uploaded earlier
		default:
			apply = append(apply, r)
		}
	}

	push := make([]model.EntryChange, 0, len(pendingByID))
	for _, p := range pending {
		if _, ok := pendingByID[p.Entry.ID]; ok {
			push = append(push, p)
		}
	}

	var uploaded []model.EntryChange
	if len(push) > 0 {
		uploaded, err = c.remote.PushChanges(ctx, userID, push)
		if err != nil {
			return model.SyncResult{}, fmt.Errorf("push: %w", err)
		}
	}
	if len(apply) > 0 {
		if err := c.local.ApplyChanges(ctx, userID, apply); err != nil {
			return model.SyncResult{}, fmt.Errorf("apply remote: %w", err)
		}
	}
	for _, p := range uploaded {
		acked = append(acked, p.Entry.ID)
	}
	if err := c.local.MarkSynced(ctx, userID, acked); err != nil {
		return model.SyncResult{}, fmt.Errorf("mark synced: %w", err)
	}
	if err := c.local.SetSyncCursor(ctx, userID, syncTS); err != nil {
		return model.SyncResult{}, fmt.Errorf("store cursor: %w", err)
	}

	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	res := model.SyncResult{
		UploadedCount:     len(uploaded),
		DownloadedCount:   len(apply),
		ConflictedEntries: conflicts,
		SyncTimestamp:     syncTS,
	}
	metrics.AddSyncConflicts(len(conflicts))
	c.log.Info("sync finished",
		zap.String("user", userID.String()),
		zap.Int("uploaded", res.UploadedCount),
		zap.Int("downloaded", res.DownloadedCount),
		zap.Int("conflicts", len(conflicts)),
		zap.Int("local_wins", localWins),
	)
	return res, nil
}

func sameKnown(known map[uuid.UUID]model.EntryChange, r model.EntryChange) bool {
	k, ok := known[r.Entry.ID]
	return ok && sameChange(k, r)
}

// knownChanges returns the local state of every entry mentioned by incoming.
func (c *Coordinator) knownChanges(ctx context.Context, userID uuid.UUID, incoming []model.EntryChange) (map[uuid.UUID]model.EntryChange, error) {
	known := map[uuid.UUID]model.EntryChange{}
	if len(incoming) == 0 {
		return known, nil
	}
	all, err := c.local.ChangesSince(ctx, userID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read local: %w", err)
	}
	wanted := make(map[uuid.UUID]bool, len(incoming))
	for _, r := range incoming {
		wanted[r.Entry.ID] = true
	}
	for _, ch := range all {
		if wanted[ch.Entry.ID] {
			known[ch.Entry.ID] = ch
		}
	}
	return known, nil
}
