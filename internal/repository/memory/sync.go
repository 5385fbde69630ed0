package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

func toChange(se storedEntry) model.EntryChange {
	return model.EntryChange{Entry: se.entry, Deleted: se.deleted, ChangedAt: se.changedAt}
}

func (s *Store) changes(userID uuid.UUID, match func(storedEntry) bool) []model.EntryChange {
	out := make([]model.EntryChange, 0)
	for _, se := range s.st.entries {
		if se.entry.UserID == userID && match(se) {
			out = append(out, toChange(se))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.Before(out[j].ChangedAt)
		}
		return out[i].Entry.ID.String() < out[j].Entry.ID.String()
	})
	return out
}

// PendingChanges implements repository.SyncStore.
func (s *Store) PendingChanges(_ context.Context, userID uuid.UUID) ([]model.EntryChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changes(userID, func(se storedEntry) bool { return !se.entry.IsSynced }), nil
}

// ChangesSince implements repository.SyncStore.
func (s *Store) ChangesSince(_ context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changes(userID, func(se storedEntry) bool { return se.recordedAt.After(since) }), nil
}

func putChange(st *state, userID uuid.UUID, ch model.EntryChange, synced bool, now time.Time) error {
	if ch.Entry.UserID != userID {
		return errs.ErrForbidden
	}
	if !ch.Deleted {
		if err := ch.Entry.Validate(); err != nil {
			return err
		}
	}
	if cur, ok := st.entries[ch.Entry.ID]; ok && cur.entry.UserID != userID {
		return errs.ErrForbidden
	}
	e := ch.Entry
	e.IsSynced = synced
	changedAt := ch.ChangedAt
	if changedAt.IsZero() {
		changedAt = e.LastModified()
	}
	st.entries[e.ID] = storedEntry{entry: e, deleted: ch.Deleted, changedAt: changedAt, recordedAt: now}
	return nil
}

// ApplyChanges implements repository.SyncStore.
func (s *Store) ApplyChanges(_ context.Context, userID uuid.UUID, changes []model.EntryChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	next := s.st.clone()
	for i, ch := range changes {
		if err := putChange(next, userID, ch, true, now); err != nil {
			return fmt.Errorf("change[%d]: %w", i, err)
		}
	}
	s.st = next
	s.notifyLocked(userID)
	return nil
}

// MarkSynced implements repository.SyncStore.
func (s *Store) MarkSynced(_ context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		se, ok := s.st.entries[id]
		if !ok || se.entry.UserID != userID {
			continue
		}
		se.entry.IsSynced = true
		s.st.entries[id] = se
	}
	return nil
}

// RecordChange implements repository.LocalStore.
func (s *Store) RecordChange(_ context.Context, ch model.EntryChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := putChange(s.st, ch.Entry.UserID, ch, false, s.clk.Now()); err != nil {
		return err
	}
	s.notifyLocked(ch.Entry.UserID)
	return nil
}

// SyncCursor implements repository.LocalStore.
func (s *Store) SyncCursor(_ context.Context, userID uuid.UUID) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.cursors[userID], nil
}

// SetSyncCursor implements repository.LocalStore.
func (s *Store) SetSyncCursor(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cursors[userID] = at
	return nil
}

// WatchTotalPoints implements repository.EntryRepository. Slow readers only
// see the latest value.
func (s *Store) WatchTotalPoints(ctx context.Context, userID uuid.UUID) (<-chan int64, error) {
	ch := make(chan int64, 1)

	s.mu.Lock()
	ch <- balance(s.st, userID)
	id := s.nextW
	s.nextW++
	if s.watchers[userID] == nil {
		s.watchers[userID] = map[int]chan int64{}
	}
	s.watchers[userID][id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers[userID], id)
		if len(s.watchers[userID]) == 0 {
			delete(s.watchers, userID)
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// notifyLocked pushes the current balance to userID's watchers. Caller holds s.mu.
func (s *Store) notifyLocked(userID uuid.UUID) {
	ws := s.watchers[userID]
	if len(ws) == 0 {
		return
	}
	total := balance(s.st, userID)
	for _, ch := range ws {
		sendLatest(ch, total)
	}
}

func sendLatest(ch chan int64, v int64) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
