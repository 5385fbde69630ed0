// Package memory implements the repository interfaces in process memory.
// It is deterministic and is used in tests and as the offline store of the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/and161185/rewardledger/internal/rules"
	"github.com/gofrs/uuid/v5"
)

var (
	_ repository.Ledger     = (*Store)(nil)
	_ repository.LocalStore = (*Store)(nil)
)

type storedEntry struct {
	entry      model.RewardEntry
	deleted    bool
	changedAt  time.Time // logical time of the last change, compared during sync
	recordedAt time.Time // when this store saw the change, used by ChangesSince
}

type state struct {
	entries    map[uuid.UUID]storedEntry
	categories map[string]model.RewardCategory
	options    map[string]model.RedemptionOption
	txs        map[uuid.UUID]model.RedemptionTransaction
	cursors    map[uuid.UUID]time.Time
}

func (s *state) clone() *state {
	cp := &state{
		entries:    make(map[uuid.UUID]storedEntry, len(s.entries)),
		categories: make(map[string]model.RewardCategory, len(s.categories)),
		options:    make(map[string]model.RedemptionOption, len(s.options)),
		txs:        make(map[uuid.UUID]model.RedemptionTransaction, len(s.txs)),
		cursors:    make(map[uuid.UUID]time.Time, len(s.cursors)),
	}
	for k, v := range s.entries {
		cp.entries[k] = v
	}
	for k, v := range s.categories {
		cp.categories[k] = v
	}
	for k, v := range s.options {
		cp.options[k] = v
	}
	for k, v := range s.txs {
		cp.txs[k] = v
	}
	for k, v := range s.cursors {
		cp.cursors[k] = v
	}
	return cp
}

// Store is a mutex-guarded in-memory ledger. Batches are applied to a copy of
// the state that replaces the live state only when every step succeeded.
type Store struct {
	mu       sync.RWMutex
	st       *state
	clk      clock.Clock
	watchers map[uuid.UUID]map[int]chan int64
	nextW    int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for change bookkeeping.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clk = c } }

// WithRedemptionOptions seeds the option catalog.
func WithRedemptionOptions(opts ...model.RedemptionOption) Option {
	return func(s *Store) {
		for _, o := range opts {
			s.st.options[o.ID] = o
		}
	}
}

// New returns an empty store seeded with the default categories.
func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			entries:    map[uuid.UUID]storedEntry{},
			categories: map[string]model.RewardCategory{},
			options:    map[string]model.RedemptionOption{},
			txs:        map[uuid.UUID]model.RedemptionTransaction{},
			cursors:    map[uuid.UUID]time.Time{},
		},
		clk:      clock.System{},
		watchers: map[uuid.UUID]map[int]chan int64{},
	}
	for _, c := range model.DefaultCategories() {
		s.st.categories[c.ID] = c
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- entries ---

func liveEntry(st *state, userID, id uuid.UUID) (storedEntry, error) {
	se, ok := st.entries[id]
	if !ok || se.deleted {
		return storedEntry{}, errs.ErrNotFound
	}
	if se.entry.UserID != userID {
		return storedEntry{}, errs.ErrForbidden
	}
	return se, nil
}

// GetRewardEntry implements repository.EntryRepository.
func (s *Store) GetRewardEntry(_ context.Context, userID, entryID uuid.UUID) (model.RewardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, err := liveEntry(s.st, userID, entryID)
	if err != nil {
		return model.RewardEntry{}, err
	}
	return se.entry, nil
}

func (s *Store) userEntries(userID uuid.UUID, match func(model.RewardEntry) bool) []model.RewardEntry {
	out := make([]model.RewardEntry, 0)
	for _, se := range s.st.entries {
		if se.deleted || se.entry.UserID != userID || !match(se.entry) {
			continue
		}
		out = append(out, se.entry)
	}
	model.SortEntriesNewestFirst(out)
	return out
}

// GetRewardHistory implements repository.EntryRepository.
func (s *Store) GetRewardHistory(_ context.Context, userID uuid.UUID, q model.HistoryQuery) (model.Page[model.RewardEntry], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Paginate(s.userEntries(userID, q.Matches), q.Page, q.Limit), nil
}

// ListRewardEntries implements repository.EntryRepository.
func (s *Store) ListRewardEntries(_ context.Context, userID uuid.UUID, r model.DateRange) ([]model.RewardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userEntries(userID, func(e model.RewardEntry) bool { return r.Contains(e.CreatedAt) }), nil
}

// AddRewardEntry implements repository.EntryRepository.
func (s *Store) AddRewardEntry(_ context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := addEntry(s.st, e, s.clk.Now()); err != nil {
		return model.RewardEntry{}, err
	}
	s.notifyLocked(e.UserID)
	return e, nil
}

func addEntry(st *state, e model.RewardEntry, now time.Time) error {
	if _, exists := st.entries[e.ID]; exists {
		return errs.ErrAlreadyExists
	}
	st.entries[e.ID] = storedEntry{entry: e, changedAt: e.LastModified(), recordedAt: now}
	return nil
}

// UpdateRewardEntry implements repository.EntryRepository.
func (s *Store) UpdateRewardEntry(_ context.Context, e model.RewardEntry) (model.RewardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := updateEntry(s.st, e, s.clk.Now()); err != nil {
		return model.RewardEntry{}, err
	}
	s.notifyLocked(e.UserID)
	return e, nil
}

func updateEntry(st *state, e model.RewardEntry, now time.Time) error {
	if _, err := liveEntry(st, e.UserID, e.ID); err != nil {
		return err
	}
	st.entries[e.ID] = storedEntry{entry: e, changedAt: e.LastModified(), recordedAt: now}
	return nil
}

// DeleteRewardEntry implements repository.EntryRepository.
func (s *Store) DeleteRewardEntry(_ context.Context, entryID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := deleteEntry(s.st, userID, entryID, s.clk.Now()); err != nil {
		return err
	}
	s.notifyLocked(userID)
	return nil
}

func deleteEntry(st *state, userID, entryID uuid.UUID, now time.Time) error {
	se, err := liveEntry(st, userID, entryID)
	if err != nil {
		return err
	}
	se.deleted = true
	se.entry.IsSynced = false
	se.changedAt = now
	se.recordedAt = now
	st.entries[entryID] = se
	return nil
}

func balance(st *state, userID uuid.UUID) int64 {
	var total int64
	for _, se := range st.entries {
		if !se.deleted && se.entry.UserID == userID {
			total += se.entry.Points
		}
	}
	for _, tx := range st.txs {
		if tx.UserID == userID && tx.Status.DeductsBalance() {
			total -= tx.PointsUsed
		}
	}
	return total
}

// GetTotalPoints implements repository.EntryRepository.
func (s *Store) GetTotalPoints(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balance(s.st, userID), nil
}

// BatchOperations implements repository.EntryRepository.
func (s *Store) BatchOperations(_ context.Context, userID uuid.UUID, ops []model.ResolvedOp) ([]model.RewardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	next := s.st.clone()
	out := make([]model.RewardEntry, 0, len(ops))
	for i, op := range ops {
		if op.Entry.UserID != userID {
			return nil, fmt.Errorf("op[%d]: %w", i, errs.ErrForbidden)
		}
		var err error
		switch op.Kind {
		case model.BatchAdd:
			err = addEntry(next, op.Entry, now)
		case model.BatchUpdate:
			err = updateEntry(next, op.Entry, now)
		case model.BatchDelete:
			err = deleteEntry(next, userID, op.Entry.ID, now)
		default:
			err = errs.Validation(errs.RuleRequest, "kind", errs.CodeInvalid, fmt.Sprintf("unknown op %q", op.Kind))
		}
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		out = append(out, op.Entry)
	}
	s.st = next
	s.notifyLocked(userID)
	return out, nil
}

// --- categories ---

// GetRewardCategories implements repository.CategoryRepository.
func (s *Store) GetRewardCategories(_ context.Context, userID uuid.UUID) ([]model.RewardCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RewardCategory, 0, len(s.st.categories))
	for _, c := range s.st.categories {
		if c.VisibleTo(userID) {
			out = append(out, c)
		}
	}
	sortCategories(out)
	return out, nil
}

func sortCategories(cs []model.RewardCategory) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].IsDefault != cs[j].IsDefault {
			return cs[i].IsDefault
		}
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// GetRewardCategory implements repository.CategoryRepository.
func (s *Store) GetRewardCategory(_ context.Context, userID uuid.UUID, id string) (model.RewardCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.st.categories[id]
	if !ok || !c.VisibleTo(userID) {
		return model.RewardCategory{}, errs.ErrNotFound
	}
	return c, nil
}

func nameTaken(st *state, c model.RewardCategory) bool {
	for _, other := range st.categories {
		if other.ID != c.ID && other.VisibleTo(c.UserID) && strings.EqualFold(other.Name, c.Name) {
			return true
		}
	}
	return false
}

// AddRewardCategory implements repository.CategoryRepository.
func (s *Store) AddRewardCategory(_ context.Context, c model.RewardCategory) (model.RewardCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.categories[c.ID]; exists || nameTaken(s.st, c) {
		return model.RewardCategory{}, errs.ErrAlreadyExists
	}
	s.st.categories[c.ID] = c
	return c, nil
}

// UpdateRewardCategory implements repository.CategoryRepository.
func (s *Store) UpdateRewardCategory(_ context.Context, c model.RewardCategory) (model.RewardCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.categories[c.ID]
	if !ok || !cur.VisibleTo(c.UserID) {
		return model.RewardCategory{}, errs.ErrNotFound
	}
	if cur.IsDefault {
		return model.RewardCategory{}, errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be modified")
	}
	if nameTaken(s.st, c) {
		return model.RewardCategory{}, errs.ErrAlreadyExists
	}
	s.st.categories[c.ID] = c
	return c, nil
}

// DeleteRewardCategory implements repository.CategoryRepository.
func (s *Store) DeleteRewardCategory(_ context.Context, userID uuid.UUID, id, reassignTo string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.st.categories[id]
	if !ok || !cur.VisibleTo(userID) {
		return errs.ErrNotFound
	}
	if cur.IsDefault {
		return errs.Validation(errs.RuleCategoryImmutable, "id", errs.CodeInvalid, "default categories cannot be deleted")
	}
	target, ok := s.st.categories[reassignTo]
	if !ok || !target.VisibleTo(userID) || reassignTo == id {
		return errs.Validation(errs.RuleCategoryRequired, "reassignTo", errs.CodeInvalid, "a different existing category is required")
	}
	now := s.clk.Now()
	for eid, se := range s.st.entries {
		if se.deleted || se.entry.UserID != userID || se.entry.CategoryID != id {
			continue
		}
		ts := at
		se.entry.CategoryID = reassignTo
		se.entry.UpdatedAt = &ts
		se.entry.IsSynced = false
		se.changedAt = at
		se.recordedAt = now
		s.st.entries[eid] = se
	}
	delete(s.st.categories, id)
	return nil
}

// --- redemptions ---

// GetRedemptionOptions implements repository.RedemptionRepository.
func (s *Store) GetRedemptionOptions(_ context.Context) ([]model.RedemptionOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RedemptionOption, 0, len(s.st.options))
	for _, o := range s.st.options {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequiredPoints != out[j].RequiredPoints {
			return out[i].RequiredPoints < out[j].RequiredPoints
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetRedemptionOption implements repository.RedemptionRepository.
func (s *Store) GetRedemptionOption(_ context.Context, id string) (model.RedemptionOption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.options[id]
	if !ok {
		return model.RedemptionOption{}, errs.ErrNotFound
	}
	return o, nil
}

// RedeemPoints implements repository.RedemptionRepository.
func (s *Store) RedeemPoints(_ context.Context, tx model.RedemptionTransaction) (model.RedemptionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.txs[tx.ID]; exists {
		return model.RedemptionTransaction{}, errs.ErrAlreadyExists
	}
	if _, ok := s.st.options[tx.OptionID]; !ok {
		return model.RedemptionTransaction{}, errs.ErrNotFound
	}
	if err := rules.ValidateBalanceSufficiency(balance(s.st, tx.UserID), tx.PointsUsed); err != nil {
		return model.RedemptionTransaction{}, err
	}
	s.st.txs[tx.ID] = tx
	s.notifyLocked(tx.UserID)
	return tx, nil
}

func ownedTx(st *state, id, userID uuid.UUID) (model.RedemptionTransaction, error) {
	tx, ok := st.txs[id]
	if !ok {
		return model.RedemptionTransaction{}, errs.ErrNotFound
	}
	if tx.UserID != userID {
		return model.RedemptionTransaction{}, errs.ErrForbidden
	}
	return tx, nil
}

// GetRedemptionTransaction implements repository.RedemptionRepository.
func (s *Store) GetRedemptionTransaction(_ context.Context, id, userID uuid.UUID) (model.RedemptionTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ownedTx(s.st, id, userID)
}

// UpdateRedemptionStatus implements repository.RedemptionRepository.
func (s *Store) UpdateRedemptionStatus(_ context.Context, tx model.RedemptionTransaction, from model.TransactionStatus) (model.RedemptionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := ownedTx(s.st, tx.ID, tx.UserID)
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	if cur.Status != from {
		return model.RedemptionTransaction{}, errs.ErrVersionConflict
	}
	s.st.txs[tx.ID] = tx
	s.notifyLocked(tx.UserID)
	return tx, nil
}

// CancelRedemption implements repository.RedemptionRepository.
func (s *Store) CancelRedemption(_ context.Context, id, userID uuid.UUID, reason string, at time.Time) (model.RedemptionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := ownedTx(s.st, id, userID)
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	next, err := cur.Cancel(reason, at)
	if err != nil {
		return model.RedemptionTransaction{}, err
	}
	s.st.txs[id] = next
	s.notifyLocked(userID)
	return next, nil
}

// ExpirePending implements repository.RedemptionRepository.
func (s *Store) ExpirePending(_ context.Context, cutoff, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tx := range s.st.txs {
		if tx.Status != model.StatusPending || !tx.RedeemedAt.Before(cutoff) {
			continue
		}
		next, err := tx.Transition(model.StatusExpired, at)
		if err != nil {
			return n, err
		}
		s.st.txs[id] = next
		n++
	}
	return n, nil
}

func (s *Store) userTxs(userID uuid.UUID, match func(model.RedemptionTransaction) bool) []model.RedemptionTransaction {
	out := make([]model.RedemptionTransaction, 0)
	for _, tx := range s.st.txs {
		if tx.UserID == userID && match(tx) {
			out = append(out, tx)
		}
	}
	model.SortTransactionsNewestFirst(out)
	return out
}

// GetRedemptionHistory implements repository.RedemptionRepository.
func (s *Store) GetRedemptionHistory(_ context.Context, userID uuid.UUID, q model.RedemptionQuery) (model.Page[model.RedemptionTransaction], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Paginate(s.userTxs(userID, q.Matches), q.Page, q.Limit), nil
}

// ListRedemptions implements repository.RedemptionRepository.
func (s *Store) ListRedemptions(_ context.Context, userID uuid.UUID, r model.DateRange) ([]model.RedemptionTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userTxs(userID, func(tx model.RedemptionTransaction) bool { return r.Contains(tx.RedeemedAt) }), nil
}
