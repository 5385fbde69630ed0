// Package sqlite keeps offline changes in a local SQLite file until they are synced.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/migrate"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository"
	"github.com/gofrs/uuid/v5"
	_ "modernc.org/sqlite"
)

var _ repository.LocalStore = (*Store)(nil)

// Store implements repository.LocalStore on SQLite.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate.UpSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{db: db, clk: clk}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func dbErr(op string, err error) error {
	if err == nil || errs.KindOf(err) != errs.KindInternal {
		return err
	}
	return &errs.DatabaseError{Op: op, Err: err}
}

const changeCols = `id, user_id, points, description, category_id, type, created_at, updated_at, is_synced, deleted, changed_at`

func (s *Store) queryChanges(ctx context.Context, q string, args ...any) ([]model.EntryChange, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.EntryChange, 0)
	for rows.Next() {
		var (
			id, user, typ    string
			created, changed int64
			updated          sql.NullInt64
			ch               model.EntryChange
		)
		if err := rows.Scan(&id, &user, &ch.Entry.Points, &ch.Entry.Description, &ch.Entry.CategoryID, &typ,
			&created, &updated, &ch.Entry.IsSynced, &ch.Deleted, &changed); err != nil {
			return nil, err
		}
		if ch.Entry.ID, err = uuid.FromString(id); err != nil {
			return nil, err
		}
		if ch.Entry.UserID, err = uuid.FromString(user); err != nil {
			return nil, err
		}
		ch.Entry.Type = model.EntryType(typ)
		ch.Entry.CreatedAt = fromNanos(created)
		if updated.Valid {
			u := fromNanos(updated.Int64)
			ch.Entry.UpdatedAt = &u
		}
		ch.ChangedAt = fromNanos(changed)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// PendingChanges returns changes not yet acknowledged by the server.
func (s *Store) PendingChanges(ctx context.Context, userID uuid.UUID) ([]model.EntryChange, error) {
	const q = `SELECT ` + changeCols + ` FROM reward_entries WHERE user_id=? AND is_synced=0 ORDER BY changed_at, id`
	out, err := s.queryChanges(ctx, q, userID.String())
	return out, dbErr("pending changes", err)
}

// ChangesSince returns changes stored after since.
func (s *Store) ChangesSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]model.EntryChange, error) {
	const q = `SELECT ` + changeCols + ` FROM reward_entries WHERE user_id=? AND recorded_at > ? ORDER BY changed_at, id`
	var after int64
	if !since.IsZero() {
		after = nanos(since)
	}
	out, err := s.queryChanges(ctx, q, userID.String(), after)
	return out, dbErr("changes since", err)
}

const upsert = `
INSERT INTO reward_entries (id, user_id, points, description, category_id, type, created_at, updated_at, is_synced, deleted, changed_at, recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
  points=excluded.points, description=excluded.description, category_id=excluded.category_id,
  type=excluded.type, updated_at=excluded.updated_at, is_synced=excluded.is_synced,
  deleted=excluded.deleted, changed_at=excluded.changed_at, recorded_at=excluded.recorded_at
WHERE reward_entries.user_id = excluded.user_id`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, x execer, userID uuid.UUID, ch model.EntryChange, synced bool) error {
	e := ch.Entry
	if e.UserID != userID {
		return errs.ErrForbidden
	}
	if !ch.Deleted {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	changedAt := ch.ChangedAt
	if changedAt.IsZero() {
		changedAt = e.LastModified()
	}
	var updated sql.NullInt64
	if e.UpdatedAt != nil {
		updated = sql.NullInt64{Int64: nanos(*e.UpdatedAt), Valid: true}
	}
	res, err := x.ExecContext(ctx, upsert, e.ID.String(), e.UserID.String(), e.Points, e.Description, e.CategoryID,
		string(e.Type), nanos(e.CreatedAt), updated, synced, ch.Deleted, nanos(changedAt), nanos(s.clk.Now()))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.ErrForbidden
	}
	return nil
}

// ApplyChanges stores server changes as synced, all or nothing.
func (s *Store) ApplyChanges(ctx context.Context, userID uuid.UUID, changes []model.EntryChange) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("apply changes", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = dbErr("apply changes", err)
			return
		}
		if e := tx.Commit(); e != nil {
			err = dbErr("apply changes", e)
		}
	}()
	for i, ch := range changes {
		if err = s.put(ctx, tx, userID, ch, true); err != nil {
			return fmt.Errorf("change[%d]: %w", i, err)
		}
	}
	return nil
}

// MarkSynced flags entries as acknowledged.
func (s *Store) MarkSynced(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (err error) {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("mark synced", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = dbErr("mark synced", err)
			return
		}
		if e := tx.Commit(); e != nil {
			err = dbErr("mark synced", e)
		}
	}()
	const upd = `UPDATE reward_entries SET is_synced=1 WHERE user_id=? AND id=?`
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, upd, userID.String(), id.String()); err != nil {
			return err
		}
	}
	return nil
}

// RecordChange stores a change made while offline.
func (s *Store) RecordChange(ctx context.Context, ch model.EntryChange) error {
	return dbErr("record change", s.put(ctx, s.db, ch.Entry.UserID, ch, false))
}

// SyncCursor returns the last successful sync time, zero if none.
func (s *Store) SyncCursor(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT synced_at FROM sync_cursors WHERE user_id=?`, userID.String()).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, dbErr("sync cursor", err)
	}
	return fromNanos(at), nil
}

// SetSyncCursor stores the time of a successful sync.
func (s *Store) SetSyncCursor(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const q = `INSERT INTO sync_cursors (user_id, synced_at) VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE SET synced_at=excluded.synced_at`
	_, err := s.db.ExecContext(ctx, q, userID.String(), nanos(at))
	return dbErr("set sync cursor", err)
}
