package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

const eventColumns = `id, user_id, origin, external_id, remote_id, title, description, location,
	start_at, end_at, all_day, category, source_type, source_id`

// updatableFields are the columns UpdateFields may touch.
var updatableFields = map[string]bool{
	"title":       true,
	"description": true,
	"location":    true,
	"remote_id":   true,
}

// Store is the local event store.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a Store on db.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateLocalEvent records a household event as a source entity for export.
// An external id is assigned when missing so exported UIDs stay stable.
// All-day bounds are reduced to their calendar date in the location they
// were given in, and an all-day event without a later end lasts one day.
func (s *Store) CreateLocalEvent(ctx context.Context, ev *model.LocalEvent) error {
	ev.Origin = model.OriginLocal
	if ev.ExternalID == "" {
		ev.ExternalID = uuid.NewString()
	}
	if ev.AllDay {
		ev.Start = model.TruncateDay(ev.Start)
		ev.End = model.TruncateDay(ev.End)
		if ev.End.Equal(ev.Start) {
			ev.End = ev.Start.AddDate(0, 0, 1)
		}
	}
	if err := ev.ToExternal().Validate(); err != nil {
		return err
	}
	return insertEvent(ctx, s.db, ev, s.now())
}

// ReadPending returns the user's own events starting in [from, to), ordered
// by start.
func (s *Store) ReadPending(ctx context.Context, userID string, from, to time.Time) ([]model.LocalEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE user_id = ? AND origin = ? AND start_at >= ? AND start_at < ?
		ORDER BY start_at, id`

	rows, err := s.db.QueryContext(ctx, query, userID, model.OriginLocal, toUnix(from), toUnix(to))
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	defer rows.Close()

	events := []model.LocalEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// CountEvents returns how many events the user has.
func (s *Store) CountEvents(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// Begin opens the write scope of one sync phase.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, now: s.now}, nil
}

// Tx is a store transaction. Nothing is visible to other readers until
// Commit.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// FindByExternalID returns the user's event with externalID, or nil if
// there is none.
func (t *Tx) FindByExternalID(ctx context.Context, userID, externalID string) (*model.LocalEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE user_id = ? AND external_id = ?`
	ev, err := scanEvent(t.tx.QueryRowContext(ctx, query, userID, externalID))
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Insert adds ev and sets its id.
func (t *Tx) Insert(ctx context.Context, ev *model.LocalEvent) error {
	return insertEvent(ctx, t.tx, ev, t.now())
}

// UpdateFields changes the given columns of event id in place. Only title,
// description, location and remote_id may be updated.
func (t *Tx) UpdateFields(ctx context.Context, id int64, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !updatableFields[name] {
			return fmt.Errorf("field %q cannot be updated", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, fields[name])
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, t.now().Unix(), id)

	res, err := t.tx.ExecContext(ctx, `UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrNotFound, "update event", fmt.Errorf("event %d", id))
	}
	return nil
}

// Commit makes the phase's writes visible.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback discards the phase's writes. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *model.LocalEvent, now time.Time) error {
	if ev.Category == "" {
		ev.Category = model.CategoryGeneric
	}
	query := `
		INSERT INTO events (user_id, origin, external_id, remote_id, title, description, location,
			start_at, end_at, all_day, category, source_type, source_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.ExecContext(ctx, query,
		ev.UserID, ev.Origin, ev.ExternalID, ev.RemoteID, ev.Title, ev.Description, ev.Location,
		toUnix(ev.Start), toUnix(ev.End), boolInt(ev.AllDay), ev.Category, ev.Source.Type, ev.Source.ID,
		now.Unix(), now.Unix())
	if IsDuplicate(err) {
		return fmt.Errorf("event %q: %w", ev.ExternalID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*model.LocalEvent, error) {
	var (
		ev           model.LocalEvent
		start, end   int64
		allDay       int
		srcType, src string
	)
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Origin, &ev.ExternalID, &ev.RemoteID, &ev.Title, &ev.Description, &ev.Location,
		&start, &end, &allDay, &ev.Category, &srcType, &src)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Start = fromUnix(start)
	ev.End = fromUnix(end)
	ev.AllDay = allDay != 0
	ev.Source = model.SourceRef{Type: srcType, ID: src}
	return &ev, nil
}
