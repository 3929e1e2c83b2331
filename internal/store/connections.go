package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

const connectionColumns = `id, user_id, provider, name, direction, calendar_id, feed_url, timezone,
	access_token, refresh_token, token_expiry, last_sync, active`

// Registry stores calendar connections.
type Registry struct {
	db  *DB
	now func() time.Time
}

// NewRegistry creates a Registry on db.
func NewRegistry(db *DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Add validates cfg, assigns it a new id and stores it.
func (r *Registry) Add(ctx context.Context, cfg *model.ConnectionConfig) (string, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	cfg.ID = uuid.NewString()

	query := `
		INSERT INTO connections (` + connectionColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		cfg.ID, cfg.UserID, cfg.Provider, cfg.Name, cfg.Direction, cfg.CalendarID, cfg.FeedURL, cfg.Timezone,
		cfg.AccessToken, cfg.RefreshToken, toUnix(cfg.TokenExpiry), toUnix(cfg.LastSync), boolInt(cfg.Active),
		r.now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to add connection: %w", err)
	}
	return cfg.ID, nil
}

// Remove deletes a connection. Events it imported stay in the store.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(ErrNotFound, "remove connection", fmt.Errorf("connection %s", id))
	}
	return nil
}

// Get returns one connection.
func (r *Registry) Get(ctx context.Context, id string) (*model.ConnectionConfig, error) {
	cfg, err := scanConnection(r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id))
	if IsNotFound(err) {
		return nil, model.NewError(ErrNotFound, "get connection", fmt.Errorf("connection %s", id))
	}
	return cfg, err
}

// ListForUser returns the user's connections, oldest first.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]model.ConnectionConfig, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListActive returns every active connection of every user.
func (r *Registry) ListActive(ctx context.Context) ([]model.ConnectionConfig, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections WHERE active = 1 ORDER BY user_id, created_at, id`)
}

// Save persists the mutable state of a connection after a sync: tokens,
// last sync time and the active flag.
func (r *Registry) Save(ctx context.Context, cfg *model.ConnectionConfig) error {
	query := `
		UPDATE connections
		SET name = ?, direction = ?, timezone = ?, access_token = ?, refresh_token = ?,
			token_expiry = ?, last_sync = ?, active = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		cfg.Name, cfg.Direction, cfg.Timezone, cfg.AccessToken, cfg.RefreshToken,
		toUnix(cfg.TokenExpiry), toUnix(cfg.LastSync), boolInt(cfg.Active), cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(ErrNotFound, "save connection", fmt.Errorf("connection %s", cfg.ID))
	}
	return nil
}

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]model.ConnectionConfig, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	// Return empty slice instead of nil
	configs := []model.ConnectionConfig{}
	for rows.Next() {
		cfg, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}

func scanConnection(row scanner) (*model.ConnectionConfig, error) {
	var (
		cfg              model.ConnectionConfig
		expiry, lastSync int64
		active           int
	)
	err := row.Scan(&cfg.ID, &cfg.UserID, &cfg.Provider, &cfg.Name, &cfg.Direction, &cfg.CalendarID, &cfg.FeedURL, &cfg.Timezone,
		&cfg.AccessToken, &cfg.RefreshToken, &expiry, &lastSync, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.TokenExpiry = fromUnix(expiry)
	cfg.LastSync = fromUnix(lastSync)
	cfg.Active = active != 0
	return &cfg, nil
}
