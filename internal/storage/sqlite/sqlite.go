package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"heatersync/internal/auth"
	"heatersync/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements storage.Storage using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage instance
func New(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writers; the token and snapshot rows are tiny
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS auth_token (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			token TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS device_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			power INTEGER NOT NULL,
			mode TEXT NOT NULL,
			eco INTEGER NOT NULL,
			current_temp REAL NOT NULL,
			target_temp REAL NOT NULL,
			heating_active INTEGER NOT NULL,
			fetched_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetToken retrieves the stored token, nil if none was saved
// Implements auth.TokenStore interface
func (s *SQLiteStorage) GetToken(ctx context.Context) (*auth.StoredToken, error) {
	var token auth.StoredToken

	err := s.db.QueryRowContext(ctx, `
		SELECT token, expires_at, created_at, updated_at
		FROM auth_token WHERE id = 1
	`).Scan(&token.Value, &token.ExpiresAt, &token.CreatedAt, &token.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &token, nil
}

// SaveToken saves or replaces the token
// Implements auth.TokenStore interface
func (s *SQLiteStorage) SaveToken(ctx context.Context, token *auth.StoredToken) error {
	now := time.Now().UTC()
	token.UpdatedAt = now
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_token (id, token, expires_at, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, token.Value, token.ExpiresAt.UTC(), token.CreatedAt.UTC(), token.UpdatedAt)

	return err
}

// ClearToken removes the stored token
// Implements auth.TokenStore interface
func (s *SQLiteStorage) ClearToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM auth_token WHERE id = 1")
	return err
}

// LoadSnapshot returns the last saved device state. ok is false if none was saved.
func (s *SQLiteStorage) LoadSnapshot(ctx context.Context) (core.DeviceState, time.Time, bool, error) {
	var state core.DeviceState
	var mode string
	var fetchedAt time.Time

	err := s.db.QueryRowContext(ctx, `
		SELECT power, mode, eco, current_temp, target_temp, heating_active, fetched_at
		FROM device_state WHERE id = 1
	`).Scan(&state.Power, &mode, &state.Eco, &state.CurrentTemp, &state.TargetTemp, &state.HeatingActive, &fetchedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return core.DeviceState{}, time.Time{}, false, nil
	}
	if err != nil {
		return core.DeviceState{}, time.Time{}, false, err
	}

	state.Mode = core.Mode(mode)
	if !state.Mode.Valid() {
		return core.DeviceState{}, time.Time{}, false, fmt.Errorf("stored snapshot has unknown mode %q", mode)
	}

	return state, fetchedAt, true, nil
}

// SaveSnapshot saves or replaces the device state snapshot
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, state core.DeviceState, fetchedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_state (id, power, mode, eco, current_temp, target_temp, heating_active, fetched_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			power = excluded.power,
			mode = excluded.mode,
			eco = excluded.eco,
			current_temp = excluded.current_temp,
			target_temp = excluded.target_temp,
			heating_active = excluded.heating_active,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at
	`, state.Power, string(state.Mode), state.Eco, state.CurrentTemp, state.TargetTemp, state.HeatingActive,
		fetchedAt.UTC(), time.Now().UTC())

	return err
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
