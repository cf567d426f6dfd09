package storage

import (
	"context"
	"time"

	"heatersync/internal/auth"
	"heatersync/internal/core"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Token
	GetToken(ctx context.Context) (*auth.StoredToken, error)
	SaveToken(ctx context.Context, token *auth.StoredToken) error
	ClearToken(ctx context.Context) error

	// Last-known-good device state
	LoadSnapshot(ctx context.Context) (core.DeviceState, time.Time, bool, error)
	SaveSnapshot(ctx context.Context, state core.DeviceState, fetchedAt time.Time) error

	// Lifecycle
	Close() error
}
