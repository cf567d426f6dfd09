package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/remote"

	"golang.org/x/sync/singleflight"
)

// DefaultLifetime is used when no token lifetime is configured. The remote
// API never advertises an expiry, so this is a conservative guess.
const DefaultLifetime = time.Hour

const loginKey = "login"

// Authenticator performs the login call
type Authenticator interface {
	Login(ctx context.Context, creds remote.Credentials) (string, error)
}

// StoredToken is the persisted form of a token
type StoredToken struct {
	Value     string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenStore persists the token across restarts
type TokenStore interface {
	GetToken(ctx context.Context) (*StoredToken, error)
	SaveToken(ctx context.Context, token *StoredToken) error
	ClearToken(ctx context.Context) error
}

// Status summarizes the token state for diagnostics
type Status struct {
	HasToken    bool
	Valid       bool
	ExpiresAt   time.Time
	LastLoginAt time.Time
	Logins      int
}

// Manager owns the authentication token. Logins are single-flight: callers
// that need a token while a login is running share its result.
type Manager struct {
	authenticator Authenticator
	store         TokenStore
	creds         remote.Credentials
	lifetime      time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	token       core.Token
	lastLoginAt time.Time
	logins      int
	storeLoaded bool
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists tokens in store
func WithStore(store TokenStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithClock overrides the time source
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithLifetime sets the fixed token lifetime
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// NewManager creates a new token manager
func NewManager(authenticator Authenticator, creds remote.Credentials, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		authenticator: authenticator,
		creds:         creds,
		lifetime:      DefaultLifetime,
		clock:         clock.RealClock{},
		logger:        logger.With("component", "token-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.storeLoaded = true
	}
	return m
}

// EnsureValid returns the current token if it has not expired, logging in
// otherwise
func (m *Manager) EnsureValid(ctx context.Context) (core.Token, error) {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()

	if token.Valid(m.clock.Now()) {
		return token, nil
	}
	return m.login(ctx)
}

// ForceRefresh logs in again regardless of the current token, joining a
// login that is already running
func (m *Manager) ForceRefresh(ctx context.Context) (core.Token, error) {
	m.mu.Lock()
	m.storeLoaded = true
	m.mu.Unlock()
	return m.login(ctx)
}

// Status returns a snapshot of the token state
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		HasToken:    m.token.Value != "",
		Valid:       m.token.Valid(m.clock.Now()),
		ExpiresAt:   m.token.ExpiresAt,
		LastLoginAt: m.lastLoginAt,
		Logins:      m.logins,
	}
}

func (m *Manager) login(ctx context.Context) (core.Token, error) {
	// The login itself must not be cancelled by whichever caller started it
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(loginKey, func() (interface{}, error) {
		return m.doLogin(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return core.Token{}, res.Err
		}
		return res.Val.(core.Token), nil
	case <-ctx.Done():
		return core.Token{}, ctx.Err()
	}
}

func (m *Manager) doLogin(ctx context.Context) (core.Token, error) {
	if token, ok := m.adoptStored(ctx); ok {
		return token, nil
	}

	value, err := m.authenticator.Login(ctx, m.creds)
	if err != nil {
		if isRejection(err) {
			m.logger.Error("Login rejected, clearing token", "error", err)
			m.clear(ctx)
			return core.Token{}, fmt.Errorf("%w: %w", core.ErrAuth, err)
		}
		m.logger.Warn("Login failed, keeping previous token", "error", err)
		return core.Token{}, fmt.Errorf("%w: %w: %w", core.ErrAuth, core.ErrTransientNetwork, err)
	}

	now := m.clock.Now()
	token := core.Token{Value: value, ExpiresAt: now.Add(m.lifetime)}

	m.mu.Lock()
	m.token = token
	m.lastLoginAt = now
	m.logins++
	m.mu.Unlock()

	m.logger.Info("Logged in", "expires_at", token.ExpiresAt)

	if m.store != nil {
		stored := &StoredToken{Value: token.Value, ExpiresAt: token.ExpiresAt}
		if err := m.store.SaveToken(ctx, stored); err != nil {
			// We still have the token in memory
			m.logger.Warn("Failed to persist token", "error", err)
		}
	}

	return token, nil
}

// adoptStored uses a persisted, unexpired token on the first login attempt
// after start-up
func (m *Manager) adoptStored(ctx context.Context) (core.Token, bool) {
	m.mu.Lock()
	loaded := m.storeLoaded
	m.storeLoaded = true
	m.mu.Unlock()
	if loaded {
		return core.Token{}, false
	}

	stored, err := m.store.GetToken(ctx)
	if err != nil {
		m.logger.Warn("Failed to read persisted token", "error", err)
		return core.Token{}, false
	}
	if stored == nil {
		return core.Token{}, false
	}

	token := core.Token{Value: stored.Value, ExpiresAt: stored.ExpiresAt}
	if !token.Valid(m.clock.Now()) {
		return core.Token{}, false
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	m.logger.Info("Using persisted token", "expires_at", token.ExpiresAt)
	return token, true
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.token = core.Token{}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.ClearToken(ctx); err != nil {
			m.logger.Warn("Failed to clear persisted token", "error", err)
		}
	}
}

// isRejection reports whether a login error is a definitive answer from the
// server rather than a transport problem
func isRejection(err error) bool {
	if errors.Is(err, remote.ErrNoToken) {
		return true
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}
