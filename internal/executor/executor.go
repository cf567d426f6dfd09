package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/remote"
)

// Policy defaults
const (
	DefaultMaxAttempts    = 3
	DefaultBackoff        = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

// Policy is the retry policy applied uniformly to every remote call
type Policy struct {
	// MaxAttempts bounds the attempts made while the API answers 429
	MaxAttempts int
	// Backoff is the delay before the first rate-limit retry
	Backoff time.Duration
	// Multiplier grows the delay between retries. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxBackoff caps the grown delay
	MaxBackoff time.Duration
	// RequestTimeout bounds every single attempt
	RequestTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = DefaultRequestTimeout
	}
	return p
}

// next returns the delay following d
func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.MaxBackoff {
		n = p.MaxBackoff
	}
	return n
}

// TokenSource supplies tokens to the executor
type TokenSource interface {
	EnsureValid(ctx context.Context) (core.Token, error)
	ForceRefresh(ctx context.Context) (core.Token, error)
}

// Operation is one remote call made with the given token
type Operation func(ctx context.Context, token string) error

// Executor runs remote operations with a valid token, re-authenticating once
// on 401 and backing off on 429. It keeps no state between calls.
type Executor struct {
	tokens TokenSource
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a new executor
func New(tokens TokenSource, policy Policy, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tokens: tokens,
		policy: policy.withDefaults(),
		clock:  clk,
		logger: logger.With("component", "executor"),
	}
}

// Policy returns the effective policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds or fails in a way the policy does not
// retry. Returned errors wrap one of the core error sentinels.
func (e *Executor) Execute(ctx context.Context, name string, op Operation) error {
	reauthenticated := false
	rateLimited := 0
	delay := e.policy.Backoff

	for {
		token, err := e.tokens.EnsureValid(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		err = e.attempt(ctx, op, token.Value)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}

		switch statusCode(err) {
		case http.StatusUnauthorized:
			if reauthenticated {
				return fmt.Errorf("%w: %s still unauthorized after re-login: %w", core.ErrAuth, name, err)
			}
			reauthenticated = true
			e.logger.Info("Unauthorized, forcing re-login", "op", name)
			if _, err := e.tokens.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}

		case http.StatusTooManyRequests:
			rateLimited++
			if rateLimited >= e.policy.MaxAttempts {
				return fmt.Errorf("%w: %s gave up after %d attempts: %w", core.ErrRateLimited, name, rateLimited, err)
			}
			e.logger.Warn("Rate limited, backing off", "op", name, "attempt", rateLimited, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			delay = e.policy.next(delay)

		default:
			return classify(name, err)
		}
	}
}

// attempt runs op once under the per-attempt timeout
func (e *Executor) attempt(ctx context.Context, op Operation, token string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.RequestTimeout)
	defer cancel()
	return op(attemptCtx, token)
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

func statusCode(err error) int {
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// classify maps a non-retryable error onto the core taxonomy
func classify(name string, err error) error {
	for _, sentinel := range []error{core.ErrAuth, core.ErrRateLimited, core.ErrTransientNetwork, core.ErrRemote} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if code := statusCode(err); code != 0 {
		if code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %s: %w", core.ErrTransientNetwork, name, err)
		}
		return fmt.Errorf("%w: %s: %w", core.ErrRemote, name, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %w", core.ErrTransientNetwork, name, err)
	}

	return fmt.Errorf("%w: %s: %w", core.ErrRemote, name, err)
}
