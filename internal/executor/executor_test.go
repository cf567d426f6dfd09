package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockTokens struct {
	ensureCalls  atomic.Int32
	refreshCalls atomic.Int32
	ensureErr    error
	refreshErr   error
}

func (m *mockTokens) EnsureValid(ctx context.Context) (core.Token, error) {
	m.ensureCalls.Add(1)
	if m.ensureErr != nil {
		return core.Token{}, m.ensureErr
	}
	return core.Token{Value: fmt.Sprintf("tok-%d", m.refreshCalls.Load())}, nil
}

func (m *mockTokens) ForceRefresh(ctx context.Context) (core.Token, error) {
	n := m.refreshCalls.Add(1)
	if m.refreshErr != nil {
		return core.Token{}, m.refreshErr
	}
	return core.Token{Value: fmt.Sprintf("tok-%d", n)}, nil
}

// scriptedOp returns the scripted errors in order, then succeeds
type scriptedOp struct {
	errs   []error
	tokens []string
}

func (s *scriptedOp) run(ctx context.Context, token string) error {
	s.tokens = append(s.tokens, token)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func status(code int) error {
	return &remote.StatusError{Op: "test", StatusCode: code}
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: time.Millisecond, RequestTimeout: time.Second}
}

func TestExecutor_Success(t *testing.T) {
	tokens := &mockTokens{}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{}
	require.NoError(t, exec.Execute(context.Background(), "op", op.run))
	assert.Equal(t, []string{"tok-0"}, op.tokens)
	assert.Equal(t, int32(1), tokens.ensureCalls.Load())
	assert.Equal(t, int32(0), tokens.refreshCalls.Load())
}

func TestExecutor_UnauthorizedReauthenticatesOnce(t *testing.T) {
	tokens := &mockTokens{}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{errs: []error{status(http.StatusUnauthorized)}}
	require.NoError(t, exec.Execute(context.Background(), "op", op.run))

	assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	assert.Equal(t, []string{"tok-0", "tok-1"}, op.tokens)
}

func TestExecutor_SecondUnauthorizedIsAuthError(t *testing.T) {
	tokens := &mockTokens{}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{errs: []error{status(http.StatusUnauthorized), status(http.StatusUnauthorized), nil}}
	err := exec.Execute(context.Background(), "op", op.run)

	assert.ErrorIs(t, err, core.ErrAuth)
	assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	assert.Len(t, op.tokens, 2, "no retries after the second 401")
}

func TestExecutor_ReloginFailure(t *testing.T) {
	loginErr := fmt.Errorf("%w: bad credentials", core.ErrAuth)
	tokens := &mockTokens{refreshErr: loginErr}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{errs: []error{status(http.StatusUnauthorized)}}
	err := exec.Execute(context.Background(), "op", op.run)

	assert.ErrorIs(t, err, core.ErrAuth)
	assert.Len(t, op.tokens, 1)
}

func TestExecutor_EnsureValidFailure(t *testing.T) {
	tokens := &mockTokens{ensureErr: fmt.Errorf("%w: boom", core.ErrAuth)}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{}
	err := exec.Execute(context.Background(), "op", op.run)
	assert.ErrorIs(t, err, core.ErrAuth)
	assert.Empty(t, op.tokens)
}

func TestExecutor_RateLimitedRetries(t *testing.T) {
	tokens := &mockTokens{}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{errs: []error{status(http.StatusTooManyRequests), status(http.StatusTooManyRequests)}}
	require.NoError(t, exec.Execute(context.Background(), "op", op.run))
	assert.Len(t, op.tokens, 3)
	assert.Equal(t, int32(3), tokens.ensureCalls.Load(), "token checked before each attempt")
}

func TestExecutor_RateLimitedExhausted(t *testing.T) {
	tokens := &mockTokens{}
	exec := New(tokens, fastPolicy(), nil, testLogger())

	op := &scriptedOp{errs: []error{
		status(http.StatusTooManyRequests),
		status(http.StatusTooManyRequests),
		status(http.StatusTooManyRequests),
		status(http.StatusTooManyRequests),
	}}
	err := exec.Execute(context.Background(), "op", op.run)

	assert.ErrorIs(t, err, core.ErrRateLimited)
	assert.Len(t, op.tokens, 3, "exactly MaxAttempts attempts")
}

func TestExecutor_BackoffUsesClock(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	tokens := &mockTokens{}
	policy := Policy{MaxAttempts: 3, Backoff: 10 * time.Second, Multiplier: 2, MaxBackoff: 15 * time.Second}
	exec := New(tokens, policy, clk, testLogger())

	op := &scriptedOp{errs: []error{status(http.StatusTooManyRequests), status(http.StatusTooManyRequests)}}
	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), "op", op.run) }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(9 * time.Second)
	select {
	case <-done:
		t.Fatal("retried before the backoff elapsed")
	default:
	}
	clk.Advance(time.Second)

	// Second delay is capped at MaxBackoff
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(15 * time.Second)

	require.NoError(t, <-done)
}

func TestExecutor_BackoffCancelled(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	exec := New(&mockTokens{}, Policy{Backoff: time.Hour}, clk, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	op := &scriptedOp{errs: []error{status(http.StatusTooManyRequests)}}
	done := make(chan error, 1)
	go func() { done <- exec.Execute(ctx, "op", op.run) }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestExecutor_NonRetryableErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "server error", err: status(http.StatusBadGateway), wantErr: core.ErrTransientNetwork},
		{name: "client error", err: status(http.StatusNotFound), wantErr: core.ErrRemote},
		{name: "rejected", err: remote.ErrRejected, wantErr: core.ErrRemote},
		{name: "deadline", err: context.DeadlineExceeded, wantErr: core.ErrTransientNetwork},
		{name: "already classified", err: fmt.Errorf("%w: parse", core.ErrRemote), wantErr: core.ErrRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := New(&mockTokens{}, fastPolicy(), nil, testLogger())
			op := &scriptedOp{errs: []error{tt.err}}

			err := exec.Execute(context.Background(), "op", op.run)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Len(t, op.tokens, 1, "not retried")
		})
	}
}

func TestExecutor_AttemptTimeout(t *testing.T) {
	exec := New(&mockTokens{}, Policy{RequestTimeout: 10 * time.Millisecond}, nil, testLogger())

	err := exec.Execute(context.Background(), "slow", func(ctx context.Context, token string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, core.ErrTransientNetwork)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBackoff, p.Backoff)
	assert.Equal(t, DefaultRequestTimeout, p.RequestTimeout)
	assert.Equal(t, p.Backoff, p.next(p.Backoff), "fixed backoff by default")
}
