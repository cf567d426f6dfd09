package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/scheduler"

	"golang.org/x/sync/singleflight"
)

// Fetcher reads the authoritative device state
type Fetcher interface {
	FetchState(ctx context.Context) (core.DeviceState, error)
}

// Entry is the cached state plus freshness metadata
type Entry struct {
	State     core.DeviceState
	FetchedAt time.Time
	TTL       time.Duration
	// Fetched is false until the first successful fetch or seed
	Fetched bool
}

// Stale reports whether the entry is older than ttl at now. A ttl <= 0 is
// always stale.
func (e Entry) Stale(now time.Time, ttl time.Duration) bool {
	if !e.Fetched || ttl <= 0 {
		return true
	}
	return now.Sub(e.FetchedAt) > ttl
}

// Listener is called after the cached state changes
type Listener func(Entry)

// Cache holds the last-known device state. Fetches are single-flight:
// concurrent refreshes share one remote call and its outcome. A failed fetch
// leaves the previous state in place and every waiter gets that state plus
// the error.
type Cache struct {
	fetcher Fetcher
	clock   clock.Clock
	logger  *slog.Logger
	ttl     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	entry      Entry
	invalid    map[core.Field]bool
	startedSeq uint64 // fetches started
	appliedSeq uint64 // newest fetch whose result is in entry
	lastErr    error

	group     singleflight.Group
	flightMu  sync.Mutex
	flightGen int
	completed uint64 // fetches finished, success or not

	scheduler     *scheduler.Scheduler
	ownsScheduler bool

	debounceMu  sync.Mutex
	debounce    *scheduler.Handle
	debounceGen uint64
	closed      bool

	listenersMu sync.RWMutex
	listeners   []Listener

	// notifyMu is held for reading while listeners run; Close takes it for
	// writing so no listener runs after Close returns
	notifyMu     sync.RWMutex
	notifyClosed bool
}

// Option configures a Cache
type Option func(*Cache)

// WithScheduler runs the debounced refresh on a shared scheduler. Without it
// the cache owns a scheduler and stops it on Close.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(c *Cache) {
		c.scheduler = s
	}
}

// New creates a cache seeded with initial. ttl is recorded on every entry.
func New(fetcher Fetcher, initial core.DeviceState, ttl time.Duration, clk clock.Clock, logger *slog.Logger, opts ...Option) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		fetcher: fetcher,
		clock:   clk,
		logger:  logger.With("component", "state-cache"),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		entry:   Entry{State: initial, TTL: ttl},
		invalid: make(map[core.Field]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = scheduler.NewScheduler(clk, logger)
		c.ownsScheduler = true
	}
	return c
}

// TTL returns the configured time-to-live
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// OnUpdate registers a listener for state changes
func (c *Cache) OnUpdate(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Snapshot returns the current entry
func (c *Cache) Snapshot() Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entry
}

// State returns the current state
func (c *Cache) State() core.DeviceState {
	return c.Snapshot().State
}

// LastError returns the error of the most recent fetch, nil if it succeeded
func (c *Cache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Read returns one field of the current state, possibly stale
func (c *Cache) Read(field core.Field) (any, error) {
	return c.State().Value(field)
}

// IsStale reports whether the entry is older than ttl or any of fields was
// invalidated. With no fields, any invalidated field counts.
func (c *Cache) IsStale(ttl time.Duration, fields ...core.Field) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isStaleLocked(ttl, fields)
}

func (c *Cache) isStaleLocked(ttl time.Duration, fields []core.Field) bool {
	if c.entry.Stale(c.clock.Now(), ttl) {
		return true
	}
	if len(fields) == 0 {
		return len(c.invalid) > 0
	}
	for _, f := range fields {
		if c.invalid[f] {
			return true
		}
	}
	return false
}

// Invalidate marks field stale so the next read refreshes
func (c *Cache) Invalidate(field core.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[field] = true
}

// Seed installs a previously persisted state if nothing was fetched yet
func (c *Cache) Seed(state core.DeviceState, fetchedAt time.Time) bool {
	c.mu.Lock()
	if c.entry.Fetched {
		c.mu.Unlock()
		return false
	}
	c.entry = Entry{State: state, FetchedAt: fetchedAt, TTL: c.ttl, Fetched: true}
	c.mu.Unlock()
	return true
}

// ApplyConfirmed records a write the remote API accepted. Fetches already
// running when it is called are discarded, since they may predate the write.
func (c *Cache) ApplyConfirmed(mutate func(*core.DeviceState)) {
	c.mu.Lock()
	state := c.entry.State
	mutate(&state)
	c.entry.State = state
	c.appliedSeq = c.startedSeq
	entry := c.entry
	c.mu.Unlock()

	c.notify(entry)
}

// RefreshIfStale fetches only if the entry is stale for ttl (see IsStale),
// joining a fetch already in flight
func (c *Cache) RefreshIfStale(ctx context.Context, ttl time.Duration, fields ...core.Field) (core.DeviceState, error) {
	// Read the completion count first so a fetch finishing after the
	// staleness check is seen by fetch and not repeated
	c.flightMu.Lock()
	observed := c.completed
	c.flightMu.Unlock()

	c.mu.RLock()
	stale := c.isStaleLocked(ttl, fields)
	state := c.entry.State
	c.mu.RUnlock()

	if !stale {
		return state, nil
	}
	return c.fetch(ctx, false, observed)
}

// Refresh forces a fetch that starts after the call. It never joins a fetch
// started earlier; callers arriving later join it.
func (c *Cache) Refresh(ctx context.Context) (core.DeviceState, error) {
	return c.fetch(ctx, true, 0)
}

type outcome struct {
	state core.DeviceState
}

func (c *Cache) fetch(ctx context.Context, force bool, observed uint64) (core.DeviceState, error) {
	c.flightMu.Lock()
	if !force && c.completed != observed {
		// A fetch finished between the staleness check and here
		c.flightMu.Unlock()
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.entry.State, c.lastErr
	}
	if force {
		c.flightGen++
	}
	key := "fetch-" + strconv.Itoa(c.flightGen)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.doFetch()
	})
	c.flightMu.Unlock()

	select {
	case res := <-ch:
		return res.Val.(outcome).state, res.Err
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

func (c *Cache) doFetch() (outcome, error) {
	c.mu.Lock()
	c.startedSeq++
	seq := c.startedSeq
	c.mu.Unlock()

	defer func() {
		c.flightMu.Lock()
		c.completed++
		c.flightMu.Unlock()
	}()

	state, err := c.fetcher.FetchState(c.ctx)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
		current := c.entry.State
		c.mu.Unlock()
		c.logger.Warn("State fetch failed, keeping last-known state", "error", err)
		return outcome{state: current}, err
	}

	c.lastErr = nil
	applied := seq > c.appliedSeq
	if applied {
		c.entry = Entry{State: state, FetchedAt: c.clock.Now(), TTL: c.ttl, Fetched: true}
		c.appliedSeq = seq
		c.invalid = make(map[core.Field]bool)
	}
	entry := c.entry
	c.mu.Unlock()

	if applied {
		c.logger.Debug("State refreshed", "power", state.Power, "mode", state.Mode, "target_temp", state.TargetTemp)
		c.notify(entry)
	} else {
		c.logger.Debug("Discarding fetch result older than cached state", "seq", seq)
	}
	return outcome{state: entry.State}, nil
}

func (c *Cache) notify(entry Entry) {
	c.notifyMu.RLock()
	defer c.notifyMu.RUnlock()
	if c.notifyClosed {
		return
	}

	c.listenersMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l(entry)
	}
}

// ScheduleDebouncedRefresh arranges one forced refresh after quiet has passed
// without another call. At most one job is scheduled.
func (c *Cache) ScheduleDebouncedRefresh(quiet time.Duration) {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.closed {
		return
	}

	c.debounce.Cancel()
	c.debounceGen++
	gen := c.debounceGen
	c.debounce = c.scheduler.ScheduleOnce("debounced-refresh", quiet, func(context.Context) {
		c.fireDebounce(gen)
	})
}

// DebouncePending reports whether a debounced refresh is waiting
func (c *Cache) DebouncePending() bool {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	return c.debounce != nil
}

func (c *Cache) fireDebounce(gen uint64) {
	c.debounceMu.Lock()
	if c.closed || gen != c.debounceGen {
		c.debounceMu.Unlock()
		return
	}
	c.debounce = nil
	c.debounceMu.Unlock()

	if _, err := c.Refresh(c.ctx); err != nil {
		c.logger.Warn("Debounced refresh failed", "error", err)
	}
}

// Close cancels the debounce job and any running fetch. Once it returns no
// listener is called again, even by a fetch that was already past the
// remote call.
func (c *Cache) Close() {
	c.debounceMu.Lock()
	c.closed = true
	debounce := c.debounce
	c.debounce = nil
	c.debounceMu.Unlock()

	debounce.Cancel()
	c.cancel()
	if c.ownsScheduler {
		c.scheduler.Stop()
	}

	c.notifyMu.Lock()
	c.notifyClosed = true
	c.notifyMu.Unlock()
}
