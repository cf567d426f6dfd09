package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"heatersync/internal/cache"
	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/scheduler"
	"heatersync/internal/sequencer"
)

// Status is the synchronizer's coarse activity state
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRefreshing Status = "refreshing"
	StatusApplying   Status = "applying"
	StatusFailed     Status = "failed"
)

// Device is the set of primitive remote operations the synchronizer drives
type Device interface {
	cache.Fetcher
	sequencer.Device
	SetTemperature(ctx context.Context, oldTemp, newTemp float64, eco bool) error
}

// SnapshotStore persists the last-known-good state across restarts
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (core.DeviceState, time.Time, bool, error)
	SaveSnapshot(ctx context.Context, state core.DeviceState, fetchedAt time.Time) error
}

// Config holds the synchronizer tunables
type Config struct {
	Limits core.TemperatureLimits
	// TTL bounds how old a cached read may be
	TTL time.Duration
	// RefreshPeriod is the background refresh interval
	RefreshPeriod time.Duration
	// DebounceQuiet is the quiet period before a confirming read after writes
	DebounceQuiet time.Duration
}

// Synchronizer keeps a local view of one heater in sync with the remote API
type Synchronizer struct {
	device    Device
	cache     *cache.Cache
	sequencer *sequencer.Sequencer
	scheduler *scheduler.Scheduler
	store     SnapshotStore
	cfg       Config
	logger    *slog.Logger

	// commandMu serializes composite commands
	commandMu sync.Mutex

	statusMu   sync.Mutex
	refreshing int
	applying   int
	lastErr    error

	loopMu sync.Mutex
	loop   *scheduler.Handle
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithSnapshotStore seeds the cache from store and saves every fetched state
func WithSnapshotStore(store SnapshotStore) Option {
	return func(s *Synchronizer) {
		s.store = store
	}
}

// New creates a synchronizer. The state starts at the defaults for
// cfg.Limits until the first fetch or a persisted snapshot replaces it.
func New(device Device, cfg Config, clk clock.Clock, logger *slog.Logger, opts ...Option) (*Synchronizer, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Synchronizer{
		device: device,
		cfg:    cfg,
		logger: logger.With("component", "synchronizer"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.scheduler = scheduler.NewScheduler(clk, logger)
	s.cache = cache.New(device, core.DefaultDeviceState(cfg.Limits), cfg.TTL, clk, logger,
		cache.WithScheduler(s.scheduler))
	s.sequencer = sequencer.New(device, s.cache, logger)

	if s.store != nil {
		s.seed()
		s.cache.OnUpdate(s.persist)
	}
	return s, nil
}

func (s *Synchronizer) seed() {
	state, fetchedAt, ok, err := s.store.LoadSnapshot(context.Background())
	if err != nil {
		s.logger.Warn("Failed to load state snapshot", "error", err)
		return
	}
	if !ok {
		return
	}
	if s.cache.Seed(state, fetchedAt) {
		s.logger.Info("Seeded state from snapshot", "fetched_at", fetchedAt)
	}
}

func (s *Synchronizer) persist(e cache.Entry) {
	if !e.Fetched {
		return
	}
	if err := s.store.SaveSnapshot(context.Background(), e.State, e.FetchedAt); err != nil {
		s.logger.Warn("Failed to save state snapshot", "error", err)
	}
}

// Cache exposes the underlying state cache
func (s *Synchronizer) Cache() *cache.Cache {
	return s.cache
}

// Snapshot returns the cached entry without refreshing
func (s *Synchronizer) Snapshot() cache.Entry {
	return s.cache.Snapshot()
}

// Limits returns the configured temperature bounds
func (s *Synchronizer) Limits() core.TemperatureLimits {
	return s.cfg.Limits
}

// Start begins the background refresh loop. It is a no-op if the loop is
// already running or RefreshPeriod is not positive.
func (s *Synchronizer) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loop != nil || s.cfg.RefreshPeriod <= 0 {
		return
	}
	s.loop = s.scheduler.SchedulePeriodic("state-refresh", s.cfg.RefreshPeriod, s.backgroundRefresh)
	s.logger.Info("Background refresh started", "period", s.cfg.RefreshPeriod)
}

func (s *Synchronizer) backgroundRefresh(ctx context.Context) {
	done := s.begin(StatusRefreshing)
	_, err := s.cache.RefreshIfStale(ctx, 0)
	done(err)
	if err != nil {
		s.logger.Warn("Background refresh failed", "error", err)
	}
}

// Close stops the background loop and the debounce job. State-change
// listeners are not called after it returns, so they may be torn down next.
func (s *Synchronizer) Close() {
	s.loopMu.Lock()
	if s.loop != nil {
		s.loop.Cancel()
		s.loop = nil
	}
	s.loopMu.Unlock()

	// cancels fetches first so jobs waiting on them return
	s.cache.Close()
	s.scheduler.Stop()
}

// OnStateChange registers fn to receive every new state
func (s *Synchronizer) OnStateChange(fn func(core.DeviceState)) {
	s.cache.OnUpdate(func(e cache.Entry) { fn(e.State) })
}

// Status reports what the synchronizer is doing
func (s *Synchronizer) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	switch {
	case s.applying > 0:
		return StatusApplying
	case s.refreshing > 0:
		return StatusRefreshing
	case s.lastErr != nil:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// LastError returns the error of the last operation, nil if it succeeded
func (s *Synchronizer) LastError() error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.lastErr
}

// begin marks an operation of kind st as running and returns the function
// that ends it with its outcome
func (s *Synchronizer) begin(st Status) func(error) {
	s.statusMu.Lock()
	if st == StatusApplying {
		s.applying++
	} else {
		s.refreshing++
	}
	s.statusMu.Unlock()

	return func(err error) {
		s.statusMu.Lock()
		defer s.statusMu.Unlock()
		if st == StatusApplying {
			s.applying--
		} else {
			s.refreshing--
		}
		s.lastErr = err
	}
}

// Get returns one field. It refreshes only when the cached entry is stale,
// and returns the best-known value together with any refresh error.
func (s *Synchronizer) Get(ctx context.Context, field core.Field) (any, error) {
	if _, err := s.cache.Read(field); err != nil {
		return nil, err
	}

	state, err := s.refreshIfStale(ctx, field)
	v, _ := state.Value(field)
	return v, err
}

// State returns the whole device state with the same staleness rules as Get
func (s *Synchronizer) State(ctx context.Context) (core.DeviceState, error) {
	return s.refreshIfStale(ctx)
}

// StateOf returns the whole device state but refreshes only when the entry
// is older than the TTL or one of fields was invalidated
func (s *Synchronizer) StateOf(ctx context.Context, fields ...core.Field) (core.DeviceState, error) {
	for _, f := range fields {
		if _, err := s.cache.Read(f); err != nil {
			return s.cache.State(), err
		}
	}
	return s.refreshIfStale(ctx, fields...)
}

func (s *Synchronizer) refreshIfStale(ctx context.Context, fields ...core.Field) (core.DeviceState, error) {
	if !s.cache.IsStale(s.cfg.TTL, fields...) {
		return s.cache.State(), nil
	}

	done := s.begin(StatusRefreshing)
	state, err := s.cache.RefreshIfStale(ctx, s.cfg.TTL, fields...)
	done(err)
	if err != nil {
		s.logger.Warn("Serving last-known state after refresh failure", "error", err)
	}
	return state, err
}

// SetTargetTemperature clamps v to the configured limits and sends it. It
// returns the value actually applied.
func (s *Synchronizer) SetTargetTemperature(ctx context.Context, v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: target temperature is not a number", core.ErrValidation)
	}

	applied, clamped := s.cfg.Limits.Clamp(v)
	if clamped {
		s.logger.Warn("Clamped target temperature",
			"requested", v, "applied", applied,
			"min", s.cfg.Limits.Min, "max", s.cfg.Limits.Max,
			"error", core.ErrValidation)
	}

	current := s.cache.State()
	err := s.write(ctx, "setTemperature", func(ctx context.Context) error {
		return s.device.SetTemperature(ctx, current.TargetTemp, applied, current.Eco)
	}, func(st *core.DeviceState) {
		st.TargetTemp = applied
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// SetPower switches the heater on or off
func (s *Synchronizer) SetPower(ctx context.Context, on bool) error {
	return s.write(ctx, "switchPower", func(ctx context.Context) error {
		return s.device.SwitchPower(ctx, on)
	}, func(st *core.DeviceState) {
		st.Power = on
	})
}

// SetEco switches eco mode on or off
func (s *Synchronizer) SetEco(ctx context.Context, on bool) error {
	return s.write(ctx, "switchEco", func(ctx context.Context) error {
		return s.device.SwitchEco(ctx, on)
	}, func(st *core.DeviceState) {
		st.Eco = on
	})
}

// write runs a single-step command, records the confirmed value and
// schedules one confirming read after the quiet period
func (s *Synchronizer) write(ctx context.Context, op string, send func(context.Context) error, confirm func(*core.DeviceState)) error {
	done := s.begin(StatusApplying)
	err := send(ctx)
	done(err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cache.ApplyConfirmed(confirm)
	s.cache.ScheduleDebouncedRefresh(s.cfg.DebounceQuiet)
	return nil
}

// SetTargetMode moves the heater to a logical mode through the sequencer.
// Composite commands never overlap. A state older than the TTL is refreshed
// first so the plan starts from what the device reports.
func (s *Synchronizer) SetTargetMode(ctx context.Context, mode core.TargetMode) (sequencer.Result, error) {
	if sequencer.Plan(mode, core.DeviceState{}) == nil {
		return sequencer.Result{}, fmt.Errorf("%w: unknown target mode %q", core.ErrValidation, mode)
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	current, err := s.refreshIfStale(ctx)
	if err != nil {
		return sequencer.Result{}, fmt.Errorf("read state before %s: %w", mode, err)
	}

	done := s.begin(StatusApplying)
	res, err := s.sequencer.Apply(ctx, mode, current)
	done(err)
	return res, err
}
