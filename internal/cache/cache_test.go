package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	initialState = core.DeviceState{Mode: core.ModeManual, CurrentTemp: 40, TargetTemp: 40}
	remoteState  = core.DeviceState{Power: true, Mode: core.ModeTimer, Eco: true, CurrentTemp: 51, TargetTemp: 60}
)

type fetchResult struct {
	state   core.DeviceState
	err     error
	release chan struct{}
	// ignoreCancel keeps waiting for release after ctx is cancelled, like a
	// response already on the wire
	ignoreCancel bool
}

// fakeFetcher returns scripted results in order, then remoteState
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	results []fetchResult
	started chan int
}

func newFakeFetcher(results ...fetchResult) *fakeFetcher {
	return &fakeFetcher{results: results, started: make(chan int, 64)}
}

func (f *fakeFetcher) FetchState(ctx context.Context) (core.DeviceState, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	r := fetchResult{state: remoteState}
	if i < len(f.results) {
		r = f.results[i]
	}
	f.mu.Unlock()

	f.started <- i
	if r.release != nil && r.ignoreCancel {
		<-r.release
	} else if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return core.DeviceState{}, ctx.Err()
		}
	}
	return r.state, r.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCache(f Fetcher) (*Cache, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	c := New(f, initialState, time.Minute, clk, testLogger())
	return c, clk
}

func TestCache_ReadBeforeFetchReturnsInitial(t *testing.T) {
	c, _ := newTestCache(newFakeFetcher())
	defer c.Close()

	v, err := c.Read(core.FieldTargetTemp)
	require.NoError(t, err)
	assert.Equal(t, 40.0, v)
	assert.False(t, c.Snapshot().Fetched)
	assert.True(t, c.IsStale(time.Hour))
}

func TestCache_ConcurrentStaleReadsShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeFetcher(fetchResult{state: remoteState, release: gate})
	c, _ := newTestCache(f)
	defer c.Close()

	const n = 10
	var wg sync.WaitGroup
	results := make([]core.DeviceState, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.RefreshIfStale(context.Background(), time.Minute)
	}()
	<-f.started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.RefreshIfStale(context.Background(), time.Minute)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.Calls())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, remoteState, results[i])
	}
}

func TestCache_FreshEntryIsNotRefetched(t *testing.T) {
	f := newFakeFetcher()
	c, clk := newTestCache(f)
	defer c.Close()

	_, err := c.RefreshIfStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())

	clk.Advance(30 * time.Second)
	state, err := c.RefreshIfStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, remoteState, state)
	assert.Equal(t, 1, f.Calls())

	clk.Advance(31 * time.Second)
	_, err = c.RefreshIfStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Calls())
	assert.Equal(t, clk.Now(), c.Snapshot().FetchedAt)
}

func TestCache_ZeroTTLAlwaysFetches(t *testing.T) {
	f := newFakeFetcher()
	c, _ := newTestCache(f)
	defer c.Close()

	for i := 0; i < 3; i++ {
		_, err := c.RefreshIfStale(context.Background(), 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.Calls())
}

func TestCache_FailureKeepsStateForAllWaiters(t *testing.T) {
	fetchErr := errors.New("connection reset")
	gate := make(chan struct{})
	f := newFakeFetcher(
		fetchResult{state: remoteState},
		fetchResult{err: fetchErr, release: gate},
	)
	c, _ := newTestCache(f)
	defer c.Close()

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	before := c.Snapshot()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	states := make([]core.DeviceState, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		states[0], errs[0] = c.RefreshIfStale(context.Background(), 0)
	}()
	<-f.started
	<-f.started
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = c.RefreshIfStale(context.Background(), 0)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 2, f.Calls())
	for i := range errs {
		assert.ErrorIs(t, errs[i], fetchErr)
		assert.Equal(t, remoteState, states[i])
	}
	assert.Equal(t, before, c.Snapshot())
	assert.ErrorIs(t, c.LastError(), fetchErr)
}

func TestCache_InvalidateField(t *testing.T) {
	f := newFakeFetcher()
	c, _ := newTestCache(f)
	defer c.Close()

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	c.Invalidate(core.FieldPower)
	assert.True(t, c.IsStale(time.Minute))
	assert.True(t, c.IsStale(time.Minute, core.FieldPower))
	assert.False(t, c.IsStale(time.Minute, core.FieldTargetTemp))

	// A read of an untouched field does not refetch
	_, err = c.RefreshIfStale(context.Background(), time.Minute, core.FieldTargetTemp)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls())

	_, err = c.RefreshIfStale(context.Background(), time.Minute, core.FieldPower)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Calls())
	assert.False(t, c.IsStale(time.Minute))
}

func TestCache_ForcedRefreshDoesNotJoinEarlierFetch(t *testing.T) {
	older := core.DeviceState{Power: false, Mode: core.ModeManual, TargetTemp: 50}
	gate := make(chan struct{})
	f := newFakeFetcher(
		fetchResult{state: older, release: gate},
		fetchResult{state: remoteState},
	)
	c, _ := newTestCache(f)
	defer c.Close()

	done := make(chan core.DeviceState)
	go func() {
		s, _ := c.Refresh(context.Background())
		done <- s
	}()
	<-f.started

	state, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remoteState, state)
	assert.Equal(t, 2, f.Calls())

	// The earlier fetch finishes last and must not overwrite the newer state
	close(gate)
	assert.Equal(t, remoteState, <-done)
	assert.Equal(t, remoteState, c.State())
}

func TestCache_WaiterCancellation(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeFetcher(fetchResult{state: remoteState, release: gate})
	c, _ := newTestCache(f)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := c.RefreshIfStale(ctx, time.Minute)
		errCh <- err
	}()
	<-f.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The shared fetch keeps running for other callers
	close(gate)
	state, err := c.RefreshIfStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, remoteState, state)
	assert.Equal(t, 1, f.Calls())
}

func TestCache_DebouncedRefresh(t *testing.T) {
	f := newFakeFetcher()
	c, clk := newTestCache(f)
	defer c.Close()

	c.ScheduleDebouncedRefresh(2 * time.Second)
	clk.Advance(time.Second)
	c.ScheduleDebouncedRefresh(2 * time.Second)
	clk.Advance(time.Second)
	c.ScheduleDebouncedRefresh(2 * time.Second)

	assert.Equal(t, 1, clk.Pending())
	assert.True(t, c.DebouncePending())
	assert.Equal(t, 0, f.Calls())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, f.Calls())
	assert.False(t, c.DebouncePending())
	assert.Equal(t, remoteState, c.State())
}

func TestCache_CloseCancelsDebounce(t *testing.T) {
	f := newFakeFetcher()
	c, clk := newTestCache(f)

	c.ScheduleDebouncedRefresh(time.Second)
	c.Close()
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, 0, f.Calls())

	c.ScheduleDebouncedRefresh(time.Second)
	assert.False(t, c.DebouncePending())
}

func TestCache_ApplyConfirmed(t *testing.T) {
	f := newFakeFetcher()
	c, clk := newTestCache(f)
	defer c.Close()

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	fetchedAt := c.Snapshot().FetchedAt

	var notified []core.DeviceState
	c.OnUpdate(func(e Entry) { notified = append(notified, e.State) })

	clk.Advance(10 * time.Second)
	c.ApplyConfirmed(func(s *core.DeviceState) { s.TargetTemp = 65 })

	snap := c.Snapshot()
	assert.Equal(t, 65.0, snap.State.TargetTemp)
	assert.Equal(t, fetchedAt, snap.FetchedAt)
	require.Len(t, notified, 1)
	assert.Equal(t, 65.0, notified[0].TargetTemp)
}

func TestCache_ApplyConfirmedDiscardsOlderFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeFetcher(fetchResult{state: remoteState, release: gate})
	c, _ := newTestCache(f)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		_, _ = c.Refresh(context.Background())
		close(done)
	}()
	<-f.started

	c.ApplyConfirmed(func(s *core.DeviceState) { s.TargetTemp = 70 })
	close(gate)
	<-done

	assert.Equal(t, 70.0, c.State().TargetTemp)
}

func TestCache_ListenersNotifiedOnFetch(t *testing.T) {
	c, _ := newTestCache(newFakeFetcher())
	defer c.Close()

	var got []Entry
	c.OnUpdate(func(e Entry) { got = append(got, e) })

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Fetched)
	assert.Equal(t, time.Minute, got[0].TTL)
}

func TestCache_Seed(t *testing.T) {
	c, clk := newTestCache(newFakeFetcher())
	defer c.Close()

	seededAt := clk.Now().Add(-time.Hour)
	assert.True(t, c.Seed(remoteState, seededAt))
	assert.Equal(t, remoteState, c.State())
	assert.True(t, c.IsStale(time.Minute))

	assert.False(t, c.Seed(initialState, clk.Now()))
	assert.Equal(t, remoteState, c.State())
}

func TestCache_DebounceRunsOnSharedScheduler(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	sched := scheduler.NewScheduler(clk, testLogger())
	f := newFakeFetcher()
	c := New(f, initialState, time.Minute, clk, testLogger(), WithScheduler(sched))
	defer c.Close()

	c.ScheduleDebouncedRefresh(time.Second)
	c.ScheduleDebouncedRefresh(time.Second)
	assert.Equal(t, 1, sched.Active())

	clk.Advance(time.Second)
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 0, sched.Active())

	// stopping the scheduler releases a pending debounce
	c.ScheduleDebouncedRefresh(time.Second)
	sched.Stop()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, f.Calls())
}

func TestCache_CloseSilencesInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	f := newFakeFetcher(fetchResult{state: remoteState, release: gate, ignoreCancel: true})
	c, _ := newTestCache(f)

	var notified int
	var mu sync.Mutex
	c.OnUpdate(func(Entry) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()
	<-f.started

	c.Close()
	close(gate)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return")
	}

	c.ApplyConfirmed(func(s *core.DeviceState) { s.TargetTemp = 70 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, notified)
}
