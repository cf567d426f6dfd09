package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"heatersync/internal/clock"
)

// Scheduler runs periodic and one-shot jobs and owns their cancel handles.
// Stop cancels everything still scheduled and waits for running jobs.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[*Handle]struct{}
	stopped bool
}

// Handle cancels one scheduled job
type Handle struct {
	name     string
	s        *Scheduler
	stopOnce sync.Once
	stopChan chan struct{}
	timer    clock.Timer
}

// NewScheduler creates a new scheduler
func NewScheduler(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clk,
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
	}
}

// SchedulePeriodic runs fn every period until the handle is cancelled or the
// scheduler stops. Runs never overlap; a tick that arrives while fn is still
// running is dropped.
func (s *Scheduler) SchedulePeriodic(name string, period time.Duration, fn func(ctx context.Context)) *Handle {
	h := s.newHandle(name)
	if h == nil {
		return nil
	}

	ticker := s.clock.NewTicker(period)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		defer s.release(h)

		s.logger.Info("Periodic job started", "job", name, "period", period)
		for {
			select {
			case <-ticker.C():
				s.run(name, fn)
			case <-h.stopChan:
				s.logger.Info("Periodic job stopped", "job", name)
				return
			case <-s.ctx.Done():
				s.logger.Info("Periodic job stopped", "job", name)
				return
			}
		}
	}()

	return h
}

// ScheduleOnce runs fn once after d unless cancelled first. Stop waits for
// a run already in progress.
func (s *Scheduler) ScheduleOnce(name string, d time.Duration, fn func(ctx context.Context)) *Handle {
	h := s.newHandle(name)
	if h == nil {
		return nil
	}

	s.mu.Lock()
	h.timer = s.clock.AfterFunc(d, func() {
		defer s.wg.Done()
		defer s.release(h)
		select {
		case <-h.stopChan:
			return
		default:
		}
		s.run(name, fn)
	})
	s.mu.Unlock()

	return h
}

// Cancel stops the job. It is safe to call more than once and on a nil handle.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.s.mu.Lock()
		timer := h.timer
		h.s.mu.Unlock()
		if timer != nil && timer.Stop() {
			h.s.release(h)
			h.s.wg.Done()
		}
	})
}

// Name returns the job name
func (h *Handle) Name() string {
	return h.name
}

// Active returns the number of jobs still scheduled
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels all jobs and waits for running ones to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	handles := make([]*Handle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.cancel()
	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) newHandle(name string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Warn("Job scheduled after stop, ignoring", "job", name)
		return nil
	}
	h := &Handle{name: name, s: s, stopChan: make(chan struct{})}
	s.handles[h] = struct{}{}
	// counted under mu so Stop never waits before a job is accounted for
	s.wg.Add(1)
	return h
}

func (s *Scheduler) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
}

// run executes one job invocation, recovering panics so a bad tick does not
// kill the loop
func (s *Scheduler) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("Job panicked", "job", name, "panic", v)
		}
	}()
	fn(s.ctx)
}
