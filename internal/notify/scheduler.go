package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unilink/chatd/internal/bus"
	"go.uber.org/zap"
)

// Runner runs one dispatch pass.
type Runner interface {
	RunOnce(ctx context.Context) (Result, error)
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	// Interval between runs while deliveries succeed.
	Interval time.Duration
	// MaxInterval caps the backoff after failing runs.
	MaxInterval time.Duration
	// Debounce delays a run triggered by new notifications so that bursts
	// are batched into one pass.
	Debounce time.Duration
}

// Stats describes the scheduler's most recent run.
type Stats struct {
	LastRunAt  time.Time
	LastResult Result
	LastError  string
	Runs       uint64
	Backoff    time.Duration
}

// Scheduler runs the dispatch worker on a timer and shortly after new
// notifications are queued. Runs that fail or leave rows failed double the
// wait before the next run, up to MaxInterval; a clean run resets it.
type Scheduler struct {
	runner Runner
	bus    *bus.Bus
	cfg    SchedulerConfig
	logger *zap.Logger

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. b may be nil, in which case only the
// timer triggers runs.
func NewScheduler(runner Runner, b *bus.Bus, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	return &Scheduler{
		runner: runner,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		stats:  Stats{Backoff: cfg.Interval},
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var trigger <-chan bus.Event
	unsub := func() {}
	if s.bus != nil {
		trigger, unsub = s.bus.Subscribe(bus.KindNotificationQueued, 64)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer unsub()
		s.loop(ctx, trigger)
	}()
}

// Stop stops the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns a copy of the latest run statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, trigger <-chan bus.Event) {
	wait := s.cfg.Interval
	deadline := time.Now().Add(wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			// Triggers only pull the next run earlier, so steady traffic
			// cannot postpone it. While backing off, queued rows wait.
			if wait != s.cfg.Interval {
				continue
			}
			if soon := time.Now().Add(s.cfg.Debounce); soon.Before(deadline) {
				deadline = soon
				timer.Reset(s.cfg.Debounce)
			}
		case <-timer.C:
			wait = s.runOnce(ctx, wait)
			deadline = time.Now().Add(wait)
			timer.Reset(wait)
		}
	}
}

// runOnce runs the worker and returns the wait before the next run.
func (s *Scheduler) runOnce(ctx context.Context, wait time.Duration) time.Duration {
	res, err := s.runner.RunOnce(ctx)
	if errors.Is(err, context.Canceled) {
		return wait
	}

	next := s.cfg.Interval
	if err != nil || res.Failed > 0 {
		next = min(wait*2, s.cfg.MaxInterval)
	}
	if err != nil {
		s.logger.Error("dispatch run failed", zap.Error(err), zap.Duration("next_run_in", next))
	} else if next != s.cfg.Interval {
		s.logger.Warn("dispatch backing off", zap.Int("failed", res.Failed), zap.Duration("next_run_in", next))
	}

	s.mu.Lock()
	s.stats.LastRunAt = time.Now().UTC()
	s.stats.LastResult = res
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.stats.Runs++
	s.stats.Backoff = next
	s.mu.Unlock()
	return next
}
