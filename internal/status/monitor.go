package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check is one named dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Monitor probes the daemon's dependencies on an interval and moves the
// machine between Ready and Degraded.
type Monitor struct {
	machine  *Machine
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor for the given checks.
func NewMonitor(m *Machine, checks []Check, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		machine:  m,
		checks:   checks,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

// CheckNow runs every probe once and updates the machine. It returns the
// first failure.
func (mo *Monitor) CheckNow(ctx context.Context) error {
	var failed error
	for _, c := range mo.checks {
		cctx, cancel := context.WithTimeout(ctx, mo.timeout)
		err := c.Probe(cctx)
		cancel()
		if err != nil {
			failed = fmt.Errorf("%s: %w", c.Name, err)
			break
		}
	}

	prev := mo.machine.Current()
	if failed != nil {
		if err := mo.machine.Transition(Degraded, failed.Error()); err == nil && prev != Degraded {
			mo.logger.Warn("daemon degraded", zap.Error(failed))
		}
		return failed
	}
	if err := mo.machine.Transition(Ready, ""); err == nil && prev != Ready {
		mo.logger.Info("daemon ready")
	}
	return nil
}

// Start begins probing in the background.
func (mo *Monitor) Start(ctx context.Context) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.cancel != nil {
		return
	}
	ctx, mo.cancel = context.WithCancel(ctx)
	mo.done = make(chan struct{})

	go func() {
		defer close(mo.done)
		ticker := time.NewTicker(mo.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = mo.CheckNow(ctx)
			}
		}
	}()
}

// Stop stops probing and waits for the loop to exit.
func (mo *Monitor) Stop() {
	mo.mu.Lock()
	cancel, done := mo.cancel, mo.done
	mo.cancel = nil
	mo.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
