package status

import (
	"context"
	"errors"
	"testing"

	"github.com/unilink/chatd/internal/bus"
	"go.uber.org/zap"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Ready},
		{Booting, Degraded},
		{Booting, Error},
		{Ready, Degraded},
		{Ready, Stopping},
		{Degraded, Ready},
		{Degraded, Stopping},
		{Error, Stopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, ""); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Stopping, ""); err == nil {
		t.Error("Transition(BOOTING -> STOPPING) should fail")
	}

	walkTo(t, m, Stopping)
	if err := m.Transition(Ready, ""); err == nil {
		t.Error("Transition(STOPPING -> READY) should fail")
	}
}

func TestSameStateUpdatesReason(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Degraded)
	if err := m.Transition(Degraded, "redis: timeout"); err != nil {
		t.Fatal(err)
	}
	state, reason, _ := m.Snapshot()
	if state != Degraded || reason != "redis: timeout" {
		t.Errorf("snapshot = %s %q", state, reason)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Degraded, "store: locked"); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindDaemonStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindDaemonStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Degraded || change.Reason != "store: locked" {
		t.Errorf("change = %+v", change)
	}
}

func TestMonitorMovesBetweenReadyAndDegraded(t *testing.T) {
	m := NewMachine(nil)
	var redisErr error
	mon := NewMonitor(m, []Check{
		{Name: "store", Probe: func(context.Context) error { return nil }},
		{Name: "redis", Probe: func(context.Context) error { return redisErr }},
	}, 0, zap.NewNop())
	ctx := context.Background()

	if err := mon.CheckNow(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Current() != Ready {
		t.Fatalf("state = %s, want READY", m.Current())
	}

	redisErr = errors.New("connection refused")
	if err := mon.CheckNow(ctx); err == nil {
		t.Fatal("expected failing check")
	}
	state, reason, _ := m.Snapshot()
	if state != Degraded || reason != "redis: connection refused" {
		t.Errorf("snapshot = %s %q", state, reason)
	}

	redisErr = nil
	_ = mon.CheckNow(ctx)
	if m.Current() != Ready {
		t.Errorf("state = %s, want READY after recovery", m.Current())
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	mon := NewMonitor(NewMachine(nil), nil, 0, zap.NewNop())
	mon.Start(context.Background())
	mon.Stop()
	mon.Stop()
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:  {},
		Ready:    {Ready},
		Degraded: {Degraded},
		Error:    {Error},
		Stopping: {Ready, Stopping},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s, ""); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
