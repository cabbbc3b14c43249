// Package poller implements on/off modules that run one background loop
// while switched on: the buzzer, the status LED and the motion detector.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// Strategy is the behaviour a Module runs while it is on.
type Strategy struct {
	// Name identifies the module in logs.
	Name string
	// Step runs one loop iteration. It should sleep with Sleep so that
	// TurnOff interrupts it. A non-nil error stops the module.
	Step func(ctx context.Context) error
	// Cleanup runs once after the loop exits, e.g. to force an output low.
	Cleanup func() error
}

// Module is a generic on/off wrapper around a single background loop.
// At most one loop runs per module; TurnOff only signals it.
type Module struct {
	strategy Strategy

	mu     sync.Mutex
	on     bool
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a module in the Off state.
func New(s Strategy) *Module {
	return &Module{strategy: s}
}

// Name returns the strategy name.
func (m *Module) Name() string { return m.strategy.Name }

// TurnOn starts the loop. Calling it while already on is a no-op.
// If a previous loop was signalled but has not finished its cleanup yet,
// TurnOn waits for it so two loops never overlap.
func (m *Module) TurnOn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.on {
		return
	}
	if m.done != nil {
		<-m.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	m.on = true
	m.cancel = cancel
	m.done = make(chan struct{})
	debug.Module(m.strategy.Name, true)
	go m.run(ctx, m.gen, m.done)
}

// TurnOff signals the loop to stop and returns immediately.
func (m *Module) TurnOff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.on {
		return
	}
	m.on = false
	m.cancel()
	debug.Module(m.strategy.Name, false)
}

// IsOn reflects the most recent TurnOn/TurnOff, or Off after a loop failure.
func (m *Module) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Wait blocks until the current loop, if any, has exited.
func (m *Module) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Module) run(ctx context.Context, gen uint64, done chan struct{}) {
	var stepErr error
	for ctx.Err() == nil {
		if err := m.strategy.Step(ctx); err != nil {
			if ctx.Err() == nil {
				stepErr = err
			}
			break
		}
	}

	if m.strategy.Cleanup != nil {
		if err := m.strategy.Cleanup(); err != nil {
			debug.Errorf("%s: cleanup: %v", m.strategy.Name, err)
		}
	}
	// done must close before taking the lock: TurnOn may hold it while waiting.
	close(done)

	if stepErr == nil {
		return
	}
	debug.Errorf("%s: loop stopped: %v", m.strategy.Name, stepErr)
	m.mu.Lock()
	if m.gen == gen && m.on {
		m.on = false
		m.cancel()
		debug.Module(m.strategy.Name, false)
	}
	m.mu.Unlock()
}

// Sleep pauses for d or until ctx is done. It reports whether the full
// duration elapsed; an interrupted sleep is not an error.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
