package gpio

import (
	"fmt"
	"sync"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// MockDriver is an in-memory implementation used for development on PC
// and for tests. Input levels can be driven with SetInput; every write
// is recorded. Pins are keyed by BCM number, so "BCM4", "GPIO4" and "4"
// are the same line.
type MockDriver struct {
	mu     sync.Mutex
	pins   map[int]*mockPin
	levels map[int]Level
	writes []Write
	closed bool
}

// Write is one recorded output write.
type Write struct {
	Pin   string
	Level Level

	bcm int
}

// NewMockDriver returns an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		pins:   make(map[int]*mockPin),
		levels: make(map[int]Level),
	}
}

func (m *MockDriver) Open(name string, dir Direction, initial Level) (Pin, error) {
	debug.GPIO("Open", name, dir)
	bcm, err := BCMNumber(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("gpio: driver closed")
	}
	if held, ok := m.pins[bcm]; ok {
		return nil, fmt.Errorf("%w: %s (held as %s)", ErrPinInUse, name, held.name)
	}
	p := &mockPin{drv: m, name: name, bcm: bcm, dir: dir}
	m.pins[bcm] = p
	if dir == Output {
		m.levels[bcm] = initial
		m.writes = append(m.writes, Write{Pin: name, Level: initial, bcm: bcm})
	}
	return p, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for bcm := range m.pins {
		delete(m.pins, bcm)
	}
	return nil
}

// mockKey resolves name for the lookup helpers; unknown names map to -1
// and match nothing.
func mockKey(name string) int {
	bcm, err := BCMNumber(name)
	if err != nil {
		return -1
	}
	return bcm
}

// SetInput sets the level an input pin will read.
func (m *MockDriver) SetInput(name string, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[mockKey(name)] = level
}

// Level returns the last level written to or set on a pin.
func (m *MockDriver) Level(name string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[mockKey(name)]
}

// Writes returns a copy of all recorded writes for a pin, under any of
// its names.
func (m *MockDriver) Writes(name string) []Write {
	bcm := mockKey(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Write
	for _, w := range m.writes {
		if w.bcm == bcm {
			result = append(result, w)
		}
	}
	return result
}

// IsOpen reports whether a pin is currently held.
func (m *MockDriver) IsOpen(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pins[mockKey(name)]
	return ok
}

type mockPin struct {
	drv    *MockDriver
	name   string
	bcm    int
	dir    Direction
	closed bool
}

func (p *mockPin) Name() string         { return p.name }
func (p *mockPin) Direction() Direction { return p.dir }

func (p *mockPin) Read() (Level, error) {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return Low, fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	level := p.drv.levels[p.bcm]
	debug.GPIO("Read", p.name, level)
	return level, nil
}

func (p *mockPin) Write(level Level) error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	if p.dir != Output {
		return fmt.Errorf("%w: %s", ErrDirection, p.name)
	}
	debug.GPIO("Write", p.name, level)
	p.drv.levels[p.bcm] = level
	p.drv.writes = append(p.drv.writes, Write{Pin: p.name, Level: level, bcm: p.bcm})
	return nil
}

func (p *mockPin) Close() error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.drv.pins[p.bcm] == p {
		delete(p.drv.pins, p.bcm)
	}
	return nil
}
