package gpio

import (
	"fmt"
	"sync"

	"github.com/iem-alarm/alarmthings/internal/debug"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver resolves pins by name through the periph.io registry.
// Works on any board periph.io supports, not only the Raspberry Pi.
type PeriphDriver struct {
	mu   sync.Mutex
	pins map[string]*periphPin
}

// NewPeriphDriver initialises the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise periph host: %w", err)
	}
	return &PeriphDriver{pins: make(map[string]*periphPin)}, nil
}

// registryName maps "BCM4" and "4" to the "GPIO4" name periph registers.
func registryName(name string) string {
	if n, err := BCMNumber(name); err == nil {
		return fmt.Sprintf("GPIO%d", n)
	}
	return name
}

func (d *PeriphDriver) Open(name string, dir Direction, initial Level) (Pin, error) {
	debug.GPIO("Open", name, dir)

	regName := registryName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pins[regName]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPinInUse, name)
	}

	io := gpioreg.ByName(regName)
	if io == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPin, name)
	}

	switch dir {
	case Input:
		if err := io.In(pgpio.PullNoChange, pgpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure %s as input: %w", name, err)
		}
	case Output:
		if err := io.Out(pgpio.Level(initial)); err != nil {
			return nil, fmt.Errorf("configure %s as output: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unknown pin direction: %d", dir)
	}

	p := &periphPin{drv: d, name: name, key: regName, io: io, dir: dir}
	d.pins[regName] = p
	return p, nil
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph driver)")
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for key, p := range d.pins {
		if err := p.io.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.closed = true
		delete(d.pins, key)
	}
	return firstErr
}

type periphPin struct {
	drv    *PeriphDriver
	name   string
	key    string
	io     pgpio.PinIO
	dir    Direction
	closed bool
}

func (p *periphPin) Name() string         { return p.name }
func (p *periphPin) Direction() Direction { return p.dir }

func (p *periphPin) Read() (Level, error) {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return Low, fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	level := p.io.Read()
	debug.GPIO("Read", p.name, level)
	return Level(level), nil
}

func (p *periphPin) Write(level Level) error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	if p.dir != Output {
		return fmt.Errorf("%w: %s", ErrDirection, p.name)
	}
	debug.GPIO("Write", p.name, level)
	return p.io.Out(pgpio.Level(level))
}

func (p *periphPin) Close() error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.drv.pins[p.key] != p {
		return nil
	}
	delete(p.drv.pins, p.key)
	if p.dir == Output {
		_ = p.io.Out(pgpio.Low)
	}
	return p.io.Halt()
}
