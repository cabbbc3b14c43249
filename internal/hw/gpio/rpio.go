package gpio

import (
	"fmt"
	"sync"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]*rpiPin
}

// NewRPiDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]*rpiPin),
	}, nil
}

func (r *RPiDriver) Open(name string, dir Direction, initial Level) (Pin, error) {
	debug.GPIO("Open", name, dir)

	num, err := BCMNumber(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pins[num]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPinInUse, name)
	}

	p := rpio.Pin(num)
	switch dir {
	case Input:
		p.Input()
	case Output:
		p.Output()
		if initial == High {
			p.High()
		} else {
			p.Low()
		}
	default:
		return nil, fmt.Errorf("unknown pin direction: %d", dir)
	}

	pin := &rpiPin{drv: r, name: name, num: num, pin: p, dir: dir}
	r.pins[num] = pin
	return pin, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	// Reset all pins to input (safe state)
	for num, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", num)
		p.pin.Input()
		p.closed = true
		delete(r.pins, num)
	}

	return rpio.Close()
}

type rpiPin struct {
	drv    *RPiDriver
	name   string
	num    int
	pin    rpio.Pin
	dir    Direction
	closed bool
}

func (p *rpiPin) Name() string         { return p.name }
func (p *rpiPin) Direction() Direction { return p.dir }

func (p *rpiPin) Read() (Level, error) {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return Low, fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	state := p.pin.Read()
	debug.GPIO("Read", p.name, state)
	if state == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (p *rpiPin) Write(level Level) error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: %s", ErrClosed, p.name)
	}
	if p.dir != Output {
		return fmt.Errorf("%w: %s", ErrDirection, p.name)
	}
	debug.GPIO("Write", p.name, level)
	if level == High {
		p.pin.High()
	} else {
		p.pin.Low()
	}
	return nil
}

func (p *rpiPin) Close() error {
	p.drv.mu.Lock()
	defer p.drv.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	// A handle whose line was released by the driver must not touch a
	// newer owner.
	if p.drv.pins[p.num] != p {
		return nil
	}
	if p.dir == Output {
		p.pin.Low()
	}
	p.pin.Input()
	delete(p.drv.pins, p.num)
	return nil
}
