package gpio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// Direction indicates whether a GPIO is input or output.
// A pin keeps the direction it was opened with for its whole lifetime.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "in"
	case Output:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

var (
	// ErrPinInUse is returned when a pin is opened twice.
	ErrPinInUse = errors.New("gpio: pin already open")
	// ErrUnknownPin is returned when a pin name cannot be resolved.
	ErrUnknownPin = errors.New("gpio: unknown pin")
	// ErrDirection is returned when writing to an input pin.
	ErrDirection = errors.New("gpio: pin not configured as output")
	// ErrClosed is returned for I/O on a released pin.
	ErrClosed = errors.New("gpio: pin closed")
)

// Pin is an opened digital line. It is owned by whichever module opened it.
type Pin interface {
	Name() string
	Direction() Direction
	Read() (Level, error)
	Write(level Level) error
	Close() error
}

// Driver opens named pins. This allows plugging in a real Raspberry Pi
// implementation or a mock for development on PC.
type Driver interface {
	// Open acquires a pin with a fixed direction. For outputs the initial
	// level is applied before Open returns; it is ignored for inputs.
	Open(name string, dir Direction, initial Level) (Pin, error)
	Close() error
}

// Driver names accepted by NewDriver.
const (
	DriverMock   = "mock"
	DriverRPIO   = "rpio"
	DriverPeriph = "periph"
)

// NewDriver creates a GPIO driver by name.
// "mock" is for development and tests, "rpio" maps /dev/gpiomem through
// go-rpio, "periph" resolves pins through the periph.io registry.
func NewDriver(kind string) (Driver, error) {
	switch kind {
	case DriverMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case DriverRPIO:
		return NewRPiDriver()
	case DriverPeriph:
		return NewPeriphDriver()
	default:
		return nil, fmt.Errorf("unsupported gpio driver: %q", kind)
	}
}

// BCMNumber resolves a pin name ("BCM4", "GPIO4" or "4") to its BCM number.
func BCMNumber(name string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	for _, prefix := range []string{"BCM", "GPIO"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 53 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPin, name)
	}
	return n, nil
}
