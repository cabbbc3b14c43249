package poller

import (
	"context"
	"time"

	"github.com/iem-alarm/alarmthings/internal/hw/gpio"
)

// BuzzerConfig holds the square wave timing of the buzzer.
type BuzzerConfig struct {
	On  time.Duration // HIGH time per cycle
	Off time.Duration // LOW time per cycle
}

// NewBuzzer drives pin with a fixed-duty square wave while on.
// The pin is forced LOW when the buzzer stops.
func NewBuzzer(pin gpio.Pin, cfg BuzzerConfig) *Module {
	return New(Strategy{
		Name:    "buzzer",
		Step:    squareWave(pin, cfg.On, cfg.Off),
		Cleanup: func() error { return pin.Write(gpio.Low) },
	})
}

// LedConfig holds the blink period of the LED.
type LedConfig struct {
	Period time.Duration // duration of each of the HIGH and LOW phases
}

// NewLed blinks pin with a symmetric period while on.
// The pin is forced LOW when the LED stops.
func NewLed(pin gpio.Pin, cfg LedConfig) *Module {
	return New(Strategy{
		Name:    "led",
		Step:    squareWave(pin, cfg.Period, cfg.Period),
		Cleanup: func() error { return pin.Write(gpio.Low) },
	})
}

func squareWave(pin gpio.Pin, high, low time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pin.Write(gpio.High); err != nil {
			return err
		}
		if !Sleep(ctx, high) {
			return nil
		}
		if err := pin.Write(gpio.Low); err != nil {
			return err
		}
		Sleep(ctx, low)
		return nil
	}
}
