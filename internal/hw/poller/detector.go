package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/hw/gpio"
)

// DetectorConfig holds the sensor polling parameters.
type DetectorConfig struct {
	Interval time.Duration // delay before each sensor read
	// Latch limits detections to one per rising edge. Without it every
	// HIGH reading raises a detection.
	Latch bool
}

// Detector watches a motion sensor pin while on.
type Detector struct {
	*Module

	pin      gpio.Pin
	cfg      DetectorConfig
	onDetect func()
	detected atomic.Bool
}

// NewDetector creates a detector. onDetect runs in its own goroutine so a
// slow handler never delays the next poll.
func NewDetector(pin gpio.Pin, cfg DetectorConfig, onDetect func()) *Detector {
	d := &Detector{pin: pin, cfg: cfg, onDetect: onDetect}
	d.Module = New(Strategy{
		Name: "detector",
		Step: d.poll,
	})
	return d
}

// Detected reports the current latch value.
func (d *Detector) Detected() bool {
	return d.detected.Load()
}

func (d *Detector) poll(ctx context.Context) error {
	if !Sleep(ctx, d.cfg.Interval) {
		return nil
	}

	level, err := d.pin.Read()
	if err != nil {
		return err
	}

	if !d.cfg.Latch {
		if level == gpio.High {
			d.fire()
		}
		return nil
	}

	switch {
	case level == gpio.High && !d.detected.Load():
		d.detected.Store(true)
		d.fire()
	case level == gpio.Low && d.detected.Load():
		d.detected.Store(false)
		debug.Verbose("detector: sensor back to LOW, re-armed")
	}
	return nil
}

func (d *Detector) fire() {
	debug.Info("Motion detected on %s", d.pin.Name())
	if d.onDetect != nil {
		go d.onDetect()
	}
}
