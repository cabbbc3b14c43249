package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/iem-alarm/alarmthings/internal/config"
	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/hw/camera"
	"github.com/iem-alarm/alarmthings/internal/hw/gpio"
	"github.com/iem-alarm/alarmthings/internal/hw/poller"
	"github.com/iem-alarm/alarmthings/internal/logic/bridge"
	"github.com/iem-alarm/alarmthings/internal/logic/capture"
	"github.com/iem-alarm/alarmthings/internal/store"
	"github.com/iem-alarm/alarmthings/internal/web"
)

// appliance owns the pins, modules, capture engine and bridge, and wires
// detections to captures and captures to the store.
type appliance struct {
	cfg     *config.Config
	driver  gpio.Driver
	cameras camera.Manager
	store   store.Store
	display bridge.Display

	ctx    context.Context
	cancel context.CancelFunc

	pins     []gpio.Pin
	engine   *capture.Engine
	buzzer   *poller.Module
	led      *poller.Module
	detector *poller.Detector
	bridge   *bridge.Bridge
	bound    atomic.Bool
}

func newAppliance(cfg *config.Config, driver gpio.Driver, cameras camera.Manager, st store.Store) *appliance {
	return &appliance{cfg: cfg, driver: driver, cameras: cameras, store: st}
}

// SetDisplay attaches the local web page. Call before Start.
func (a *appliance) SetDisplay(d bridge.Display) {
	a.display = d
}

// Start brings the appliance up in order: pins, camera, modules, remote
// subscription, then the detection to capture binding. Any failure stops
// what was already started.
func (a *appliance) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	debug.Step(1, "Opening GPIO pins")
	ledPin, err := a.open(a.cfg.GPIO.LedPin, gpio.Output)
	if err != nil {
		return a.abort(err)
	}
	buzzerPin, err := a.open(a.cfg.GPIO.BuzzerPin, gpio.Output)
	if err != nil {
		return a.abort(err)
	}
	sensorPin, err := a.open(a.cfg.GPIO.SensorPin, gpio.Input)
	if err != nil {
		return a.abort(err)
	}

	debug.Step(2, "Initializing camera")
	a.engine = capture.NewEngine(a.cameras)
	sink := camera.ImageSink{
		Width:     a.cfg.Camera.Width,
		Height:    a.cfg.Camera.Height,
		Format:    camera.FormatJPEG,
		MaxImages: 1,
	}
	debug.Value("Image sink", sink)
	if err := a.engine.Initialize(capture.DeviceNamed(a.cfg.Camera.Device), sink, a.onImage); err != nil {
		return a.abort(fmt.Errorf("init camera: %w", err))
	}

	debug.Step(3, "Creating modules")
	a.buzzer = poller.NewBuzzer(buzzerPin, poller.BuzzerConfig{On: a.cfg.BuzzerOn(), Off: a.cfg.BuzzerOff()})
	a.led = poller.NewLed(ledPin, poller.LedConfig{Period: a.cfg.LedPeriod()})
	a.detector = poller.NewDetector(sensorPin, poller.DetectorConfig{
		Interval: a.cfg.DetectorInterval(),
		Latch:    a.cfg.DetectorLatch(),
	}, a.onDetect)

	debug.Step(4, "Subscribing to remote flags")
	a.bridge = bridge.New(a.store, a.detector, a.buzzer, a.led)
	if a.display != nil {
		a.bridge.SetDisplay(a.display)
	}
	if err := a.bridge.Subscribe(a.ctx); err != nil {
		return a.abort(err)
	}

	debug.Step(5, "Binding detections to captures")
	a.bound.Store(true)

	debug.Info("Appliance started")
	return nil
}

func (a *appliance) open(name string, dir gpio.Direction) (gpio.Pin, error) {
	pin, err := a.driver.Open(name, dir, gpio.Low)
	if err != nil {
		return nil, fmt.Errorf("open pin %s: %w", name, err)
	}
	debug.Verbose("Pin %s opened as %s", name, dir)
	a.pins = append(a.pins, pin)
	return pin, nil
}

func (a *appliance) abort(err error) error {
	debug.Error(err)
	a.Stop()
	return err
}

// Stop switches every module off and releases the camera, the store and
// the pins. It is safe to call on a partially started appliance.
func (a *appliance) Stop() {
	a.bound.Store(false)
	// Remote flags stop first so nothing turns a module back on.
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.store.Close(); err != nil {
		debug.Errorf("closing store: %v", err)
	}
	for _, m := range []*poller.Module{a.buzzer, a.led, a.detectorModule()} {
		if m == nil {
			continue
		}
		m.TurnOff()
		m.Wait()
	}
	if a.engine != nil {
		a.engine.Shutdown()
	}
	for _, pin := range a.pins {
		if err := pin.Close(); err != nil {
			debug.Errorf("closing pin %s: %v", pin.Name(), err)
		}
	}
	a.pins = nil
	debug.Info("Appliance stopped")
}

func (a *appliance) detectorModule() *poller.Module {
	if a.detector == nil {
		return nil
	}
	return a.detector.Module
}

// onDetect runs for each detection, in its own goroutine.
func (a *appliance) onDetect() {
	if !a.bound.Load() {
		debug.Verbose("Detection ignored, capture not bound")
		return
	}
	if err := a.engine.TriggerCapture(); err != nil && !errors.Is(err, capture.ErrNotReady) {
		debug.Errorf("trigger capture: %v", err)
	}
}

// onImage runs once per captured image.
func (a *appliance) onImage(img capture.CapturedImage) {
	if err := a.bridge.PublishImage(a.ctx, img); err != nil {
		debug.Error(err)
	}
}

// The methods below let the web page drive the appliance.

func (a *appliance) Status() web.ModuleStatus {
	return web.ModuleStatus{
		Buzzer:   a.buzzer.IsOn(),
		Led:      a.led.IsOn(),
		Detector: a.detector.IsOn(),
		Detected: a.detector.Detected(),
		Capture:  a.engine.State().String(),
	}
}

func (a *appliance) SetAttack(ctx context.Context, on bool) error {
	return a.bridge.SetAttack(ctx, on)
}

func (a *appliance) SetActivated(ctx context.Context, on bool) error {
	return a.bridge.SetActivated(ctx, on)
}

func (a *appliance) ClearImage(ctx context.Context) error {
	return a.bridge.ClearImage(ctx)
}

func (a *appliance) TriggerCapture() error {
	return a.engine.TriggerCapture()
}
