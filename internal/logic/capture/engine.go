package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/hw/camera"
)

// State is the capture lifecycle state.
type State int

const (
	Idle State = iota
	DeviceOpening
	DeviceReady
	SessionConfiguring
	Capturing
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DeviceOpening:
		return "device-opening"
	case DeviceReady:
		return "device-ready"
	case SessionConfiguring:
		return "session-configuring"
	case Capturing:
		return "capturing"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrDeviceNotFound is returned by Initialize when no camera is available.
	ErrDeviceNotFound = errors.New("capture: no camera device found")
	// ErrNotReady is returned by TriggerCapture outside DeviceReady.
	ErrNotReady = errors.New("capture: camera not ready")
	// ErrAlreadyInitialized is returned by Initialize outside Idle.
	ErrAlreadyInitialized = errors.New("capture: engine already initialized")
)

// CapturedImage is one still image. The engine does not keep it.
type CapturedImage struct {
	ID         string
	Data       []byte
	Width      int
	Height     int
	Format     camera.Format
	CapturedAt time.Time
}

// DeviceSelector picks a device among the available ids.
type DeviceSelector func(ids []string) (string, bool)

// FirstDevice selects the first listed device.
func FirstDevice(ids []string) (string, bool) {
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// DeviceNamed selects id if it is listed, or the first device when id is empty.
func DeviceNamed(id string) DeviceSelector {
	if id == "" {
		return FirstDevice
	}
	return func(ids []string) (string, bool) {
		for _, candidate := range ids {
			if candidate == id {
				return id, true
			}
		}
		return "", false
	}
}

// Engine drives the open → configure → capture → close lifecycle of one
// camera. State changes happen under a mutex; calls into the camera
// subsystem are made after releasing it, so a backend may dispatch events
// synchronously.
type Engine struct {
	manager camera.Manager

	mu      sync.Mutex
	state   State
	device  camera.Device
	session camera.Session
	sink    camera.ImageSink
	onImage func(CapturedImage)
}

// NewEngine creates an idle engine over a camera manager.
func NewEngine(m camera.Manager) *Engine {
	return &Engine{manager: m}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Initialize selects a device and starts opening it. Opening completes
// asynchronously; TriggerCapture is rejected until then.
func (e *Engine) Initialize(selector DeviceSelector, sink camera.ImageSink, onImageReady func(CapturedImage)) error {
	if selector == nil {
		selector = FirstDevice
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	ids, err := e.manager.DeviceIDs()
	if err != nil {
		e.mu.Unlock()
		err = fmt.Errorf("capture: list devices: %w", err)
		debug.Error(err)
		return err
	}
	id, ok := selector(ids)
	if !ok {
		e.mu.Unlock()
		debug.Errorf("No cameras found (available: %v)", ids)
		return ErrDeviceNotFound
	}
	e.sink = sink
	e.onImage = onImageReady
	e.setState(DeviceOpening, "initialize "+id)
	e.mu.Unlock()

	debug.Info("Using camera id %s", id)
	if err := e.manager.OpenDevice(id, e.Dispatch); err != nil {
		err = fmt.Errorf("capture: open %s: %w", id, err)
		e.Dispatch(camera.DeviceError{Err: err})
		return err
	}
	return nil
}

// TriggerCapture starts one still capture. Outside DeviceReady it logs a
// warning and returns ErrNotReady without changing state, so overlapping
// requests are dropped rather than queued.
func (e *Engine) TriggerCapture() error {
	e.mu.Lock()
	if e.state != DeviceReady {
		state := e.state
		e.mu.Unlock()
		debug.Warn("Cannot capture image in state %s", state)
		return ErrNotReady
	}
	dev, sink := e.device, e.sink
	e.setState(SessionConfiguring, "trigger")
	e.mu.Unlock()

	if err := dev.CreateSession(sink, e.Dispatch); err != nil {
		e.Dispatch(camera.ConfigureFailed{Err: err})
	}
	return nil
}

// Shutdown closes the session and the device from any state. Later
// TriggerCapture calls are rejected until Initialize runs again.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	dev, sess := e.device, e.session
	e.device, e.session = nil, nil
	if e.state != Idle {
		e.setState(Closing, "shutdown")
	}
	e.mu.Unlock()

	closeSession(sess)
	closeDevice(dev)

	e.mu.Lock()
	if e.state == Closing {
		e.setState(Idle, "shutdown complete")
	}
	e.mu.Unlock()
}

// Dispatch feeds one camera event into the state machine. It is the
// Dispatcher handed to the camera subsystem.
func (e *Engine) Dispatch(ev camera.Event) {
	e.mu.Lock()
	effect := e.transition(ev)
	e.mu.Unlock()
	if effect != nil {
		effect()
	}
}

// transition applies ev to the state. It runs under e.mu and returns the
// follow-up work that has to happen outside the lock.
func (e *Engine) transition(ev camera.Event) func() {
	switch ev := ev.(type) {
	case camera.DeviceOpened:
		if e.state != DeviceOpening {
			debug.Warn("Camera opened in state %s, closing it", e.state)
			return func() { closeDevice(ev.Device) }
		}
		e.device = ev.Device
		e.setState(DeviceReady, camera.Name(ev))
		return nil

	case camera.DeviceError:
		debug.Errorf("Camera device error, closing: %v", ev.Err)
		dev, sess := e.device, e.session
		if dev == nil {
			dev = ev.Device
		}
		e.device, e.session = nil, nil
		e.setState(Idle, camera.Name(ev))
		return func() {
			closeSession(sess)
			closeDevice(dev)
		}

	case camera.DeviceClosed:
		if ev.Device != nil && e.device != nil && ev.Device != e.device {
			return nil
		}
		debug.Verbose("Closed camera, releasing")
		sess := e.session
		e.device, e.session = nil, nil
		e.setState(Idle, camera.Name(ev))
		return func() { closeSession(sess) }

	case camera.SessionConfigured:
		if e.state != SessionConfiguring || e.device == nil {
			debug.Warn("Session configured in state %s, discarding it", e.state)
			return func() { closeSession(ev.Session) }
		}
		e.session = ev.Session
		e.setState(Capturing, camera.Name(ev))
		sess := ev.Session
		req := camera.Request{Template: camera.TemplateStillCapture, AutoExposure: true}
		return func() {
			debug.Verbose("Session initialized, submitting still capture")
			if err := sess.Capture(req, e.Dispatch); err != nil {
				e.Dispatch(camera.CaptureFailed{Session: sess, Err: err})
			}
		}

	case camera.ConfigureFailed:
		if e.state != SessionConfiguring {
			return nil
		}
		debug.Errorf("Failed to configure camera: %v", ev.Err)
		e.setState(DeviceReady, camera.Name(ev))
		return nil

	case camera.CaptureProgressed:
		debug.Verbose("Partial result")
		return nil

	case camera.CaptureCompleted:
		if e.state != Capturing || !e.ownsSession(ev.Session) {
			debug.Warn("Capture completed in state %s, dropping image", e.state)
			return nil
		}
		sess := e.session
		e.session = nil
		e.setState(DeviceReady, camera.Name(ev))
		img := CapturedImage{
			ID:         uuid.New().String(),
			Data:       ev.Image,
			Width:      e.sink.Width,
			Height:     e.sink.Height,
			Format:     e.sink.Format,
			CapturedAt: time.Now(),
		}
		onImage := e.onImage
		return func() {
			closeSession(sess)
			debug.Verbose("CaptureSession closed")
			debug.Info("Image %s captured (%d bytes)", img.ID, len(img.Data))
			if onImage != nil {
				onImage(img)
			}
		}

	case camera.CaptureFailed:
		if e.state != Capturing || !e.ownsSession(ev.Session) {
			return nil
		}
		debug.Errorf("Camera capture failed: %v", ev.Err)
		sess := e.session
		e.session = nil
		e.setState(DeviceReady, camera.Name(ev))
		return func() { closeSession(sess) }

	default:
		debug.Warn("Unknown camera event %T", ev)
		return nil
	}
}

// ownsSession accepts events that carry no session reference.
func (e *Engine) ownsSession(s camera.Session) bool {
	return s == nil || s == e.session
}

func (e *Engine) setState(to State, cause string) {
	if e.state == to {
		return
	}
	debug.Transition(e.state, to, cause)
	e.state = to
}

func closeSession(s camera.Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		debug.Errorf("closing capture session: %v", err)
	}
}

func closeDevice(d camera.Device) {
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		debug.Errorf("closing camera %s: %v", d.ID(), err)
	}
}
