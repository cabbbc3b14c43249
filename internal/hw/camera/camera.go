package camera

import "fmt"

// The camera subsystem is asynchronous: every request returns once it has
// been issued, and its outcome arrives later as an Event passed to the
// Dispatcher supplied with the request. Implementations may dispatch from
// their own goroutine or synchronously before returning.

// Dispatcher receives camera events.
type Dispatcher func(Event)

// Manager lists and opens camera devices.
type Manager interface {
	// DeviceIDs returns the identifiers of the available cameras.
	DeviceIDs() ([]string, error)
	// OpenDevice starts opening a device. The result is a DeviceOpened or
	// DeviceError event.
	OpenDevice(id string, dispatch Dispatcher) error
}

// Device is an opened camera.
type Device interface {
	ID() string
	// CreateSession starts configuring a capture session that writes into
	// sink. The result is a SessionConfigured or ConfigureFailed event.
	CreateSession(sink ImageSink, dispatch Dispatcher) error
	Close() error
}

// Session is a configured capture session.
type Session interface {
	// Capture submits a request. Zero or more CaptureProgressed events are
	// followed by one CaptureCompleted or CaptureFailed event.
	Capture(req Request, dispatch Dispatcher) error
	Close() error
}

// Format is the encoding of produced images.
type Format string

const FormatJPEG Format = "jpeg"

// ImageSink describes where and how still images are produced.
type ImageSink struct {
	Width     int
	Height    int
	Format    Format
	MaxImages int
}

func (s ImageSink) String() string {
	return fmt.Sprintf("%dx%d %s (max %d)", s.Width, s.Height, s.Format, s.MaxImages)
}

// Template selects the capture preset.
type Template int

const (
	TemplatePreview Template = iota
	TemplateStillCapture
)

// Request is a single capture request.
type Request struct {
	Template     Template
	AutoExposure bool
}

// Event is the tagged union of everything the camera subsystem reports.
type Event interface {
	eventName() string
}

// DeviceOpened reports a successful OpenDevice.
type DeviceOpened struct{ Device Device }

// DeviceError reports an open failure, an access error or a disconnect.
type DeviceError struct {
	Device Device // may be nil when the device never opened
	Err    error
}

// DeviceClosed reports that the device released its resources.
type DeviceClosed struct{ Device Device }

// SessionConfigured reports a session ready to capture.
type SessionConfigured struct{ Session Session }

// ConfigureFailed reports a session that could not be configured.
type ConfigureFailed struct{ Err error }

// CaptureProgressed reports a partial result.
type CaptureProgressed struct{}

// CaptureCompleted carries the encoded image of a finished capture.
type CaptureCompleted struct {
	Session Session
	Image   []byte
}

// CaptureFailed reports a capture that produced no image.
type CaptureFailed struct {
	Session Session
	Err     error
}

func (DeviceOpened) eventName() string      { return "device opened" }
func (DeviceError) eventName() string       { return "device error" }
func (DeviceClosed) eventName() string      { return "device closed" }
func (SessionConfigured) eventName() string { return "session configured" }
func (ConfigureFailed) eventName() string   { return "configure failed" }
func (CaptureProgressed) eventName() string { return "capture progressed" }
func (CaptureCompleted) eventName() string  { return "capture completed" }
func (CaptureFailed) eventName() string     { return "capture failed" }

// Name returns a short description of an event for logs.
func Name(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.eventName()
}

// Backend names accepted by NewManager.
const (
	BackendMock      = "mock"
	BackendGStreamer = "gstreamer"
)

// NewManager selects a camera backend.
func NewManager(kind string, quality int) (Manager, error) {
	switch kind {
	case BackendMock, "":
		return NewMockManager("mock0"), nil
	case BackendGStreamer:
		m, err := NewGStreamerManager(quality)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported camera backend: %s", kind)
	}
}
