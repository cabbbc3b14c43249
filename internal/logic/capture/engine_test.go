package capture

import (
	"bytes"
	"errors"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/iem-alarm/alarmthings/internal/hw/camera"
)

// fakeManager dispatches synchronously from inside the call, which is the
// hardest case for the engine's locking. With manual set, nothing is
// dispatched and the test drives events itself.
type fakeManager struct {
	ids     []string
	manual  bool
	openErr error
	device  *fakeDevice
}

func newFakeManager(ids ...string) *fakeManager {
	return &fakeManager{ids: ids, device: &fakeDevice{id: "cam0", autoCapture: true}}
}

func (m *fakeManager) DeviceIDs() ([]string, error) { return m.ids, nil }

func (m *fakeManager) OpenDevice(id string, dispatch camera.Dispatcher) error {
	if m.openErr != nil {
		return m.openErr
	}
	m.device.id = id
	if !m.manual {
		dispatch(camera.DeviceOpened{Device: m.device})
	}
	return nil
}

type fakeDevice struct {
	id           string
	autoCapture  bool
	configureErr error

	mu       sync.Mutex
	closed   int
	sessions []*fakeSession
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) CreateSession(sink camera.ImageSink, dispatch camera.Dispatcher) error {
	if d.configureErr != nil {
		return d.configureErr
	}
	s := &fakeSession{auto: d.autoCapture, image: []byte{0xff, 0xd8, byte(len(d.sessions))}}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	dispatch(camera.SessionConfigured{Session: s})
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type fakeSession struct {
	auto       bool
	image      []byte
	captureErr error

	mu       sync.Mutex
	requests []camera.Request
	closed   bool
}

func (s *fakeSession) Capture(req camera.Request, dispatch camera.Dispatcher) error {
	if s.captureErr != nil {
		return s.captureErr
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.auto {
		dispatch(camera.CaptureProgressed{})
		dispatch(camera.CaptureCompleted{Session: s, Image: s.image})
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// imageRecorder collects delivered images.
type imageRecorder struct {
	mu     sync.Mutex
	images []CapturedImage
}

func (r *imageRecorder) record(img CapturedImage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, img)
}

func (r *imageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

var testSink = camera.ImageSink{Width: 640, Height: 480, Format: camera.FormatJPEG, MaxImages: 1}

func initEngine(t *testing.T, m *fakeManager) (*Engine, *imageRecorder) {
	t.Helper()
	e := NewEngine(m)
	rec := &imageRecorder{}
	if err := e.Initialize(FirstDevice, testSink, rec.record); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, rec
}

func TestEngine_FullCycle(t *testing.T) {
	m := newFakeManager("cam0")
	e, rec := initEngine(t, m)

	if got := e.State(); got != DeviceReady {
		t.Fatalf("state after open = %s, want %s", got, DeviceReady)
	}
	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("images delivered = %d, want 1", rec.count())
	}
	img := rec.images[0]
	if img.ID == "" {
		t.Error("image should carry an id")
	}
	if img.Width != 640 || img.Height != 480 || img.Format != camera.FormatJPEG {
		t.Errorf("image metadata = %dx%d %s", img.Width, img.Height, img.Format)
	}
	if !bytes.Equal(img.Data, m.device.sessions[0].image) {
		t.Error("image data does not match the captured bytes")
	}
	if !m.device.sessions[0].isClosed() {
		t.Error("session should be closed after the capture")
	}
	req := m.device.sessions[0].requests[0]
	if req.Template != camera.TemplateStillCapture || !req.AutoExposure {
		t.Errorf("request = %+v, want still capture with auto exposure", req)
	}
	if got := e.State(); got != DeviceReady {
		t.Errorf("state after capture = %s, want %s", got, DeviceReady)
	}

	// The device stays open for the next trigger.
	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("second TriggerCapture: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("images delivered = %d, want 2", rec.count())
	}
	if m.device.closeCount() != 0 {
		t.Error("device should stay open between captures")
	}
}

func TestEngine_TriggerWhileCapturingIsDropped(t *testing.T) {
	m := newFakeManager("cam0")
	m.device.autoCapture = false
	e, rec := initEngine(t, m)

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	if got := e.State(); got != Capturing {
		t.Fatalf("state = %s, want %s", got, Capturing)
	}
	if err := e.TriggerCapture(); !errors.Is(err, ErrNotReady) {
		t.Errorf("second trigger err = %v, want ErrNotReady", err)
	}
	if n := m.device.sessionCount(); n != 1 {
		t.Errorf("sessions created = %d, want 1", n)
	}

	sess := m.device.sessions[0]
	e.Dispatch(camera.CaptureCompleted{Session: sess, Image: sess.image})
	if rec.count() != 1 {
		t.Errorf("images delivered = %d, want 1", rec.count())
	}
	if got := e.State(); got != DeviceReady {
		t.Errorf("state = %s, want %s", got, DeviceReady)
	}

	// A late duplicate completion is ignored.
	e.Dispatch(camera.CaptureCompleted{Session: sess, Image: sess.image})
	if rec.count() != 1 {
		t.Errorf("images delivered after duplicate = %d, want 1", rec.count())
	}
}

func TestEngine_TriggerBeforeOpenIsRejected(t *testing.T) {
	m := newFakeManager("cam0")
	m.manual = true
	e, _ := initEngine(t, m)

	if got := e.State(); got != DeviceOpening {
		t.Fatalf("state = %s, want %s", got, DeviceOpening)
	}
	if err := e.TriggerCapture(); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if got := e.State(); got != DeviceOpening {
		t.Errorf("state changed to %s", got)
	}
}

func TestEngine_ShutdownThenTrigger(t *testing.T) {
	m := newFakeManager("cam0")
	e, rec := initEngine(t, m)

	e.Shutdown()
	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
	if m.device.closeCount() != 1 {
		t.Errorf("device closed %d times, want 1", m.device.closeCount())
	}
	if err := e.TriggerCapture(); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if rec.count() != 0 || m.device.sessionCount() != 0 {
		t.Error("no capture should happen after shutdown")
	}

	// Shutdown is idempotent.
	e.Shutdown()
	if m.device.closeCount() != 1 {
		t.Errorf("device closed %d times after second shutdown", m.device.closeCount())
	}
}

func TestEngine_ShutdownDuringCapture(t *testing.T) {
	m := newFakeManager("cam0")
	m.device.autoCapture = false
	e, rec := initEngine(t, m)

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	sess := m.device.sessions[0]
	e.Shutdown()
	if !sess.isClosed() {
		t.Error("session should be closed by shutdown")
	}

	e.Dispatch(camera.CaptureCompleted{Session: sess, Image: sess.image})
	if rec.count() != 0 {
		t.Error("image completed after shutdown should be dropped")
	}
	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
}

func TestEngine_DeviceNotFound(t *testing.T) {
	tests := []struct {
		name     string
		ids      []string
		selector DeviceSelector
	}{
		{"no devices", nil, FirstDevice},
		{"named device missing", []string{"cam0"}, DeviceNamed("cam9")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(newFakeManager(tt.ids...))
			err := e.Initialize(tt.selector, testSink, nil)
			if !errors.Is(err, ErrDeviceNotFound) {
				t.Errorf("err = %v, want ErrDeviceNotFound", err)
			}
			if got := e.State(); got != Idle {
				t.Errorf("state = %s, want %s", got, Idle)
			}
		})
	}
}

func TestEngine_InitializeTwice(t *testing.T) {
	m := newFakeManager("cam0")
	e, _ := initEngine(t, m)
	if err := e.Initialize(FirstDevice, testSink, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestEngine_OpenFailure(t *testing.T) {
	m := newFakeManager("cam0")
	m.openErr = errors.New("permission denied")
	e := NewEngine(m)
	if err := e.Initialize(FirstDevice, testSink, nil); err == nil {
		t.Fatal("expected error")
	}
	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
}

func TestEngine_ConfigureFailedReturnsToReady(t *testing.T) {
	m := newFakeManager("cam0")
	m.device.configureErr = errors.New("no stream")
	e, rec := initEngine(t, m)

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	if got := e.State(); got != DeviceReady {
		t.Fatalf("state = %s, want %s", got, DeviceReady)
	}

	m.device.configureErr = nil
	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("retry TriggerCapture: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("images delivered = %d, want 1", rec.count())
	}
}

func TestEngine_CaptureFailedReturnsToReady(t *testing.T) {
	m := newFakeManager("cam0")
	m.device.autoCapture = false
	e, rec := initEngine(t, m)

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	sess := m.device.sessions[0]
	e.Dispatch(camera.CaptureFailed{Session: sess, Err: errors.New("timeout")})

	if got := e.State(); got != DeviceReady {
		t.Errorf("state = %s, want %s", got, DeviceReady)
	}
	if !sess.isClosed() {
		t.Error("failed session should be closed")
	}
	if rec.count() != 0 {
		t.Error("no image should be delivered")
	}
}

func TestEngine_DeviceErrorReturnsToIdle(t *testing.T) {
	m := newFakeManager("cam0")
	m.device.autoCapture = false
	e, _ := initEngine(t, m)

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	sess := m.device.sessions[0]
	e.Dispatch(camera.DeviceError{Device: m.device, Err: errors.New("disconnected")})

	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
	if m.device.closeCount() != 1 {
		t.Errorf("device closed %d times, want 1", m.device.closeCount())
	}
	if !sess.isClosed() {
		t.Error("session should be closed on device error")
	}
	if err := e.TriggerCapture(); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestEngine_DeviceClosedReturnsToIdle(t *testing.T) {
	m := newFakeManager("cam0")
	e, _ := initEngine(t, m)

	e.Dispatch(camera.DeviceClosed{Device: m.device})
	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
}

func TestEngine_StrayOpenAfterShutdownIsClosed(t *testing.T) {
	m := newFakeManager("cam0")
	m.manual = true
	e, _ := initEngine(t, m)

	e.Shutdown()
	e.Dispatch(camera.DeviceOpened{Device: m.device})

	if got := e.State(); got != Idle {
		t.Errorf("state = %s, want %s", got, Idle)
	}
	if m.device.closeCount() != 1 {
		t.Errorf("stray device closed %d times, want 1", m.device.closeCount())
	}
}

func TestEngine_WithMockCamera(t *testing.T) {
	e := NewEngine(camera.NewMockManager("mock0"))
	images := make(chan CapturedImage, 1)
	sink := camera.ImageSink{Width: 32, Height: 24, Format: camera.FormatJPEG, MaxImages: 1}
	if err := e.Initialize(FirstDevice, sink, func(img CapturedImage) { images <- img }); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer e.Shutdown()

	deadline := time.Now().Add(time.Second)
	for e.State() != DeviceReady {
		if time.Now().After(deadline) {
			t.Fatalf("camera never became ready (state %s)", e.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := e.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	select {
	case img := <-images:
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cfg.Width != 32 || cfg.Height != 24 {
			t.Errorf("size = %dx%d, want 32x24", cfg.Width, cfg.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for image")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{DeviceOpening, "device-opening"},
		{DeviceReady, "device-ready"},
		{SessionConfiguring, "session-configuring"},
		{Capturing, "capturing"},
		{Closing, "closing"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
