package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// MockManager simulates a single camera for development on PC.
// Events are dispatched from a separate goroutine, like a real device.
type MockManager struct {
	ids []string
}

// NewMockManager returns a manager exposing the given device ids.
func NewMockManager(ids ...string) *MockManager {
	return &MockManager{ids: ids}
}

func (m *MockManager) DeviceIDs() ([]string, error) {
	return append([]string(nil), m.ids...), nil
}

func (m *MockManager) OpenDevice(id string, dispatch Dispatcher) error {
	for _, known := range m.ids {
		if known == id {
			debug.Verbose("Camera (mock): opening %s", id)
			go dispatch(DeviceOpened{Device: &mockDevice{id: id}})
			return nil
		}
	}
	return fmt.Errorf("camera: no such device %q", id)
}

type mockDevice struct {
	id     string
	mu     sync.Mutex
	closed bool
	frames int
}

func (d *mockDevice) ID() string { return d.id }

func (d *mockDevice) CreateSession(sink ImageSink, dispatch Dispatcher) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("camera: device %s closed", d.id)
	}
	go dispatch(SessionConfigured{Session: &mockSession{dev: d, sink: sink}})
	return nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type mockSession struct {
	dev  *mockDevice
	sink ImageSink
}

func (s *mockSession) Capture(req Request, dispatch Dispatcher) error {
	s.dev.mu.Lock()
	s.dev.frames++
	frame := s.dev.frames
	s.dev.mu.Unlock()

	go func() {
		dispatch(CaptureProgressed{})
		data, err := SyntheticJPEG(s.sink.Width, s.sink.Height, frame)
		if err != nil {
			dispatch(CaptureFailed{Session: s, Err: err})
			return
		}
		dispatch(CaptureCompleted{Session: s, Image: data})
	}()
	return nil
}

func (s *mockSession) Close() error { return nil }

// SyntheticJPEG renders a test pattern whose shading depends on seed.
func SyntheticJPEG(width, height, seed int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("camera: invalid image size %dx%d", width, height)
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y + seed*16) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
