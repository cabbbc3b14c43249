package camera

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"
)

// eventLog collects dispatched events.
type eventLog chan Event

func (l eventLog) dispatch(ev Event) { l <- ev }

func (l eventLog) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-l:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for camera event")
		return nil
	}
}

func TestMockManager_UnknownDevice(t *testing.T) {
	m := NewMockManager("cam0")
	if err := m.OpenDevice("cam1", func(Event) {}); err == nil {
		t.Error("expected error opening unknown device")
	}
}

func TestMockManager_DeviceIDsIsCopy(t *testing.T) {
	m := NewMockManager("cam0", "cam1")
	ids, _ := m.DeviceIDs()
	ids[0] = "changed"
	again, _ := m.DeviceIDs()
	if again[0] != "cam0" {
		t.Error("DeviceIDs should return a copy")
	}
}

func TestMockManager_FullCapture(t *testing.T) {
	m := NewMockManager("cam0")
	events := make(eventLog, 8)

	if err := m.OpenDevice("cam0", events.dispatch); err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	opened, ok := events.next(t).(DeviceOpened)
	if !ok {
		t.Fatal("expected DeviceOpened")
	}

	sink := ImageSink{Width: 64, Height: 48, Format: FormatJPEG, MaxImages: 1}
	if err := opened.Device.CreateSession(sink, events.dispatch); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	configured, ok := events.next(t).(SessionConfigured)
	if !ok {
		t.Fatal("expected SessionConfigured")
	}

	req := Request{Template: TemplateStillCapture, AutoExposure: true}
	if err := configured.Session.Capture(req, events.dispatch); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, ok := events.next(t).(CaptureProgressed); !ok {
		t.Fatal("expected CaptureProgressed")
	}
	done, ok := events.next(t).(CaptureCompleted)
	if !ok {
		t.Fatal("expected CaptureCompleted")
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(done.Image))
	if err != nil {
		t.Fatalf("image is not a JPEG: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("image size = %dx%d, want 64x48", cfg.Width, cfg.Height)
	}
}

func TestMockDevice_ClosedRejectsSession(t *testing.T) {
	d := &mockDevice{id: "cam0"}
	d.Close()
	if err := d.CreateSession(ImageSink{Width: 8, Height: 8}, func(Event) {}); err == nil {
		t.Error("expected error creating a session on a closed device")
	}
}

func TestSyntheticJPEG_InvalidSize(t *testing.T) {
	if _, err := SyntheticJPEG(0, 10, 1); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestName(t *testing.T) {
	if got := Name(CaptureCompleted{}); got != "capture completed" {
		t.Errorf("Name = %q", got)
	}
	if got := Name(nil); got != "<nil>" {
		t.Errorf("Name(nil) = %q", got)
	}
}

func TestNewManager_Unsupported(t *testing.T) {
	if _, err := NewManager("usb", 0); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
