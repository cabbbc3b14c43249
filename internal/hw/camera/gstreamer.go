//go:build linux && cgo

package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GStreamerManager captures stills from V4L2 devices through a one-shot
// GStreamer pipeline:
//
//	v4l2src num-buffers=1 → videoconvert → videoscale → capsfilter → jpegenc → appsink
type GStreamerManager struct {
	quality int
}

// NewGStreamerManager initialises GStreamer and checks the required plugins.
func NewGStreamerManager(quality int) (*GStreamerManager, error) {
	gst.Init(nil)
	for _, name := range []string{"v4l2src", "jpegenc"} {
		elem, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("camera: GStreamer element %s not available: %w", name, err)
		}
		elem.SetState(gst.StateNull)
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	debug.Info("Camera backend: GStreamer (jpeg quality %d)", quality)
	return &GStreamerManager{quality: quality}, nil
}

func (m *GStreamerManager) DeviceIDs() ([]string, error) {
	ids, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *GStreamerManager) OpenDevice(id string, dispatch Dispatcher) error {
	go func() {
		// Probe the node so access errors surface at open time rather
		// than at the first capture.
		f, err := os.OpenFile(id, os.O_RDWR, 0)
		if err != nil {
			dispatch(DeviceError{Err: fmt.Errorf("camera: open %s: %w", id, err)})
			return
		}
		f.Close()
		dispatch(DeviceOpened{Device: &gstDevice{id: id, quality: m.quality}})
	}()
	return nil
}

type gstDevice struct {
	id      string
	quality int

	mu     sync.Mutex
	closed bool
}

func (d *gstDevice) ID() string { return d.id }

func (d *gstDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *gstDevice) CreateSession(sink ImageSink, dispatch Dispatcher) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("camera: device %s closed", d.id)
	}

	go func() {
		s, err := d.buildSession(sink)
		if err != nil {
			dispatch(ConfigureFailed{Err: err})
			return
		}
		dispatch(SessionConfigured{Session: s})
	}()
	return nil
}

func (d *gstDevice) buildSession(sink ImageSink) (*gstSession, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.id)
	src.SetProperty("num-buffers", 1)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,width=%d,height=%d", sink.Width, sink.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return nil, fmt.Errorf("failed to create jpegenc: %w", err)
	}
	encoder.SetProperty("quality", d.quality)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", sink.MaxImages)

	pipeline.AddMany(src, convert, scale, capsfilter, encoder, appsink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, encoder, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline: %w", err)
	}

	debug.Verbose("Camera: pipeline ready for %s (%s)", d.id, capsStr)
	return &gstSession{pipeline: pipeline, sink: appsink, done: make(chan struct{})}, nil
}

type gstSession struct {
	pipeline *gst.Pipeline
	sink     *app.Sink

	mu    sync.Mutex
	image []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (s *gstSession) Capture(req Request, dispatch Dispatcher) error {
	if req.Template != TemplateStillCapture {
		return fmt.Errorf("camera: unsupported template %d", req.Template)
	}
	// v4l2src applies the driver's exposure defaults, which is auto
	// exposure on UVC cameras; there is no manual mode to switch off.

	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowOK
			}
			mapInfo := buffer.Map(gst.MapRead)
			if mapInfo == nil {
				debug.Warn("Camera: could not map buffer")
				return gst.FlowOK
			}
			data := mapInfo.Bytes()
			frame := make([]byte, len(data))
			copy(frame, data)
			buffer.Unmap()

			s.mu.Lock()
			if s.image == nil {
				s.image = frame
			}
			s.mu.Unlock()
			dispatch(CaptureProgressed{})
			return gst.FlowOK
		},
	})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("camera: failed to start pipeline: %w", err)
	}
	go s.watch(dispatch)
	return nil
}

// watch waits for the pipeline to finish the single buffer, or for the
// session to be closed.
func (s *gstSession) watch(dispatch Dispatcher) {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.mu.Lock()
			img := s.image
			s.mu.Unlock()
			if len(img) == 0 {
				dispatch(CaptureFailed{Session: s, Err: errors.New("camera: pipeline produced no image")})
				return
			}
			dispatch(CaptureCompleted{Session: s, Image: img})
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			debug.Verbose("Camera: pipeline debug: %s", gerr.DebugString())
			dispatch(CaptureFailed{Session: s, Err: fmt.Errorf("camera: pipeline error: %s", gerr.Error())})
			return
		}
	}
}

func (s *gstSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
