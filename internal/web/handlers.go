package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/logic/capture"
	"github.com/iem-alarm/alarmthings/internal/store"
)

// maxBodyBytes bounds request bodies of the control endpoints.
const maxBodyBytes = 1 << 10

// ModuleStatus is the live state of the appliance.
type ModuleStatus struct {
	Buzzer   bool   `json:"buzzer"`
	Led      bool   `json:"led"`
	Detector bool   `json:"detector"`
	Detected bool   `json:"detected"`
	Capture  string `json:"capture"`
}

// Controller is the appliance as seen from the web page.
type Controller interface {
	Status() ModuleStatus
	SetAttack(ctx context.Context, on bool) error
	SetActivated(ctx context.Context, on bool) error
	ClearImage(ctx context.Context) error
	TriggerCapture() error
}

// ImageInfo describes the latest image.
type ImageInfo struct {
	ID         string    `json:"id"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bytes      int       `json:"bytes"`
	CapturedAt time.Time `json:"captured_at"`
}

// State is the body of GET /state.
type State struct {
	ModuleStatus
	Attack    bool       `json:"attack"`
	Activated bool       `json:"activated"`
	Image     *ImageInfo `json:"image,omitempty"`
}

// Handlers holds dependencies for HTTP handlers. It also implements the
// bridge's Display so flags and images reach the page.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Control     Controller
	// MinCaptureInterval rate-limits POST /capture.
	MinCaptureInterval time.Duration
	staticFS           fs.FS

	mu          sync.Mutex
	flags       map[string]bool
	image       *capture.CapturedImage
	lastCapture time.Time
}

// NewHandlers creates handlers. If control is nil the control endpoints
// answer 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, control Controller, minCaptureInterval time.Duration, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:        broadcaster,
		Control:            control,
		MinCaptureInterval: minCaptureInterval,
		staticFS:           staticFS,
		flags:              make(map[string]bool),
	}
}

// ShowImage keeps img as the latest image and notifies the page.
func (h *Handlers) ShowImage(img capture.CapturedImage) {
	h.mu.Lock()
	h.image = &img
	h.mu.Unlock()
	h.Broadcaster.Publish(KindImage, "info", img.ID)
}

// FlagChanged records a remote flag value and notifies the page.
func (h *Handlers) FlagChanged(path string, value bool) {
	h.mu.Lock()
	h.flags[path] = value
	h.mu.Unlock()
	h.Broadcaster.Publish(KindFlag, "info", path+"="+strconv.FormatBool(value))
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	var st State
	if h.Control != nil {
		st.ModuleStatus = h.Control.Status()
	}
	h.mu.Lock()
	st.Attack = h.flags[store.PathAttack]
	st.Activated = h.flags[store.PathActivated]
	if h.image != nil {
		st.Image = &ImageInfo{
			ID:         h.image.ID,
			Width:      h.image.Width,
			Height:     h.image.Height,
			Bytes:      len(h.image.Data),
			CapturedAt: h.image.CapturedAt,
		}
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, st)
}

// HandleImage handles GET /image and serves the latest JPEG.
func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	img := h.image
	h.mu.Unlock()
	if img == nil {
		http.Error(w, "no image yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Image-Id", img.ID)
	w.Write(img.Data)
}

// HandleAttack handles POST /attack with body {"on": bool}.
func (h *Handlers) HandleAttack(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, store.PathAttack, func(ctx context.Context, on bool) error {
		return h.Control.SetAttack(ctx, on)
	})
}

// HandleActivated handles POST /activated with body {"on": bool}.
func (h *Handlers) HandleActivated(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, store.PathActivated, func(ctx context.Context, on bool) error {
		return h.Control.SetActivated(ctx, on)
	})
}

func (h *Handlers) handleToggle(w http.ResponseWriter, r *http.Request, path string, set func(context.Context, bool) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		On *bool `json:"on"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if body.On == nil {
		http.Error(w, `"on" is required`, http.StatusBadRequest)
		return
	}
	if h.Control == nil {
		http.Error(w, "control not configured", http.StatusServiceUnavailable)
		return
	}
	if err := set(r.Context(), *body.On); err != nil {
		debug.Errorf("web: set %s: %v", path, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{path: *body.On})
}

// HandleCapture handles POST /capture, a manual trigger.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Control == nil {
		http.Error(w, "control not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.MinCaptureInterval > 0 && !h.lastCapture.IsZero() && time.Since(h.lastCapture) < h.MinCaptureInterval {
		h.mu.Unlock()
		http.Error(w, "too many capture requests", http.StatusTooManyRequests)
		return
	}
	h.lastCapture = time.Now()
	h.mu.Unlock()

	if err := h.Control.TriggerCapture(); err != nil {
		if errors.Is(err, capture.ErrNotReady) {
			http.Error(w, "camera busy or not ready", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Broadcaster.Broadcast("info", "Manual capture requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleReset handles POST /reset: silences the alarm and clears the image,
// which is what the wearable does once the alert has been seen.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Control == nil {
		http.Error(w, "control not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Control.SetAttack(r.Context(), false); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.Control.ClearImage(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
