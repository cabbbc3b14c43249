package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event kinds sent on the status stream.
const (
	KindLog   = "log"   // a debug log line
	KindFlag  = "flag"  // a remote flag changed
	KindImage = "image" // a new image is available at /image
)

// StatusEvent is one message on the SSE status stream.
type StatusEvent struct {
	Time  string `json:"t"`
	Kind  string `json:"k"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster fans status events out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates an empty broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded events and a cleanup function
// to call when the client goes away. Cleanup may be called more than once.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends an event to every subscriber. Slow clients miss messages
// rather than block the sender.
func (b *StatusBroadcaster) Publish(kind, level, msg string) {
	data, err := json.Marshal(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Kind:  kind,
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Broadcast sends a log event.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(KindLog, level, msg)
}

// BroadcastWriter adapts the broadcaster to io.Writer so the debug logger
// can tee its lines into the stream.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.b.Broadcast(levelOf(line), line)
	}
	return len(p), nil
}

// levelOf extracts the debug level tag of a log line.
func levelOf(line string) string {
	for _, tag := range []string{"ERROR", "WARN", "INFO", "LIVE", "VERBOSE", "TRACE", "GPIO"} {
		if strings.Contains(line, "["+tag+"]") {
			return strings.ToLower(tag)
		}
	}
	return "info"
}
