package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iem-alarm/alarmthings/internal/debug"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	watchers map[string]map[*memWatch]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// memWatch delivers snapshots in order. Its queue is unbounded so a slow
// callback delays updates but never loses one.
type memWatch struct {
	fn func(Snapshot)

	mu      sync.Mutex
	pending []Snapshot
	wake    chan struct{}

	stop chan struct{}
	once sync.Once
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]json.RawMessage),
		watchers: make(map[string]map[*memWatch]struct{}),
	}
}

// Get returns the current raw value of path, or nil.
func (m *Memory) Get(path string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[cleanPath(path)]
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	path = cleanPath(path)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.values[path] = raw
	for w := range m.watchers[path] {
		w.push(Snapshot{Path: path, Raw: raw})
	}
	m.mu.Unlock()
	debug.Trace("store(memory): set %s = %s", path, truncate(raw))
	return nil
}

func (m *Memory) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	path = cleanPath(path)
	w := &memWatch{fn: fn, wake: make(chan struct{}, 1), stop: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*memWatch]struct{})
	}
	m.watchers[path][w] = struct{}{}
	w.push(Snapshot{Path: path, Raw: m.values[path]})
	m.wg.Add(2)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		w.run()
	}()
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-w.stop:
		}
		m.mu.Lock()
		delete(m.watchers[path], w)
		m.mu.Unlock()
		w.close()
	}()
	return nil
}

// Close stops every watch and waits for running callbacks to return. It
// must not be called from a watch callback.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memWatch
	for _, set := range m.watchers {
		for w := range set {
			all = append(all, w)
		}
	}
	m.watchers = make(map[string]map[*memWatch]struct{})
	m.mu.Unlock()

	for _, w := range all {
		w.close()
	}
	m.wg.Wait()
	return nil
}

// push is called with the store lock held; it never blocks on fn.
func (w *memWatch) push(s Snapshot) {
	w.mu.Lock()
	w.pending = append(w.pending, s)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatch) run() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		for _, s := range batch {
			select {
			case <-w.stop:
				return
			default:
			}
			w.fn(s)
		}
	}
}

func (w *memWatch) close() {
	w.once.Do(func() { close(w.stop) })
}

func truncate(raw []byte) string {
	const limit = 64
	if len(raw) <= limit {
		return string(raw)
	}
	return fmt.Sprintf("%s... (%d bytes)", raw[:limit], len(raw))
}
