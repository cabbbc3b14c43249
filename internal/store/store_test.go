package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// snapshots collects watch callbacks.
type snapshots chan Snapshot

func (s snapshots) record(snap Snapshot) { s <- snap }

func (s snapshots) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case snap := <-s:
		return snap
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
		return Snapshot{}
	}
}

func (s snapshots) none(t *testing.T) {
	t.Helper()
	select {
	case snap := <-s:
		t.Fatalf("unexpected snapshot %s = %s", snap.Path, snap.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshot_Decode(t *testing.T) {
	tests := []struct {
		raw      string
		boolVal  bool
		boolOK   bool
		strVal   string
		strOK    bool
		nullable bool
	}{
		{raw: "true", boolVal: true, boolOK: true},
		{raw: "false", boolOK: true},
		{raw: `"abc"`, strVal: "abc", strOK: true},
		{raw: `""`, strOK: true},
		{raw: "null", nullable: true},
		{raw: "", nullable: true},
		{raw: "12"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s := Snapshot{Path: "x", Raw: json.RawMessage(tt.raw)}
			if got := s.IsNull(); got != tt.nullable {
				t.Errorf("IsNull = %v, want %v", got, tt.nullable)
			}
			b, ok := s.Bool()
			if b != tt.boolVal || ok != tt.boolOK {
				t.Errorf("Bool = %v, %v; want %v, %v", b, ok, tt.boolVal, tt.boolOK)
			}
			str, ok := s.String()
			if str != tt.strVal || ok != tt.strOK {
				t.Errorf("String = %q, %v; want %q, %v", str, ok, tt.strVal, tt.strOK)
			}
		})
	}
}

func TestMemory_WatchDeliversCurrentValueThenChanges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, PathAttack, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := make(snapshots, 4)
	if err := m.Watch(ctx, "/"+PathAttack, got.record); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	first := got.next(t)
	if v, ok := first.Bool(); !ok || v {
		t.Errorf("initial value = %s, want false", first.Raw)
	}
	if first.Path != PathAttack {
		t.Errorf("path = %q, want %q", first.Path, PathAttack)
	}

	if err := m.Set(ctx, PathAttack, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := got.next(t).Bool(); !ok || !v {
		t.Error("expected change to true")
	}

	// Other paths do not notify this watcher.
	if err := m.Set(ctx, PathActivated, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got.none(t)
}

func TestMemory_WatchMissingPathIsNull(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	got := make(snapshots, 1)
	if err := m.Watch(context.Background(), PathImageName, got.record); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !got.next(t).IsNull() {
		t.Error("missing path should be reported as null")
	}
}

func TestMemory_WatchStopsOnContextCancel(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(snapshots, 4)
	if err := m.Watch(ctx, PathAttack, got.record); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	got.next(t)
	cancel()
	time.Sleep(20 * time.Millisecond)

	if err := m.Set(context.Background(), PathAttack, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got.none(t)
}

func TestMemory_CloseWaitsForRunningCallback(t *testing.T) {
	m := NewMemory()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	err := m.Watch(context.Background(), PathAttack, func(Snapshot) {
		close(entered)
		<-release
		finished.Store(true)
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	<-entered

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a callback was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the callback finished")
	}
	if !finished.Load() {
		t.Error("callback should have finished before Close returned")
	}
}

func TestMemory_SlowWatcherLosesNoUpdates(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const updates = 200
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []bool
	err := m.Watch(ctx, PathActivated, func(s Snapshot) {
		<-release
		v, _ := s.Bool()
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for i := 0; i < updates; i++ {
		if err := m.Set(ctx, PathActivated, i%2 == 0); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == updates+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d snapshots, want %d", n, updates+1)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if last := seen[len(seen)-1]; last != ((updates-1)%2 == 0) {
		t.Errorf("last value = %v, want the final write", last)
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	m.Close()
	ctx := context.Background()
	if err := m.Set(ctx, PathAttack, true); !errors.Is(err, ErrClosed) {
		t.Errorf("Set err = %v, want ErrClosed", err)
	}
	if err := m.Watch(ctx, PathAttack, func(Snapshot) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Watch err = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemory_GetReturnsLastWrite(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	m.Set(ctx, PathImageName, "first")
	m.Set(ctx, PathImageName, "second")
	if got := string(m.Get(PathImageName)); got != `"second"` {
		t.Errorf("Get = %s, want \"second\"", got)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		url     string
		wantErr bool
	}{
		{kind: "", wantErr: false},
		{kind: BackendMemory, wantErr: false},
		{kind: BackendFirebase, url: "https://example.firebaseio.com", wantErr: false},
		{kind: BackendFirebase, url: "ftp://example", wantErr: true},
		{kind: "redis", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+tt.url, func(t *testing.T) {
			s, err := New(tt.kind, tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q, %q) err = %v, wantErr %v", tt.kind, tt.url, err, tt.wantErr)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}
