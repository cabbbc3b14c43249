// Package store is the remote key-value service the appliance mirrors its
// alarm state through. Values are JSON; watchers receive the current value
// on subscription and every later change.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Paths shared with the companion wearable.
const (
	PathAttack    = "attack"
	PathActivated = "activated"
	PathImageName = "imageName"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Snapshot is the value of one path at a point in time.
type Snapshot struct {
	Path string
	Raw  json.RawMessage
}

// IsNull reports whether the path holds no value.
func (s Snapshot) IsNull() bool {
	v := strings.TrimSpace(string(s.Raw))
	return v == "" || v == "null"
}

// Bool decodes a boolean value. ok is false for null or non-boolean values.
func (s Snapshot) Bool() (value bool, ok bool) {
	if s.IsNull() {
		return false, false
	}
	if err := json.Unmarshal(s.Raw, &value); err != nil {
		return false, false
	}
	return value, true
}

// String decodes a string value. ok is false for null or non-string values.
func (s Snapshot) String() (value string, ok bool) {
	if s.IsNull() {
		return "", false
	}
	if err := json.Unmarshal(s.Raw, &value); err != nil {
		return "", false
	}
	return value, true
}

// Store is a remote key-value service with change notification.
type Store interface {
	// Watch calls fn with the current value of path, then on every change,
	// until ctx is done or the store is closed. Callbacks for one watch are
	// delivered in order from a single goroutine.
	Watch(ctx context.Context, path string, fn func(Snapshot)) error
	// Set replaces the value at path.
	Set(ctx context.Context, path string, value any) error
	// Close stops all watches.
	Close() error
}

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendFirebase = "firebase"
)

// New selects a store backend. url is only used by the firebase backend.
func New(kind, url string) (Store, error) {
	switch kind {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFirebase:
		fb, err := NewFirebase(url, nil)
		if err != nil {
			return nil, err
		}
		return fb, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func cleanPath(path string) string {
	return strings.Trim(path, "/")
}
