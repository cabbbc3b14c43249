// Package bridge mirrors the remote alarm flags onto the local modules and
// pushes captured images back to the remote store.
package bridge

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/iem-alarm/alarmthings/internal/debug"
	"github.com/iem-alarm/alarmthings/internal/logic/capture"
	"github.com/iem-alarm/alarmthings/internal/store"
)

// Switch is the on/off contract of a polling module.
type Switch interface {
	TurnOn()
	TurnOff()
	IsOn() bool
}

// Display receives what the bridge shows to the outside world besides the
// store, such as the local web page.
type Display interface {
	ShowImage(img capture.CapturedImage)
	FlagChanged(path string, value bool)
}

// Bridge binds store paths to modules:
//
//	attack    → buzzer and led (alarm sounding)
//	activated → detector (alarm armed)
//	imageName ← latest captured image, base64
type Bridge struct {
	store    store.Store
	alarm    []Switch
	detector Switch
	display  Display
}

// New creates a bridge. alarm lists the modules driven by the attack flag.
func New(s store.Store, detector Switch, alarm ...Switch) *Bridge {
	return &Bridge{store: s, detector: detector, alarm: alarm}
}

// SetDisplay attaches an optional display. Call before Subscribe.
func (b *Bridge) SetDisplay(d Display) {
	b.display = d
}

// Subscribe starts watching both flags. Watches run until ctx is done or the
// store is closed.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if err := b.store.Watch(ctx, store.PathAttack, b.onAttack); err != nil {
		return fmt.Errorf("bridge: watch %s: %w", store.PathAttack, err)
	}
	if err := b.store.Watch(ctx, store.PathActivated, b.onActivated); err != nil {
		return fmt.Errorf("bridge: watch %s: %w", store.PathActivated, err)
	}
	debug.Info("Subscribed to remote flags %q and %q", store.PathAttack, store.PathActivated)
	return nil
}

func (b *Bridge) onAttack(s store.Snapshot) {
	on, ok := b.flag(s)
	if !ok {
		return
	}
	for _, sw := range b.alarm {
		apply(sw, on)
	}
}

func (b *Bridge) onActivated(s store.Snapshot) {
	on, ok := b.flag(s)
	if !ok {
		return
	}
	apply(b.detector, on)
}

// flag decodes a boolean snapshot, ignoring null and non-boolean values.
func (b *Bridge) flag(s store.Snapshot) (bool, bool) {
	if s.IsNull() {
		debug.Verbose("Remote %s is null, ignoring", s.Path)
		return false, false
	}
	v, ok := s.Bool()
	if !ok {
		debug.Warn("Remote %s is not a boolean (%s), ignoring", s.Path, s.Raw)
		return false, false
	}
	debug.Flag(s.Path, v)
	if b.display != nil {
		b.display.FlagChanged(s.Path, v)
	}
	return v, true
}

func apply(sw Switch, on bool) {
	if sw == nil {
		return
	}
	if on {
		sw.TurnOn()
	} else {
		sw.TurnOff()
	}
}

// EncodeImage returns the value written to imageName for an image.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// PublishImage replaces imageName with the base64 image and forwards the
// image to the display.
func (b *Bridge) PublishImage(ctx context.Context, img capture.CapturedImage) error {
	if b.display != nil {
		b.display.ShowImage(img)
	}
	encoded := EncodeImage(img.Data)
	if err := b.store.Set(ctx, store.PathImageName, encoded); err != nil {
		return fmt.Errorf("bridge: publish image %s: %w", img.ID, err)
	}
	debug.Info("Image %s published (%d base64 chars)", img.ID, len(encoded))
	return nil
}

// SetAttack writes the attack flag.
func (b *Bridge) SetAttack(ctx context.Context, on bool) error {
	return b.set(ctx, store.PathAttack, on)
}

// SetActivated writes the activated flag.
func (b *Bridge) SetActivated(ctx context.Context, on bool) error {
	return b.set(ctx, store.PathActivated, on)
}

// ClearImage empties imageName, as the wearable does once viewed.
func (b *Bridge) ClearImage(ctx context.Context) error {
	if err := b.store.Set(ctx, store.PathImageName, ""); err != nil {
		return fmt.Errorf("bridge: clear image: %w", err)
	}
	return nil
}

func (b *Bridge) set(ctx context.Context, path string, on bool) error {
	if err := b.store.Set(ctx, path, on); err != nil {
		return fmt.Errorf("bridge: set %s: %w", path, err)
	}
	return nil
}
