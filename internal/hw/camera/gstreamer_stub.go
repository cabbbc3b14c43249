//go:build !linux || !cgo

package camera

import "errors"

// NewGStreamerManager is only available on linux builds with cgo.
func NewGStreamerManager(quality int) (Manager, error) {
	return nil, errors.New("camera: gstreamer backend requires linux and cgo")
}
