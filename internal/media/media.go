// Package media manages the local capture device for a call: acquisition of
// camera/microphone tracks, mute toggles, and release. While a handle is
// held the device in-use indicator is visible to the user, so every call
// exit path must release it.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied       = errors.New("media: permission denied")
	ErrDeviceNotFound         = errors.New("media: no capture device found")
	ErrDeviceBusy             = errors.New("media: device already in use")
	ErrConstraintsUnsupported = errors.New("media: constraints unsupported")
)

// Constraints narrows device selection. Zero values mean "no preference".
type Constraints struct {
	Video bool
	Audio bool

	PreferredCam string
	PreferredMic string
	MaxWidth     int
	MaxHeight    int
}

// Relaxed strips everything but the track kinds, for the single retry after
// ErrConstraintsUnsupported.
func (c Constraints) Relaxed() Constraints {
	return Constraints{Video: c.Video, Audio: c.Audio}
}

// Source acquires capture handles. The device-backed implementation lives
// in capture_linux.go; other platforms get a stub that reports no device.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}

// Handle is an exclusively-owned capture session. Release is idempotent.
type Handle interface {
	// Tracks are the local tracks to attach to a peer connection.
	Tracks() []webrtc.TrackLocal

	// ConfigureEngine registers the codecs these tracks produce.
	ConfigureEngine(*webrtc.MediaEngine) error

	// ToggleAudio/ToggleVideo flip the local mute state and return the new
	// muted/disabled state (true = off).
	ToggleAudio() bool
	ToggleVideo() bool

	Release()
}

// classify maps driver errors onto the package taxonomy. pion/mediadevices
// surfaces raw driver strings, so this is substring matching by necessity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed"):
		return ErrPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return ErrDeviceBusy
	case strings.Contains(msg, "failed to find the best driver") ||
		strings.Contains(msg, "constraint") || strings.Contains(msg, "property"):
		return ErrConstraintsUnsupported
	case strings.Contains(msg, "no such") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no device"):
		return ErrDeviceNotFound
	default:
		return err
	}
}
