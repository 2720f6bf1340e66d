//go:build !linux

package media

import "context"

// Device on non-Linux platforms: pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up for Linux here, so acquisition
// reports no device.
type Device struct{}

func NewDevice() *Device { return &Device{} }

func (d *Device) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	return nil, ErrDeviceNotFound
}
