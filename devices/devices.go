package devices

import (
	"github.com/pkg/errors"
)

var (
	ErrNoDeviceAvailable  = errors.New("devices: no Cast device available")
	ErrDeviceNotAvailable = errors.New("devicePicker: requested device not available")
)

// DevicePicker returns the nth (1-based) device of a name-sorted list as
// returned by Browser.Devices.
func DevicePicker(devs []Device, n int) (Device, error) {
	if len(devs) == 0 {
		return Device{}, ErrNoDeviceAvailable
	}
	if n > len(devs) || n <= 0 {
		return Device{}, ErrDeviceNotAvailable
	}
	return devs[n-1], nil
}

// FindDevice looks a device up by ID, falling back to its address.
func FindDevice(devs []Device, key string) (Device, error) {
	for _, d := range devs {
		if d.ID == key || d.Addr == key {
			return d, nil
		}
	}
	return Device{}, errors.Wrapf(ErrDeviceNotAvailable, "device %q", key)
}
