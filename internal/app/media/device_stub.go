//go:build !mediadevices

package media

import "errors"

var ErrDevicesUnsupported = errors.New("built without device capture (tag mediadevices)")

func NewDeviceCapturer() (Capturer, error) {
	return nil, ErrDevicesUnsupported
}
