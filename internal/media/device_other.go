//go:build !linux || !devices

package media

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers in this build; every request fails
// with ErrNoDevice. Camera and microphone capture needs linux and the
// "devices" build tag, which links libvpx and libopus through cgo.
type DeviceSource struct{}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	logger.Warn("device capture is not built in; rebuild on linux with -tags devices")
	return &DeviceSource{}, nil
}

func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *DeviceSource) GetUserMedia(context.Context, Constraints) (Stream, error) {
	return nil, ErrNoDevice
}
