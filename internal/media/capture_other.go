//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceCapturer has no capture drivers outside linux; every Capture
// reports ErrDeviceNotFound so sessions end with a clear reason.
type DeviceCapturer struct {
	logger *zap.Logger
}

// NewDeviceCapturer returns the stub capturer
func NewDeviceCapturer(logger *zap.Logger) (*DeviceCapturer, error) {
	return &DeviceCapturer{logger: logger}, nil
}

// RegisterCodecs registers pion's default codec set
func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// Capture always fails with ErrDeviceNotFound
func (d *DeviceCapturer) Capture(ctx context.Context, c Constraints) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.logger != nil {
		d.logger.Warn("Local capture is not supported on this platform")
	}
	return nil, ErrDeviceNotFound
}
