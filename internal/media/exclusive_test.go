package media_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialhub-backend/internal/media"
	"socialhub-backend/internal/media/mediatest"
)

func TestExclusiveCapturer_SecondCaptureIsBusyUntilStop(t *testing.T) {
	capturer := media.NewExclusiveCapturer(&mediatest.Capturer{})
	ctx := context.Background()

	first, err := capturer.Capture(ctx, media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.True(t, capturer.Busy())

	_, err = capturer.Capture(ctx, media.Constraints{Audio: true})
	assert.ErrorIs(t, err, media.ErrDeviceBusy)

	first.Stop()
	assert.False(t, capturer.Busy())

	second, err := capturer.Capture(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	second.Stop()
}

func TestExclusiveCapturer_StopStopsTracksOnce(t *testing.T) {
	inner := &mediatest.Capturer{}
	capturer := media.NewExclusiveCapturer(inner)

	stream, err := capturer.Capture(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	stream.Stop()
	stream.Stop()

	fake := inner.Streams()[0]
	assert.True(t, fake.TrackOfKind(media.TrackAudio).Stopped())
	assert.True(t, fake.TrackOfKind(media.TrackVideo).Stopped())
	assert.False(t, capturer.Busy())
}

func TestExclusiveCapturer_FailedCaptureReleasesLease(t *testing.T) {
	capturer := media.NewExclusiveCapturer(&mediatest.Capturer{Err: media.ErrPermissionDenied})

	_, err := capturer.Capture(context.Background(), media.Constraints{Audio: true})
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.False(t, capturer.Busy())
}

func TestExclusiveCapturer_CancelledCaptureReleasesLease(t *testing.T) {
	capturer := media.NewExclusiveCapturer(&mediatest.Capturer{Gate: make(chan struct{})})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := capturer.Capture(ctx, media.Constraints{Audio: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, capturer.Busy())
}

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"fs permission", &os.PathError{Op: "open", Path: "/dev/video0", Err: os.ErrPermission}, media.ErrPermissionDenied},
		{"message permission", errors.New("open /dev/snd: Permission denied"), media.ErrPermissionDenied},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), media.ErrDeviceNotFound},
		{"already classified", media.ErrDeviceBusy, media.ErrDeviceBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, media.ClassifyCaptureError(tt.err), tt.want)
		})
	}

	assert.NoError(t, media.ClassifyCaptureError(nil))
}
