//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceCapturer opens the local camera and microphone through
// pion/mediadevices (V4L2 + malgo) and encodes to VP8/Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

// NewDeviceCapturer prepares the VP8/Opus codec selector
func NewDeviceCapturer(logger *zap.Logger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to init vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to init opus params: %w", err)
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// RegisterCodecs makes peer connections negotiate the codecs the capturer encodes to
func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// Capture opens the requested devices. GetUserMedia cannot be interrupted,
// so on cancellation the tracks it eventually returns are closed at once.
func (d *DeviceCapturer) Capture(ctx context.Context, c Constraints) (LocalStream, error) {
	if !c.Audio && !c.Video {
		return &deviceStream{}, nil
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrDeviceNotFound
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes can poison the VP8 encoder
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, ClassifyCaptureError(r.err)
		}
		return d.wrap(r.stream), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *DeviceCapturer) wrap(stream mediadevices.MediaStream) *deviceStream {
	s := &deviceStream{}
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil && d.logger != nil {
				d.logger.Warn("Local track ended", zap.String("track_id", track.ID()), zap.Error(err))
			}
		})
		s.tracks = append(s.tracks, &deviceTrack{track: track, enabled: true})
	}
	return s
}

type deviceStream struct {
	tracks []*deviceTrack
}

func (s *deviceStream) Tracks() []LocalTrack {
	out := make([]LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// deviceTrack mutes by swapping the sender's track to nil, which keeps
// the negotiated transceiver and needs no new offer.
type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
	stopped bool
}

func (t *deviceTrack) ID() string { return t.track.ID() }

func (t *deviceTrack) Kind() TrackKind { return fromCodecType(t.track.Kind()) }

func (t *deviceTrack) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.enabled == enabled {
		return nil
	}
	t.enabled = enabled
	if t.sender == nil {
		return nil
	}
	var next webrtc.TrackLocal
	if enabled {
		next = t.track
	}
	if err := t.sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", t.Kind(), err)
	}
	return nil
}

func (t *deviceTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	_ = t.track.Close()
}

func (t *deviceTrack) trackLocal() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) bindSender(sender *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = sender
	disabled := !t.enabled
	t.mu.Unlock()
	if disabled {
		_ = sender.ReplaceTrack(nil)
	}
}
