// Package media defines the negotiation and capture primitives a call
// session drives, plus pion-based implementations of both.
package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"socialhub-backend/internal/domain"
)

var (
	// ErrPermissionDenied means the user or OS refused camera/microphone access.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound means no usable capture device exists.
	ErrDeviceNotFound = errors.New("media: device not found")
	// ErrDeviceBusy means another session still holds the capture devices.
	ErrDeviceBusy = errors.New("media: device busy")
	// ErrClosed is returned by a Negotiator after Close.
	ErrClosed = errors.New("media: negotiator closed")
)

// TrackKind is audio or video
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnectionState mirrors the native peer connection state
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether a session should end on this state
func (s ConnectionState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Event is emitted by a Negotiator. Concrete types: CandidateDiscovered,
// ConnectionStateChanged, TrackReceived.
type Event interface {
	isEvent()
}

// CandidateDiscovered carries a locally gathered ICE candidate
type CandidateDiscovered struct {
	Candidate domain.ICECandidate
}

// ConnectionStateChanged reports a native connection state transition
type ConnectionStateChanged struct {
	State ConnectionState
}

// TrackReceived reports a remote track
type TrackReceived struct {
	Kind    TrackKind
	TrackID string
}

func (CandidateDiscovered) isEvent()    {}
func (ConnectionStateChanged) isEvent() {}
func (TrackReceived) isEvent()          {}

// Negotiator is one native peer connection. It is owned by exactly one
// session controller and never shared.
type Negotiator interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	AddTracks(tracks []LocalTrack) error
	// Events delivers callbacks from the native connection in order.
	Events() <-chan Event
	Close() error
}

// PeerFactory builds a fresh Negotiator per session
type PeerFactory interface {
	NewPeer(ctx context.Context, kind domain.CallKind) (Negotiator, error)
}

// Constraints selects which devices to open
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is one captured track
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	// SetEnabled mutes or unmutes the track in place without renegotiation.
	SetEnabled(enabled bool) error
	Stop()
}

// LocalStream is the result of a capture. Stop releases every track and
// returns only after the devices are released.
type LocalStream interface {
	Tracks() []LocalTrack
	Stop()
}

// Capturer opens local capture devices. Capture may block on an OS
// permission prompt and must honour ctx cancellation.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (LocalStream, error)
}

// ClassifyCaptureError maps a driver error onto ErrPermissionDenied or
// ErrDeviceNotFound. Already classified errors pass through.
func ClassifyCaptureError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrDeviceBusy):
		return err
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermissionDenied, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not allowed") {
		return errors.Join(ErrPermissionDenied, err)
	}
	return errors.Join(ErrDeviceNotFound, err)
}

// TrackOf returns the first track of the given kind, or nil
func TrackOf(stream LocalStream, kind TrackKind) LocalTrack {
	if stream == nil {
		return nil
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}
