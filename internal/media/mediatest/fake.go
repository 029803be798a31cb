// Package mediatest provides in-memory media primitives for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
)

// ErrNoRemoteDescription mirrors the native refusal to add candidates early
var ErrNoRemoteDescription = errors.New("mediatest: remote description not set")

// Negotiator is a scripted media.Negotiator
type Negotiator struct {
	Kind domain.CallKind

	// Optional failures
	CreateOfferErr  error
	CreateAnswerErr error
	SetRemoteErr    error

	events chan media.Event

	mu                sync.Mutex
	offers            int
	answers           int
	local             []domain.SessionDescription
	remote            []domain.SessionDescription
	candidates        []domain.ICECandidate
	tracks            []media.LocalTrack
	closed            bool
	remoteDescription bool
}

// NewNegotiator returns a negotiator with a roomy event buffer
func NewNegotiator(kind domain.CallKind) *Negotiator {
	return &Negotiator{Kind: kind, events: make(chan media.Event, 128)}
}

func (n *Negotiator) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return domain.SessionDescription{}, media.ErrClosed
	}
	if n.CreateOfferErr != nil {
		return domain.SessionDescription{}, n.CreateOfferErr
	}
	n.offers++
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0 offer-%d", n.offers)}, nil
}

func (n *Negotiator) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return domain.SessionDescription{}, media.ErrClosed
	}
	if n.CreateAnswerErr != nil {
		return domain.SessionDescription{}, n.CreateAnswerErr
	}
	n.answers++
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 answer-%d", n.answers)}, nil
}

func (n *Negotiator) SetLocalDescription(_ context.Context, d domain.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return media.ErrClosed
	}
	n.local = append(n.local, d)
	return nil
}

func (n *Negotiator) SetRemoteDescription(_ context.Context, d domain.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return media.ErrClosed
	}
	if n.SetRemoteErr != nil {
		return n.SetRemoteErr
	}
	n.remote = append(n.remote, d)
	n.remoteDescription = true
	return nil
}

func (n *Negotiator) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return media.ErrClosed
	}
	if !n.remoteDescription {
		return ErrNoRemoteDescription
	}
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *Negotiator) AddTracks(tracks []media.LocalTrack) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tracks = append(n.tracks, tracks...)
	return nil
}

func (n *Negotiator) Events() <-chan media.Event { return n.events }

func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

// Emit pushes a native callback event
func (n *Negotiator) Emit(ev media.Event) {
	n.events <- ev
}

// SetState emits a connection state change
func (n *Negotiator) SetState(s media.ConnectionState) {
	n.Emit(media.ConnectionStateChanged{State: s})
}

// DiscoverCandidate emits a locally gathered candidate
func (n *Negotiator) DiscoverCandidate(candidate string) {
	n.Emit(media.CandidateDiscovered{Candidate: domain.ICECandidate{Candidate: candidate}})
}

func (n *Negotiator) Offers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers
}

func (n *Negotiator) Answers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answers
}

func (n *Negotiator) LocalDescriptions() []domain.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.SessionDescription(nil), n.local...)
}

func (n *Negotiator) RemoteDescriptions() []domain.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.SessionDescription(nil), n.remote...)
}

// AppliedCandidates lists candidate strings in the order they were applied
func (n *Negotiator) AppliedCandidates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.candidates))
	for _, c := range n.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (n *Negotiator) Tracks() []media.LocalTrack {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]media.LocalTrack(nil), n.tracks...)
}

func (n *Negotiator) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Factory hands out Negotiators and remembers them
type Factory struct {
	Err error

	mu    sync.Mutex
	peers []*Negotiator
}

func (f *Factory) NewPeer(_ context.Context, kind domain.CallKind) (media.Negotiator, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	n := NewNegotiator(kind)
	f.mu.Lock()
	f.peers = append(f.peers, n)
	f.mu.Unlock()
	return n, nil
}

// Peers returns every negotiator created so far
func (f *Factory) Peers() []*Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Negotiator(nil), f.peers...)
}

// Last returns the most recent negotiator or nil
func (f *Factory) Last() *Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Track is an in-memory local track
type Track struct {
	id   string
	kind media.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

// NewTrack returns an enabled track
func NewTrack(id string, kind media.TrackKind) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string            { return t.id }
func (t *Track) Kind() media.TrackKind { return t.kind }

func (t *Track) SetEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	return nil
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is an in-memory local stream
type Stream struct {
	tracks []media.LocalTrack
}

func (s *Stream) Tracks() []media.LocalTrack { return s.tracks }

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// Capturer returns fake streams. With Gate set, Capture blocks until the
// gate is closed or ctx is cancelled, mimicking a pending permission prompt.
type Capturer struct {
	Err  error
	Gate chan struct{}

	mu      sync.Mutex
	calls   []media.Constraints
	streams []*Stream
}

func (c *Capturer) Capture(ctx context.Context, cons media.Constraints) (media.LocalStream, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cons)
	gate := c.Gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}

	s := &Stream{}
	if cons.Audio {
		s.tracks = append(s.tracks, NewTrack("audio-0", media.TrackAudio))
	}
	if cons.Video {
		s.tracks = append(s.tracks, NewTrack("video-0", media.TrackVideo))
	}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

// Calls returns how many captures were requested
func (c *Capturer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Constraints returns the constraints of every capture request
func (c *Capturer) Constraints() []media.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Constraints(nil), c.calls...)
}

// Streams returns every stream handed out
func (c *Capturer) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// TrackOfKind returns the fake track of a kind from a stream, or nil
func (s *Stream) TrackOfKind(kind media.TrackKind) *Track {
	for _, t := range s.tracks {
		if ft, ok := t.(*Track); ok && ft.kind == kind {
			return ft
		}
	}
	return nil
}
