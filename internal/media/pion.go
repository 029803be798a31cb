package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
)

// CodecRegistrar fills a MediaEngine with the codecs local tracks encode to.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// PionConfig configures the pion-backed PeerFactory
type PionConfig struct {
	ICEServers []string
	// Codecs defaults to pion's default codec set.
	Codecs CodecRegistrar

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// PionFactory creates pion/webrtc peer connections
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory builds the shared webrtc API. Each NewPeer call gets its
// own PeerConnection with a private copy of the media engine.
func NewPionFactory(cfg PionConfig, logger *zap.Logger) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.Codecs != nil {
		if err := cfg.Codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		orDuration(cfg.ICEDisconnectedTimeout, 10*time.Second),
		orDuration(cfg.ICEFailedTimeout, 25*time.Second),
		orDuration(cfg.ICEKeepaliveInterval, 2*time.Second),
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &PionFactory{api: api, config: config, logger: logger}, nil
}

// NewPeer creates a PeerConnection and wires its callbacks into an event channel
func (f *PionFactory) NewPeer(_ context.Context, kind domain.CallKind) (Negotiator, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	n := &pionNegotiator{
		pc:     pc,
		kind:   kind,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
		logger: f.logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		n.emit(CandidateDiscovered{Candidate: fromCandidateInit(c.ToJSON())})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.emit(ConnectionStateChanged{State: fromPeerState(s)})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.emit(TrackReceived{Kind: fromCodecType(track.Kind()), TrackID: track.ID()})
		// Rendering is the UI's concern; keep reading so interceptors see traffic.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return n, nil
}

type pionNegotiator struct {
	pc     *webrtc.PeerConnection
	kind   domain.CallKind
	events chan Event
	logger *zap.Logger

	mu        sync.Mutex
	hasTracks bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (n *pionNegotiator) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.closed:
	}
}

func (n *pionNegotiator) Events() <-chan Event {
	return n.events
}

func (n *pionNegotiator) CreateOffer(_ context.Context) (domain.SessionDescription, error) {
	if err := n.ensureTransceivers(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return fromSessionDescription(offer), nil
}

func (n *pionNegotiator) CreateAnswer(_ context.Context) (domain.SessionDescription, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return fromSessionDescription(answer), nil
}

func (n *pionNegotiator) SetLocalDescription(_ context.Context, desc domain.SessionDescription) error {
	if err := n.pc.SetLocalDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

func (n *pionNegotiator) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (n *pionNegotiator) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	candidateInit := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := n.pc.AddICECandidate(candidateInit); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// AddTracks attaches captured tracks. Tracks that do not come from the
// device capturer have no RTP representation and are skipped.
func (n *pionNegotiator) AddTracks(tracks []LocalTrack) error {
	for _, t := range tracks {
		rt, ok := t.(rtpTrack)
		if !ok {
			continue
		}
		sender, err := n.pc.AddTrack(rt.trackLocal())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		rt.bindSender(sender)
		n.mu.Lock()
		n.hasTracks = true
		n.mu.Unlock()

		// Drain RTCP so NACK/PLI interceptors keep working
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// ensureTransceivers adds receive-only transceivers when nothing local was
// attached, so the offer still carries audio (and video) sections.
func (n *pionNegotiator) ensureTransceivers() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hasTracks || len(n.pc.GetTransceivers()) > 0 {
		return nil
	}
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if n.kind.WantsVideo() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, err := n.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", k, err)
		}
	}
	return nil
}

func (n *pionNegotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		err = n.pc.Close()
		if err != nil && n.logger != nil {
			n.logger.Warn("Failed to close peer connection", zap.Error(err))
		}
	})
	return err
}

// rtpTrack is implemented by tracks that pion can send
type rtpTrack interface {
	LocalTrack
	trackLocal() webrtc.TrackLocal
	bindSender(sender *webrtc.RTPSender)
}

func fromSessionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toSessionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromCandidateInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPeerState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func fromCodecType(t webrtc.RTPCodecType) TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
