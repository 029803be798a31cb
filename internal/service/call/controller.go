package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
	apperrors "socialhub-backend/pkg/errors"
	"socialhub-backend/pkg/metrics"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("call: session already started")

const signalSendTimeout = 5 * time.Second

// Signaler is the slice of the signaling adapter a controller uses
type Signaler interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID, onMessage func(domain.SignalingMessage)) error
	Send(ctx context.Context, msg domain.SignalingMessage) error
	Unsubscribe(sessionID uuid.UUID) error
}

// HistoryWriter receives every terminated session exactly once
type HistoryWriter interface {
	Record(ctx context.Context, session domain.CallSession, t Termination)
}

// SessionParams identifies one side of a call
type SessionParams struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	LocalID        uuid.UUID
	RemoteID       uuid.UUID
	Kind           domain.CallKind
	Role           domain.CallRole
}

// ControllerConfig holds the session timers
type ControllerConfig struct {
	// ConnectTimeout bounds the whole connecting phase, media prompt included.
	ConnectTimeout time.Duration
	TickInterval   time.Duration
}

// Dependencies are the collaborators of a Controller. Events is optional.
type Dependencies struct {
	Signaler Signaler
	Peers    media.PeerFactory
	Capturer media.Capturer
	History  HistoryWriter
	Events   EventLog
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Diagnostics is the negotiation detail shown next to the call status
type Diagnostics struct {
	ConnectionState   media.ConnectionState `json:"connection_state"`
	LocalCandidates   int                   `json:"local_candidates"`
	RemoteCandidates  int                   `json:"remote_candidates"`
	PendingCandidates int                   `json:"pending_candidates"`
	RemoteTracks      int                   `json:"remote_tracks"`
}

// StateUpdate is what observers and the UI see after every change
type StateUpdate struct {
	SessionID       uuid.UUID                `json:"session_id"`
	Status          domain.CallStatus        `json:"status"`
	Kind            domain.CallKind          `json:"kind"`
	Role            domain.CallRole          `json:"role"`
	DurationSeconds int                      `json:"duration_seconds"`
	Media           domain.MediaState        `json:"media"`
	Diagnostics     Diagnostics              `json:"diagnostics"`
	Reason          domain.TerminationReason `json:"reason,omitempty"`
	StatusText      string                   `json:"status_text,omitempty"`
	ErrorCode       apperrors.ErrorCode      `json:"error_code,omitempty"`
	At              time.Time                `json:"at"`
}

// Controller drives one side of one call from connecting to ended.
//
// Every input (signals, native callbacks, timers, UI commands) is posted
// to a single loop goroutine, so session state has one writer. Readers
// take a snapshot under mu.
type Controller struct {
	params SessionParams
	cfg    ControllerConfig
	deps   Dependencies
	clock  clock.Clock
	logger *zap.Logger

	inbox     chan event
	done      chan struct{}
	startOnce sync.Once

	mu           sync.Mutex
	session      domain.CallSession
	diag         Diagnostics
	stream       media.LocalStream
	ended        bool
	running      bool
	earlyHangup  bool
	observers    map[int]func(StateUpdate)
	nextObserver int

	// owned by the loop goroutine
	finished          bool
	negotiator        media.Negotiator
	pendingOffer      *domain.SessionDescription
	pendingCandidates []domain.ICECandidate
	offerSent         bool
	remoteSet         bool
	callEndReceived   bool
	cancelMedia       context.CancelFunc
	timeout           *clock.Timer
	ticker            *clock.Ticker
}

// NewController creates a session in connecting. Nothing happens until Start.
func NewController(params SessionParams, cfg ControllerConfig, deps Dependencies) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	c := &Controller{
		params: params,
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: deps.Logger.With(
			zap.String("session_id", params.ID.String()),
			zap.String("role", string(params.Role)),
		),
		inbox:     make(chan event, 64),
		done:      make(chan struct{}),
		observers: make(map[int]func(StateUpdate)),
	}

	c.session = domain.CallSession{
		ID:                  params.ID,
		ConversationID:      params.ConversationID,
		LocalParticipantID:  params.LocalID,
		RemoteParticipantID: params.RemoteID,
		Kind:                params.Kind,
		Role:                params.Role,
		Status:              domain.CallStatusConnecting,
		StartedAt:           c.clock.Now(),
		LocalMediaEnabled: domain.MediaState{
			Audio: true,
			Video: params.Kind.WantsVideo(),
		},
	}
	return c
}

// ID returns the session id
func (c *Controller) ID() uuid.UUID {
	return c.params.ID
}

// Params returns the identifying parameters of the session
func (c *Controller) Params() SessionParams {
	return c.params
}

// Start arms the connect timeout, joins the signaling topic and begins
// media acquisition. Failures after this point end the session rather
// than being returned.
func (c *Controller) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = nil
		c.mu.Lock()
		c.running = true
		hangup := c.earlyHangup
		c.mu.Unlock()

		c.start(ctx)
		if hangup {
			go c.post(hangupRequested{})
		}
	})
	return err
}

func (c *Controller) start(ctx context.Context) {
	metrics.CallSessionsActive.Inc()
	metrics.CallSessionsTotal.WithLabelValues(string(c.params.Role), string(c.params.Kind)).Inc()

	c.timeout = c.clock.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.post(connectTimeout{})
	})

	mediaCtx, cancel := context.WithCancel(context.Background())
	c.cancelMedia = cancel

	go c.run()

	c.logger.Info("Call session started",
		zap.String("kind", string(c.params.Kind)),
		zap.String("remote_id", c.params.RemoteID.String()))
	c.logEvent("started", string(c.params.Role))

	if err := c.deps.Signaler.Subscribe(ctx, c.params.ID, func(msg domain.SignalingMessage) {
		c.post(signalReceived{msg: msg})
	}); err != nil {
		c.post(sessionFailed{reason: domain.ReasonNegotiationFailed, err: err})
		return
	}

	go c.acquireMedia(mediaCtx)
}

func (c *Controller) acquireMedia(ctx context.Context) {
	stream, err := c.deps.Capturer.Capture(ctx, media.Constraints{
		Audio: true,
		Video: c.params.Kind.WantsVideo(),
	})
	if err != nil {
		c.post(mediaFailed{err: err})
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		stream.Stop()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	c.post(mediaAcquired{})
}

// post hands ev to the loop, or drops it once the session is done
func (c *Controller) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// HangUp ends the session locally. It does not wait for teardown. Before
// Start it is held and applied once the session starts.
func (c *Controller) HangUp() {
	c.mu.Lock()
	if !c.running {
		c.earlyHangup = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go c.post(hangupRequested{})
}

// ToggleAudio flips the local audio track and returns the new media state
func (c *Controller) ToggleAudio() domain.MediaState {
	return c.toggleAndWait(media.TrackAudio)
}

// ToggleVideo flips the local video track. Audio-only calls are unaffected.
func (c *Controller) ToggleVideo() domain.MediaState {
	return c.toggleAndWait(media.TrackVideo)
}

func (c *Controller) toggleAndWait(kind media.TrackKind) domain.MediaState {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return c.Snapshot().LocalMediaEnabled
	}
	reply := make(chan domain.MediaState, 1)
	select {
	case c.inbox <- toggleRequested{kind: kind, reply: reply}:
	case <-c.done:
		return c.Snapshot().LocalMediaEnabled
	}
	select {
	case state := <-reply:
		return state
	case <-c.done:
		return c.Snapshot().LocalMediaEnabled
	}
}

// Snapshot returns a copy of the session
func (c *Controller) Snapshot() domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current observer view
func (c *Controller) State() StateUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked()
}

// Done is closed after teardown completed and observers were told
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// OnStateChange registers fn for every state update and returns a func
// that unregisters it. Callbacks run on the controller goroutine and
// must not block.
func (c *Controller) OnStateChange(fn func(StateUpdate)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) run() {
	defer close(c.done)
	ctx := context.Background()

	for !c.finished {
		c.handle(ctx, <-c.inbox)
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case signalReceived:
		c.onSignal(ctx, ev.msg)
	case negotiationEvent:
		c.onNegotiation(ctx, ev.ev)
	case mediaAcquired:
		c.onMediaAcquired(ctx)
	case mediaFailed:
		c.onMediaFailed(ctx, ev.err)
	case hangupRequested:
		c.teardown(ctx, domain.ReasonLocalHangup)
	case toggleRequested:
		ev.reply <- c.toggle(ev.kind)
	case connectTimeout:
		if c.session.Status == domain.CallStatusConnecting {
			c.logger.Warn("Call did not connect in time", zap.Duration("timeout", c.cfg.ConnectTimeout))
			c.teardown(ctx, domain.ReasonSignalingTimeout)
		}
	case durationTick:
		if c.session.Status == domain.CallStatusConnected {
			c.notify()
		}
	case sessionFailed:
		c.fail(ctx, ev.reason, ev.err)
	}
}

func (c *Controller) onMediaAcquired(ctx context.Context) {
	if c.session.Status != domain.CallStatusConnecting {
		return
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	c.logEvent("media-acquired", fmt.Sprintf("%d tracks", len(stream.Tracks())))

	neg, err := c.deps.Peers.NewPeer(ctx, c.params.Kind)
	if err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	c.negotiator = neg
	go c.forward(neg.Events())

	if err := neg.AddTracks(stream.Tracks()); err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}

	if c.params.Role == domain.CallRoleCaller {
		c.sendOffer(ctx)
		return
	}
	if c.pendingOffer != nil {
		offer := *c.pendingOffer
		c.pendingOffer = nil
		c.applyOffer(ctx, offer)
	}
}

// forward relays native callbacks into the loop until the session is done
func (c *Controller) forward(events <-chan media.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.post(negotiationEvent{ev: ev})
		case <-c.done:
			return
		}
	}
}

func (c *Controller) onMediaFailed(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	reason := domain.ReasonMediaDeviceNotFound
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		reason = domain.ReasonMediaPermissionDenied
	case errors.Is(err, media.ErrDeviceBusy):
		reason = domain.ReasonMediaDeviceBusy
	}
	c.fail(ctx, reason, err)
}

func (c *Controller) sendOffer(ctx context.Context) {
	offer, err := c.negotiator.CreateOffer(ctx)
	if err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	if err := c.negotiator.SetLocalDescription(ctx, offer); err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	c.offerSent = true
	c.send(ctx, domain.SignalOffer, offer)
	c.logEvent("offer-sent", "")
}

func (c *Controller) onSignal(ctx context.Context, msg domain.SignalingMessage) {
	switch msg.Kind {
	case domain.SignalOffer:
		if c.params.Role != domain.CallRoleCallee || c.session.Status != domain.CallStatusConnecting ||
			c.remoteSet || c.pendingOffer != nil {
			c.logger.Debug("Ignoring offer")
			return
		}
		var desc domain.SessionDescription
		if !c.decode(msg, &desc) {
			return
		}
		if c.negotiator == nil {
			c.pendingOffer = &desc
			return
		}
		c.applyOffer(ctx, desc)

	case domain.SignalAnswer:
		if c.params.Role != domain.CallRoleCaller || c.session.Status != domain.CallStatusConnecting ||
			!c.offerSent || c.remoteSet {
			c.logger.Debug("Ignoring answer")
			return
		}
		var desc domain.SessionDescription
		if !c.decode(msg, &desc) {
			return
		}
		if err := c.negotiator.SetRemoteDescription(ctx, desc); err != nil {
			c.fail(ctx, domain.ReasonNegotiationFailed, err)
			return
		}
		c.remoteSet = true
		c.logEvent("answer-received", "")
		c.flushCandidates(ctx)

	case domain.SignalICECandidate:
		var candidate domain.ICECandidate
		if !c.decode(msg, &candidate) {
			return
		}
		c.updateDiag(func(d *Diagnostics) { d.RemoteCandidates++ })
		if c.negotiator == nil || !c.remoteSet {
			c.pendingCandidates = append(c.pendingCandidates, candidate)
			c.updateDiag(func(d *Diagnostics) { d.PendingCandidates = len(c.pendingCandidates) })
			return
		}
		c.addCandidate(ctx, candidate)

	case domain.SignalCallEnd:
		c.callEndReceived = true
		c.teardown(ctx, domain.ReasonRemoteHangup)
	}
}

func (c *Controller) applyOffer(ctx context.Context, offer domain.SessionDescription) {
	if err := c.negotiator.SetRemoteDescription(ctx, offer); err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	c.remoteSet = true
	c.logEvent("offer-received", "")
	c.flushCandidates(ctx)

	answer, err := c.negotiator.CreateAnswer(ctx)
	if err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	if err := c.negotiator.SetLocalDescription(ctx, answer); err != nil {
		c.fail(ctx, domain.ReasonNegotiationFailed, err)
		return
	}
	c.send(ctx, domain.SignalAnswer, answer)
	c.logEvent("answer-sent", "")
}

// flushCandidates applies buffered candidates in arrival order
func (c *Controller) flushCandidates(ctx context.Context) {
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	for _, candidate := range pending {
		c.addCandidate(ctx, candidate)
	}
	c.updateDiag(func(d *Diagnostics) { d.PendingCandidates = 0 })
}

func (c *Controller) addCandidate(ctx context.Context, candidate domain.ICECandidate) {
	if err := c.negotiator.AddICECandidate(ctx, candidate); err != nil {
		c.logger.Warn("Failed to add remote ICE candidate", zap.Error(err))
	}
}

func (c *Controller) onNegotiation(ctx context.Context, ev media.Event) {
	switch ev := ev.(type) {
	case media.CandidateDiscovered:
		c.updateDiag(func(d *Diagnostics) { d.LocalCandidates++ })
		c.send(ctx, domain.SignalICECandidate, ev.Candidate)

	case media.ConnectionStateChanged:
		c.updateDiag(func(d *Diagnostics) { d.ConnectionState = ev.State })
		switch {
		case ev.State == media.StateConnected:
			c.onConnected()
		case ev.State.Terminal():
			c.logger.Warn("Peer connection lost", zap.String("state", string(ev.State)))
			c.teardown(ctx, domain.ReasonNegotiationFailed)
		default:
			c.notify()
		}

	case media.TrackReceived:
		c.updateDiag(func(d *Diagnostics) { d.RemoteTracks++ })
		c.logEvent("track-received", string(ev.Kind))
		c.notify()
	}
}

func (c *Controller) onConnected() {
	if c.session.Status != domain.CallStatusConnecting {
		return
	}
	now := c.clock.Now()
	c.timeout.Stop()

	c.mu.Lock()
	c.session.Status = domain.CallStatusConnected
	c.session.ConnectedAt = &now
	c.mu.Unlock()

	metrics.CallConnectSeconds.Observe(now.Sub(c.session.StartedAt).Seconds())
	c.logger.Info("Call connected")
	c.logEvent("connected", "")

	c.ticker = c.clock.Ticker(c.cfg.TickInterval)
	go c.tick(c.ticker)
	c.notify()
}

func (c *Controller) tick(t *clock.Ticker) {
	for {
		select {
		case <-t.C:
			c.post(durationTick{})
		case <-c.done:
			return
		}
	}
}

func (c *Controller) toggle(kind media.TrackKind) domain.MediaState {
	c.mu.Lock()
	stream := c.stream
	state := c.session.LocalMediaEnabled
	c.mu.Unlock()

	if kind == media.TrackVideo && !c.params.Kind.WantsVideo() {
		return state
	}
	track := media.TrackOf(stream, kind)
	if track == nil {
		return state
	}

	enabled := state.Audio
	if kind == media.TrackVideo {
		enabled = state.Video
	}
	if err := track.SetEnabled(!enabled); err != nil {
		c.logger.Warn("Failed to toggle local track", zap.String("kind", string(kind)), zap.Error(err))
		return state
	}

	c.mu.Lock()
	if kind == media.TrackVideo {
		c.session.LocalMediaEnabled.Video = !enabled
	} else {
		c.session.LocalMediaEnabled.Audio = !enabled
	}
	state = c.session.LocalMediaEnabled
	c.mu.Unlock()

	c.notify()
	return state
}

func (c *Controller) fail(ctx context.Context, reason domain.TerminationReason, err error) {
	c.logger.Warn("Call session failed", zap.String("reason", string(reason)), zap.Error(err))
	c.teardown(ctx, reason)
}

// teardown is the only path into ended. Local tracks are stopped before
// Done closes so the next session can open the devices.
func (c *Controller) teardown(ctx context.Context, reason domain.TerminationReason) {
	if c.finished {
		return
	}
	c.finished = true
	now := c.clock.Now()

	c.mu.Lock()
	c.ended = true
	c.session.Status = domain.CallStatusEnded
	c.session.EndedAt = &now
	c.session.Reason = reason
	stream := c.stream
	c.stream = nil
	snapshot := c.session
	c.mu.Unlock()

	c.timeout.Stop()
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.cancelMedia()
	if stream != nil {
		stream.Stop()
	}
	if c.negotiator != nil {
		if err := c.negotiator.Close(); err != nil {
			c.logger.Debug("Negotiator close returned error", zap.Error(err))
		}
	}

	if !c.callEndReceived {
		c.send(ctx, domain.SignalCallEnd, nil)
	}

	if c.deps.History != nil {
		go c.deps.History.Record(context.Background(), snapshot, Termination{
			Reason:     reason,
			EndedAt:    now,
			Negotiated: c.remoteSet,
		})
	}

	if err := c.deps.Signaler.Unsubscribe(c.params.ID); err != nil {
		c.logger.Warn("Failed to leave signaling topic", zap.Error(err))
	}

	metrics.CallSessionsActive.Dec()
	c.logEvent("ended", string(reason))
	c.logger.Info("Call session ended",
		zap.String("reason", string(reason)),
		zap.Int("duration_seconds", snapshot.DurationSeconds(now)))

	c.notify()
}

func (c *Controller) send(ctx context.Context, kind domain.SignalKind, payload any) {
	msg := domain.SignalingMessage{
		Kind:      kind,
		SessionID: c.params.ID,
		From:      c.params.LocalID,
		To:        c.params.RemoteID,
		SentAt:    c.clock.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("Failed to encode signaling payload", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		msg.Payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, signalSendTimeout)
	defer cancel()
	if err := c.deps.Signaler.Send(ctx, msg); err != nil {
		c.logger.Warn("Failed to send signaling message", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (c *Controller) decode(msg domain.SignalingMessage, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.logger.Warn("Dropping malformed signaling payload", zap.String("kind", string(msg.Kind)), zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) updateDiag(fn func(d *Diagnostics)) {
	c.mu.Lock()
	fn(&c.diag)
	c.mu.Unlock()
}

func (c *Controller) updateLocked() StateUpdate {
	at := c.clock.Now()
	if c.session.EndedAt != nil {
		at = *c.session.EndedAt
	}
	u := StateUpdate{
		SessionID:       c.session.ID,
		Status:          c.session.Status,
		Kind:            c.session.Kind,
		Role:            c.session.Role,
		DurationSeconds: c.session.DurationSeconds(at),
		Media:           c.session.LocalMediaEnabled,
		Diagnostics:     c.diag,
		Reason:          c.session.Reason,
		At:              at,
	}
	if c.session.Status == domain.CallStatusEnded {
		u.StatusText = c.session.Reason.StatusText()
		u.ErrorCode = failureCode(c.session.Reason)
	}
	return u
}

// failureCode is empty for reasons that are not failures
func failureCode(reason domain.TerminationReason) apperrors.ErrorCode {
	switch reason {
	case domain.ReasonMediaPermissionDenied:
		return apperrors.ErrCodeMediaPermissionDenied
	case domain.ReasonMediaDeviceNotFound:
		return apperrors.ErrCodeMediaDeviceNotFound
	case domain.ReasonMediaDeviceBusy:
		return apperrors.ErrCodeDeviceBusy
	case domain.ReasonSignalingTimeout:
		return apperrors.ErrCodeSignalingTimeout
	case domain.ReasonNegotiationFailed:
		return apperrors.ErrCodeNegotiationFailed
	}
	return ""
}

func (c *Controller) notify() {
	c.mu.Lock()
	update := c.updateLocked()
	observers := make([]func(StateUpdate), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(update)
	}
}

// logEvent appends to the diagnostic timeline without blocking the loop
func (c *Controller) logEvent(typ, detail string) {
	if c.deps.Events == nil {
		return
	}
	ev := &domain.CallEvent{
		SessionID: c.params.ID,
		UserID:    c.params.LocalID,
		Type:      typ,
		Detail:    detail,
		At:        c.clock.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
		defer cancel()
		if err := c.deps.Events.Append(ctx, ev); err != nil {
			c.logger.Debug("Failed to append call event", zap.String("type", typ), zap.Error(err))
		}
	}()
}
