package call

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/errors"
	"socialhub-backend/pkg/metrics"
	"socialhub-backend/pkg/sanitize"
)

// InviteSource is the slice of the signaling adapter the notifier uses
type InviteSource interface {
	SubscribeInvites(ctx context.Context, handler func(domain.CallInvite)) (io.Closer, error)
	Send(ctx context.Context, msg domain.SignalingMessage) error
}

// InviteAcceptor starts the callee session for an accepted invite
type InviteAcceptor interface {
	AcceptInvite(ctx context.Context, invite domain.CallInvite) (*Controller, error)
}

// IncomingEventType labels what happened to an invite
type IncomingEventType string

const (
	IncomingRinging  IncomingEventType = "ringing"
	IncomingAccepted IncomingEventType = "accepted"
	IncomingDeclined IncomingEventType = "declined"
	IncomingMissed   IncomingEventType = "missed"
)

// IncomingEvent is delivered to incoming-call observers
type IncomingEvent struct {
	Type   IncomingEventType `json:"type"`
	Invite domain.CallInvite `json:"invite"`
	At     time.Time         `json:"at"`
}

// NotifierConfig configures a Notifier
type NotifierConfig struct {
	LocalID     uuid.UUID
	RingTimeout time.Duration
}

// NotifierDeps are the Notifier's collaborators. Push is optional.
type NotifierDeps struct {
	Invites  InviteSource
	Acceptor InviteAcceptor
	History  HistoryWriter
	Push     CallPusher
	Clock    clock.Clock
	Logger   *zap.Logger
}

type pendingInvite struct {
	invite domain.CallInvite
	timer  *clock.Timer
}

// Notifier tracks invites addressed to the local user until they are
// accepted, declined, withdrawn or left ringing past RingTimeout.
type Notifier struct {
	cfg    NotifierConfig
	deps   NotifierDeps
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	pending      map[uuid.UUID]*pendingInvite
	resolved     map[uuid.UUID]time.Time
	observers    map[int]func(IncomingEvent)
	nextObserver int
	sub          io.Closer
	closed       bool
}

// NewNotifier creates a notifier. Call Start to begin listening.
func NewNotifier(cfg NotifierConfig, deps NotifierDeps) *Notifier {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Notifier{
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		logger:    deps.Logger,
		pending:   make(map[uuid.UUID]*pendingInvite),
		resolved:  make(map[uuid.UUID]time.Time),
		observers: make(map[int]func(IncomingEvent)),
	}
}

// Start subscribes to the local inbox
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.deps.Invites.SubscribeInvites(ctx, n.onInvite)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	n.logger.Info("Listening for incoming calls", zap.String("user_id", n.cfg.LocalID.String()))
	return nil
}

// Close stops listening and drops pending invites without recording them
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	sub := n.sub
	n.sub = nil
	for id, p := range n.pending {
		p.timer.Stop()
		delete(n.pending, id)
	}
	n.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (n *Notifier) onInvite(invite domain.CallInvite) {
	invite.CallerName = sanitize.DisplayName(invite.CallerName)
	switch invite.State {
	case domain.InviteRinging:
		n.ring(invite)
	case domain.InviteCancelled:
		if p := n.take(invite.SessionID); p != nil {
			n.miss(p.invite, domain.ReasonCancelled)
		}
	}
}

func (n *Notifier) ring(invite domain.CallInvite) {
	now := n.clock.Now()
	age := now.Sub(invite.CreatedAt)
	if age < 0 {
		age = 0
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if _, ok := n.pending[invite.SessionID]; ok {
		n.mu.Unlock()
		return
	}
	if _, ok := n.resolved[invite.SessionID]; ok {
		n.mu.Unlock()
		return
	}
	if age >= n.cfg.RingTimeout {
		n.mu.Unlock()
		n.logger.Debug("Ignoring stale call invite", zap.String("session_id", invite.SessionID.String()))
		return
	}

	sessionID := invite.SessionID
	n.pending[sessionID] = &pendingInvite{
		invite: invite,
		timer: n.clock.AfterFunc(n.cfg.RingTimeout-age, func() {
			if p := n.take(sessionID); p != nil {
				n.miss(p.invite, domain.ReasonRingTimeout)
			}
		}),
	}
	n.mu.Unlock()

	metrics.CallInvitesTotal.WithLabelValues("received").Inc()
	n.logger.Info("Incoming call",
		zap.String("session_id", sessionID.String()),
		zap.String("caller_id", invite.CallerID.String()),
		zap.String("kind", string(invite.Kind)))
	n.notify(IncomingRinging, invite)
}

// take removes a pending invite and marks it resolved
func (n *Notifier) take(sessionID uuid.UUID) *pendingInvite {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.pending[sessionID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(n.pending, sessionID)

	now := n.clock.Now()
	n.resolved[sessionID] = now
	for id, at := range n.resolved {
		if now.Sub(at) > 2*n.cfg.RingTimeout {
			delete(n.resolved, id)
		}
	}
	return p
}

// Pending lists ringing invites, oldest first
func (n *Notifier) Pending() []domain.CallInvite {
	n.mu.Lock()
	out := make([]domain.CallInvite, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p.invite)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OnIncoming registers fn for invite events and returns an unregister func
func (n *Notifier) OnIncoming(fn func(IncomingEvent)) func() {
	n.mu.Lock()
	id := n.nextObserver
	n.nextObserver++
	n.observers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

// Accept answers a ringing invite and returns the callee session
func (n *Notifier) Accept(ctx context.Context, sessionID uuid.UUID) (*Controller, error) {
	p := n.take(sessionID)
	if p == nil {
		return nil, errors.InviteNotFoundError()
	}

	ctrl, err := n.deps.Acceptor.AcceptInvite(ctx, p.invite)
	if err != nil {
		n.restore(p.invite)
		return nil, err
	}

	metrics.CallInvitesTotal.WithLabelValues("accepted").Inc()
	n.notify(IncomingAccepted, p.invite)
	return ctrl, nil
}

// restore puts an invite back after a failed accept if it is still ringing
func (n *Notifier) restore(invite domain.CallInvite) {
	n.mu.Lock()
	delete(n.resolved, invite.SessionID)
	n.mu.Unlock()
	n.ring(invite)
}

// Decline refuses a ringing invite. No media is acquired; the caller
// learns about it through a call-end on the session topic.
func (n *Notifier) Decline(ctx context.Context, sessionID uuid.UUID) error {
	p := n.take(sessionID)
	if p == nil {
		return errors.InviteNotFoundError()
	}

	if err := n.deps.Invites.Send(ctx, domain.SignalingMessage{
		Kind:      domain.SignalCallEnd,
		SessionID: sessionID,
		From:      n.cfg.LocalID,
		To:        p.invite.CallerID,
		SentAt:    n.clock.Now(),
	}); err != nil {
		n.logger.Warn("Failed to send decline", zap.String("session_id", sessionID.String()), zap.Error(err))
	}

	n.record(p.invite, domain.ReasonDeclined)
	metrics.CallInvitesTotal.WithLabelValues("declined").Inc()
	n.notify(IncomingDeclined, p.invite)
	return nil
}

func (n *Notifier) miss(invite domain.CallInvite, reason domain.TerminationReason) {
	n.logger.Info("Missed call",
		zap.String("session_id", invite.SessionID.String()),
		zap.String("reason", string(reason)))

	n.record(invite, reason)
	metrics.CallInvitesTotal.WithLabelValues("missed").Inc()

	if n.deps.Push != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if err := n.deps.Push.NotifyMissedCall(ctx, invite); err != nil {
				n.logger.Warn("Failed to push missed call", zap.Error(err))
			}
		}()
	}
	n.notify(IncomingMissed, invite)
}

// record writes history for an invite that never became a session
func (n *Notifier) record(invite domain.CallInvite, reason domain.TerminationReason) {
	if n.deps.History == nil {
		return
	}
	now := n.clock.Now()
	session := domain.CallSession{
		ID:                  invite.SessionID,
		ConversationID:      invite.ConversationID,
		LocalParticipantID:  n.cfg.LocalID,
		RemoteParticipantID: invite.CallerID,
		Kind:                invite.Kind,
		Role:                domain.CallRoleCallee,
		Status:              domain.CallStatusEnded,
		StartedAt:           invite.CreatedAt,
		EndedAt:             &now,
		Reason:              reason,
	}
	go n.deps.History.Record(context.Background(), session, Termination{Reason: reason, EndedAt: now})
}

func (n *Notifier) notify(typ IncomingEventType, invite domain.CallInvite) {
	ev := IncomingEvent{Type: typ, Invite: invite, At: n.clock.Now()}

	n.mu.Lock()
	observers := make([]func(IncomingEvent), 0, len(n.observers))
	for _, fn := range n.observers {
		observers = append(observers, fn)
	}
	n.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
