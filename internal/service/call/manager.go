package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/errors"
)

const (
	invitePublishTimeout = 5 * time.Second
	pushTimeout          = 10 * time.Second
)

// ConversationDirectory answers membership questions
type ConversationDirectory interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// UserDirectory resolves display names
type UserDirectory interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// InvitePublisher posts invites on a callee's inbox
type InvitePublisher interface {
	PublishInvite(ctx context.Context, invite domain.CallInvite) error
}

// CallPusher sends incoming and missed call push notifications
type CallPusher interface {
	NotifyIncomingCall(ctx context.Context, invite domain.CallInvite) error
	NotifyMissedCall(ctx context.Context, invite domain.CallInvite) error
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	LocalID    uuid.UUID
	LocalName  string
	Controller ControllerConfig
}

// DeviceLease reports whether the capture devices are held by a session
type DeviceLease interface {
	Busy() bool
}

// ManagerDeps are the Manager's collaborators. Conversations, Users, Push
// and Devices are optional.
type ManagerDeps struct {
	Session       Dependencies
	Invites       InvitePublisher
	Conversations ConversationDirectory
	Users         UserDirectory
	Push          CallPusher
	Devices       DeviceLease
}

// StartCallInput contains call initiation data
type StartCallInput struct {
	ConversationID uuid.UUID
	RemoteID       uuid.UUID
	Kind           domain.CallKind
}

// Manager owns the live controllers of the local user and keeps at most
// one non-ended session per remote participant.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Controller
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a manager
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if deps.Session.Clock == nil {
		deps.Session.Clock = clock.New()
	}
	if deps.Session.Logger == nil {
		deps.Session.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Session.Clock,
		logger:   deps.Session.Logger,
		sessions: make(map[uuid.UUID]*Controller),
	}
}

// StartCall places an outgoing call
func (m *Manager) StartCall(ctx context.Context, input StartCallInput) (*Controller, error) {
	if !input.Kind.Valid() {
		return nil, errors.ValidationError("invalid call kind")
	}
	if input.RemoteID == uuid.Nil {
		return nil, errors.MissingFieldError("remote_id")
	}
	if input.RemoteID == m.cfg.LocalID {
		return nil, errors.ValidationError("cannot call yourself")
	}
	if err := m.checkMembership(ctx, input.ConversationID, input.RemoteID); err != nil {
		return nil, err
	}

	ctrl, err := m.register(SessionParams{
		ID:             uuid.New(),
		ConversationID: input.ConversationID,
		LocalID:        m.cfg.LocalID,
		RemoteID:       input.RemoteID,
		Kind:           input.Kind,
		Role:           domain.CallRoleCaller,
	})
	if err != nil {
		return nil, err
	}

	if err := ctrl.Start(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to start call", err)
	}

	invite := domain.CallInvite{
		SessionID:      ctrl.ID(),
		ConversationID: input.ConversationID,
		CallerID:       m.cfg.LocalID,
		CallerName:     m.callerName(ctx),
		CalleeID:       input.RemoteID,
		Kind:           input.Kind,
		State:          domain.InviteRinging,
		CreatedAt:      m.clock.Now(),
	}
	m.publishInvite(invite)
	m.pushIncoming(invite)

	m.wg.Add(1)
	go m.watch(ctrl, &invite)

	return ctrl, nil
}

// AcceptInvite starts the callee side of an invite
func (m *Manager) AcceptInvite(ctx context.Context, invite domain.CallInvite) (*Controller, error) {
	ctrl, err := m.register(SessionParams{
		ID:             invite.SessionID,
		ConversationID: invite.ConversationID,
		LocalID:        m.cfg.LocalID,
		RemoteID:       invite.CallerID,
		Kind:           invite.Kind,
		Role:           domain.CallRoleCallee,
	})
	if err != nil {
		return nil, err
	}

	if err := ctrl.Start(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to start call", err)
	}

	m.wg.Add(1)
	go m.watch(ctrl, nil)

	return ctrl, nil
}

func (m *Manager) register(params SessionParams) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.ServiceUnavailableError("call manager is shutting down")
	}
	if _, ok := m.sessions[params.ID]; ok {
		return nil, errors.CallInProgressError()
	}
	for _, existing := range m.sessions {
		if existing.params.RemoteID != params.RemoteID {
			continue
		}
		select {
		case <-existing.Done():
			// ended, not yet reaped
		default:
			return nil, errors.CallInProgressError()
		}
	}

	if m.deps.Devices != nil && m.deps.Devices.Busy() {
		return nil, errors.DeviceBusyError()
	}

	ctrl := NewController(params, m.cfg.Controller, m.deps.Session)
	m.sessions[params.ID] = ctrl
	return ctrl, nil
}

func (m *Manager) checkMembership(ctx context.Context, conversationID, remoteID uuid.UUID) error {
	if m.deps.Conversations == nil || conversationID == uuid.Nil {
		return nil
	}
	for _, userID := range []uuid.UUID{m.cfg.LocalID, remoteID} {
		ok, err := m.deps.Conversations.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			return errors.DatabaseError(err)
		}
		if !ok {
			return errors.AccessDeniedError("both participants must belong to the conversation")
		}
	}
	return nil
}

func (m *Manager) callerName(ctx context.Context) string {
	if m.cfg.LocalName != "" || m.deps.Users == nil {
		return m.cfg.LocalName
	}
	user, err := m.deps.Users.GetByID(ctx, m.cfg.LocalID)
	if err != nil {
		m.logger.Debug("Failed to resolve caller name", zap.Error(err))
		return ""
	}
	return user.Name()
}

func (m *Manager) publishInvite(invite domain.CallInvite) {
	ctx, cancel := context.WithTimeout(context.Background(), invitePublishTimeout)
	defer cancel()
	if err := m.deps.Invites.PublishInvite(ctx, invite); err != nil {
		m.logger.Warn("Failed to publish call invite",
			zap.String("session_id", invite.SessionID.String()),
			zap.String("state", string(invite.State)),
			zap.Error(err))
	}
}

func (m *Manager) pushIncoming(invite domain.CallInvite) {
	if m.deps.Push == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := m.deps.Push.NotifyIncomingCall(ctx, invite); err != nil {
			m.logger.Warn("Failed to push incoming call",
				zap.String("session_id", invite.SessionID.String()),
				zap.Error(err))
		}
	}()
}

// watch reaps a controller once it ended. An outgoing call that never
// connected withdraws its invite unless the callee already answered it
// with a call-end.
func (m *Manager) watch(ctrl *Controller, invite *domain.CallInvite) {
	defer m.wg.Done()
	<-ctrl.Done()

	m.mu.Lock()
	if m.sessions[ctrl.ID()] == ctrl {
		delete(m.sessions, ctrl.ID())
	}
	m.mu.Unlock()

	if invite == nil {
		return
	}
	session := ctrl.Snapshot()
	if session.ConnectedAt != nil || session.Reason == domain.ReasonRemoteHangup {
		return
	}
	cancelled := *invite
	cancelled.State = domain.InviteCancelled
	cancelled.CreatedAt = m.clock.Now()
	m.publishInvite(cancelled)
}

// Get returns a live session
func (m *Manager) Get(sessionID uuid.UUID) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return ctrl, nil
}

// Active lists live sessions, oldest first
func (m *Manager) Active() []*Controller {
	m.mu.Lock()
	out := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		out = append(out, ctrl)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot().StartedAt.Before(out[j].Snapshot().StartedAt)
	})
	return out
}

// Close hangs up every live session and waits for teardown or ctx
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Controller, 0, len(m.sessions))
	for _, ctrl := range m.sessions {
		live = append(live, ctrl)
	}
	m.mu.Unlock()

	for _, ctrl := range live {
		ctrl.HangUp()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
