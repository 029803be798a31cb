package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media"
	"socialhub-backend/internal/media/mediatest"
	"socialhub-backend/internal/signaling"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type historySpy struct {
	mu      sync.Mutex
	records []domain.CallHistoryRecord
}

func (h *historySpy) Record(_ context.Context, session domain.CallSession, t Termination) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, BuildRecord(session, t))
}

func (h *historySpy) all() []domain.CallHistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.CallHistoryRecord(nil), h.records...)
}

type messageLog struct {
	mu   sync.Mutex
	msgs []domain.SignalingMessage
}

func (l *messageLog) add(m domain.SignalingMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *messageLog) ofKind(kind domain.SignalKind) []domain.SignalingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.SignalingMessage
	for _, m := range l.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// harness wires one controller to a memory broker, with a second adapter
// playing the remote participant.
type harness struct {
	t         *testing.T
	clock     *clock.Mock
	broker    *signaling.MemoryBroker
	local     *signaling.Adapter
	remote    *signaling.Adapter
	remoteLog *messageLog
	peers     *mediatest.Factory
	capturer  *mediatest.Capturer
	history   *historySpy
	params    SessionParams
	ctrl      *Controller

	pendingDeps Dependencies
}

type harnessOption func(h *harness)

func withCapturer(c media.Capturer) harnessOption {
	return func(h *harness) { h.deps().Capturer = c }
}

func newHarness(t *testing.T, role domain.CallRole, kind domain.CallKind, opts ...harnessOption) *harness {
	t.Helper()

	clk := clock.NewMock()
	broker := signaling.NewMemoryBroker(clk, time.Minute, 0)
	localID, remoteID := uuid.New(), uuid.New()

	h := &harness{
		t:         t,
		clock:     clk,
		broker:    broker,
		local:     signaling.NewAdapter(broker, localID, zap.NewNop()),
		remote:    signaling.NewAdapter(broker, remoteID, zap.NewNop()),
		remoteLog: &messageLog{},
		peers:     &mediatest.Factory{},
		capturer:  &mediatest.Capturer{},
		history:   &historySpy{},
		params: SessionParams{
			ID:             uuid.New(),
			ConversationID: uuid.New(),
			LocalID:        localID,
			RemoteID:       remoteID,
			Kind:           kind,
			Role:           role,
		},
	}
	h.pendingDeps = Dependencies{
		Signaler: h.local,
		Peers:    h.peers,
		Capturer: h.capturer,
		History:  h.history,
		Clock:    clk,
		Logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ctrl = NewController(h.params, ControllerConfig{
		ConnectTimeout: 30 * time.Second,
		TickInterval:   time.Second,
	}, h.pendingDeps)
	return h
}

func (h *harness) deps() *Dependencies {
	return &h.pendingDeps
}

// joinRemote subscribes the remote participant to the session topic
func (h *harness) joinRemote() {
	h.t.Helper()
	require.NoError(h.t, h.remote.Subscribe(context.Background(), h.params.ID, h.remoteLog.add))
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
}

func (h *harness) remoteSend(kind domain.SignalKind, payload any) {
	h.t.Helper()
	msg := domain.SignalingMessage{Kind: kind, SessionID: h.params.ID, To: h.params.LocalID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(h.t, err)
		msg.Payload = raw
	}
	require.NoError(h.t, h.remote.Send(context.Background(), msg))
}

func (h *harness) waitPeer() *mediatest.Negotiator {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.peers.Last() != nil }, waitFor, tick)
	return h.peers.Last()
}

func (h *harness) waitStatus(status domain.CallStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctrl.Snapshot().Status == status }, waitFor, tick)
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		h.t.Fatal("controller did not finish")
	}
}

func (h *harness) waitHistory() domain.CallHistoryRecord {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.history.all()) == 1 }, waitFor, tick)
	return h.history.all()[0]
}

// connectCaller drives a caller through offer and answer to connected
func (h *harness) connectCaller() *mediatest.Negotiator {
	h.t.Helper()
	h.joinRemote()
	h.start()
	neg := h.waitPeer()
	require.Eventually(h.t, func() bool { return len(h.remoteLog.ofKind(domain.SignalOffer)) == 1 }, waitFor, tick)

	h.remoteSend(domain.SignalAnswer, domain.SessionDescription{Type: "answer", SDP: "v=0 remote"})
	require.Eventually(h.t, func() bool { return len(neg.RemoteDescriptions()) == 1 }, waitFor, tick)

	neg.SetState(media.StateConnected)
	h.waitStatus(domain.CallStatusConnected)
	return neg
}

func assertStreamStopped(t *testing.T, s *mediatest.Stream) {
	t.Helper()
	for _, tr := range s.Tracks() {
		ft, ok := tr.(*mediatest.Track)
		require.True(t, ok)
		assert.Eventually(t, ft.Stopped, waitFor, tick, "track %s not stopped", ft.ID())
	}
}

func candidate(s string) domain.ICECandidate {
	return domain.ICECandidate{Candidate: s}
}
