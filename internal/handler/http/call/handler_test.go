package call

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/media/mediatest"
	callsvc "socialhub-backend/internal/service/call"
	"socialhub-backend/internal/signaling"
	"socialhub-backend/pkg/errors"
	"socialhub-backend/pkg/response"
)

// MockSessions is a mock implementation of Sessions
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) StartCall(ctx context.Context, input callsvc.StartCallInput) (*callsvc.Controller, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*callsvc.Controller), args.Error(1)
}

func (m *MockSessions) Get(sessionID uuid.UUID) (*callsvc.Controller, error) {
	args := m.Called(sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*callsvc.Controller), args.Error(1)
}

func (m *MockSessions) Active() []*callsvc.Controller {
	args := m.Called()
	return args.Get(0).([]*callsvc.Controller)
}

// MockIncoming is a mock implementation of Incoming
type MockIncoming struct {
	mock.Mock
}

func (m *MockIncoming) Pending() []domain.CallInvite {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.CallInvite)
}

func (m *MockIncoming) Accept(ctx context.Context, sessionID uuid.UUID) (*callsvc.Controller, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*callsvc.Controller), args.Error(1)
}

func (m *MockIncoming) Decline(ctx context.Context, sessionID uuid.UUID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// MockHistory is a mock implementation of History
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryRecord, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallHistoryRecord), args.Error(1)
}

type discardHistory struct{}

func (discardHistory) Record(context.Context, domain.CallSession, callsvc.Termination) {}

type testEnv struct {
	localID  uuid.UUID
	sessions *MockSessions
	incoming *MockIncoming
	history  *MockHistory
	router   *gin.Engine
}

func newTestEnv() *testEnv {
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		localID:  uuid.New(),
		sessions: new(MockSessions),
		incoming: new(MockIncoming),
		history:  new(MockHistory),
	}
	env.router = gin.New()
	v1 := env.router.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set("user_id", env.localID)
		c.Next()
	})
	NewHandler(env.sessions, env.incoming, env.history).RegisterRoutes(v1)
	return env
}

func (e *testEnv) do(method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// startedController returns a running audio call on fake media
func startedController(t *testing.T, localID uuid.UUID) (*callsvc.Controller, *mediatest.Factory) {
	t.Helper()
	broker := signaling.NewMemoryBroker(nil, time.Minute, 0)
	peers := &mediatest.Factory{}
	ctrl := callsvc.NewController(callsvc.SessionParams{
		ID:       uuid.New(),
		LocalID:  localID,
		RemoteID: uuid.New(),
		Kind:     domain.CallKindAudio,
		Role:     domain.CallRoleCaller,
	}, callsvc.ControllerConfig{
		ConnectTimeout: time.Minute,
		TickInterval:   time.Second,
	}, callsvc.Dependencies{
		Signaler: signaling.NewAdapter(broker, localID, zap.NewNop()),
		Peers:    peers,
		Capturer: &mediatest.Capturer{},
		History:  discardHistory{},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		ctrl.HangUp()
		<-ctrl.Done()
	})
	return ctrl, peers
}

func dataMap(t *testing.T, resp response.Response) map[string]any {
	t.Helper()
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "unexpected data %#v", resp.Data)
	return data
}

func TestHandler_StartCall(t *testing.T) {
	env := newTestEnv()
	ctrl, _ := startedController(t, env.localID)
	remoteID := ctrl.Params().RemoteID

	env.sessions.On("StartCall", mock.Anything, callsvc.StartCallInput{
		RemoteID: remoteID,
		Kind:     domain.CallKindAudio,
	}).Return(ctrl, nil).Once()

	w, resp := env.do(http.MethodPost, "/v1/calls", gin.H{"remote_id": remoteID.String(), "kind": "audio"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, ctrl.ID().String(), dataMap(t, resp)["session_id"])
	assert.Equal(t, "connecting", dataMap(t, resp)["status"])
	env.sessions.AssertExpectations(t)
}

func TestHandler_StartCall_Validation(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing remote", gin.H{"kind": "audio"}},
		{"bad kind", gin.H{"remote_id": uuid.NewString(), "kind": "hologram"}},
		{"bad conversation", gin.H{"remote_id": uuid.NewString(), "kind": "audio", "conversation_id": "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(http.MethodPost, "/v1/calls", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		})
	}
	env.sessions.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything)
}

func TestHandler_StartCall_MapsAppErrors(t *testing.T) {
	env := newTestEnv()
	env.sessions.On("StartCall", mock.Anything, mock.Anything).Return(nil, errors.CallInProgressError()).Once()

	w, resp := env.do(http.MethodPost, "/v1/calls", gin.H{"remote_id": uuid.NewString(), "kind": "video"})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(errors.ErrCodeCallInProgress), resp.Error.Code)
}

func TestHandler_GetCall(t *testing.T) {
	env := newTestEnv()
	ctrl, _ := startedController(t, env.localID)
	missing := uuid.New()

	env.sessions.On("Get", ctrl.ID()).Return(ctrl, nil)
	env.sessions.On("Get", missing).Return(nil, errors.CallNotFoundError())

	w, resp := env.do(http.MethodGet, "/v1/calls/"+ctrl.ID().String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio", dataMap(t, resp)["kind"])

	w, resp = env.do(http.MethodGet, "/v1/calls/"+missing.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errors.ErrCodeCallNotFound), resp.Error.Code)

	w, _ = env.do(http.MethodGet, "/v1/calls/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListActive(t *testing.T) {
	env := newTestEnv()
	ctrl, _ := startedController(t, env.localID)
	env.sessions.On("Active").Return([]*callsvc.Controller{ctrl})

	w, resp := env.do(http.MethodGet, "/v1/calls", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	list, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestHandler_ToggleAudio(t *testing.T) {
	env := newTestEnv()
	ctrl, peers := startedController(t, env.localID)
	env.sessions.On("Get", ctrl.ID()).Return(ctrl, nil)
	require.Eventually(t, func() bool { return peers.Last() != nil }, 2*time.Second, 5*time.Millisecond)

	w, resp := env.do(http.MethodPost, "/v1/calls/"+ctrl.ID().String()+"/audio/toggle", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, dataMap(t, resp)["audio"])
	assert.False(t, ctrl.Snapshot().LocalMediaEnabled.Audio)
}

func TestHandler_HangUp(t *testing.T) {
	env := newTestEnv()
	ctrl, _ := startedController(t, env.localID)
	env.sessions.On("Get", ctrl.ID()).Return(ctrl, nil)

	w, _ := env.do(http.MethodPost, "/v1/calls/"+ctrl.ID().String()+"/hangup", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hangup did not end the session")
	}
	assert.Equal(t, domain.ReasonLocalHangup, ctrl.Snapshot().Reason)
}

func TestHandler_Incoming(t *testing.T) {
	env := newTestEnv()
	invite := domain.CallInvite{SessionID: uuid.New(), CallerID: uuid.New(), CalleeID: env.localID, Kind: domain.CallKindAudio}
	env.incoming.On("Pending").Return([]domain.CallInvite{invite})
	env.incoming.On("Decline", mock.Anything, invite.SessionID).Return(nil).Once()
	env.incoming.On("Accept", mock.Anything, mock.Anything).Return(nil, errors.InviteNotFoundError())

	w, resp := env.do(http.MethodGet, "/v1/calls/incoming", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	list, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)

	w, _ = env.do(http.MethodPost, "/v1/calls/incoming/"+invite.SessionID.String()+"/decline", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(http.MethodPost, "/v1/calls/incoming/"+invite.SessionID.String()+"/accept", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errors.ErrCodeInviteNotFound), resp.Error.Code)
	env.incoming.AssertExpectations(t)
}

func TestHandler_ListHistory(t *testing.T) {
	env := newTestEnv()
	rows := []*domain.CallHistoryRecord{{ID: uuid.New(), Outcome: domain.CallOutcomeCompleted}}
	env.history.On("History", mock.Anything, env.localID, 10, 5).Return(rows, nil).Once()

	w, resp := env.do(http.MethodGet, "/v1/calls/history?limit=10&offset=5", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := dataMap(t, resp)
	assert.EqualValues(t, 10, data["limit"])
	records, ok := data["records"].([]any)
	require.True(t, ok)
	assert.Len(t, records, 1)

	w, _ = env.do(http.MethodGet, "/v1/calls/history?offset=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env.history.AssertExpectations(t)
}
