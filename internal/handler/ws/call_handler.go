package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	callsvc "socialhub-backend/internal/service/call"
	"socialhub-backend/pkg/constants"
	"socialhub-backend/pkg/logger"
	"socialhub-backend/pkg/metrics"
	"socialhub-backend/pkg/response"
)

const (
	streamBuffer = 64
	pongWait     = constants.WebSocketPingInterval + constants.WebSocketWriteWait
)

// SessionLookup finds a live session
type SessionLookup interface {
	Get(sessionID uuid.UUID) (*callsvc.Controller, error)
}

// IncomingFeed exposes ringing invites and their resolution
type IncomingFeed interface {
	Pending() []domain.CallInvite
	OnIncoming(fn func(callsvc.IncomingEvent)) func()
}

// CallStreamHandler streams call state and incoming invites to the UI
type CallStreamHandler struct {
	sessions SessionLookup
	incoming IncomingFeed
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewCallStreamHandler creates the handler. A nil checkOrigin falls back
// to the same-origin check; m may be nil.
func NewCallStreamHandler(sessions SessionLookup, incoming IncomingFeed, m *metrics.Metrics, checkOrigin func(r *http.Request) bool) *CallStreamHandler {
	return &CallStreamHandler{
		sessions: sessions,
		incoming: incoming,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// RegisterRoutes mounts the stream routes on rg
func (h *CallStreamHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/calls/incoming/ws", h.StreamIncoming)
	rg.GET("/calls/:id/ws", h.StreamCall)
}

// StreamCall sends the session's current state, then every update, and
// closes after the terminal update.
// GET /v1/calls/:id/ws
func (h *CallStreamHandler) StreamCall(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return
	}

	updates := make(chan callsvc.StateUpdate, streamBuffer)
	unsubscribe := ctrl.OnStateChange(func(u callsvc.StateUpdate) {
		select {
		case updates <- u:
		default:
			// slow reader; the next update carries the full state anyway
		}
	})
	defer unsubscribe()

	s := h.open(conn, "call_state")
	defer s.close()

	initial := ctrl.State()
	if !s.write(initial) {
		return
	}
	if initial.Status == domain.CallStatusEnded {
		s.closeNormal("call ended")
		return
	}
	for {
		select {
		case u := <-updates:
			if !s.write(u) {
				return
			}
			if u.Status == domain.CallStatusEnded {
				s.closeNormal("call ended")
				return
			}
		case <-ctrl.Done():
			s.write(ctrl.State())
			s.closeNormal("call ended")
			return
		case <-s.ping.C:
			if !s.writePing() {
				return
			}
		case <-s.gone:
			return
		}
	}
}

// StreamIncoming sends one ringing event per pending invite, then every
// incoming-call event as it happens.
// GET /v1/calls/incoming/ws
func (h *CallStreamHandler) StreamIncoming(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	events := make(chan callsvc.IncomingEvent, streamBuffer)
	unsubscribe := h.incoming.OnIncoming(func(ev callsvc.IncomingEvent) {
		select {
		case events <- ev:
		default:
			logger.Warn("Dropping incoming-call event for slow stream",
				zap.String("session_id", ev.Invite.SessionID.String()))
		}
	})
	defer unsubscribe()

	s := h.open(conn, "incoming")
	defer s.close()

	for _, invite := range h.incoming.Pending() {
		if !s.write(callsvc.IncomingEvent{Type: callsvc.IncomingRinging, Invite: invite, At: invite.CreatedAt}) {
			return
		}
	}
	for {
		select {
		case ev := <-events:
			if !s.write(ev) {
				return
			}
		case <-s.ping.C:
			if !s.writePing() {
				return
			}
		case <-s.gone:
			return
		}
	}
}

// stream owns the write side of one connection. A reader goroutine
// consumes control frames and closes gone when the peer disconnects.
type stream struct {
	conn    *websocket.Conn
	name    string
	metrics *metrics.Metrics
	ping    *time.Ticker
	gone    chan struct{}
}

func (h *CallStreamHandler) open(conn *websocket.Conn, name string) *stream {
	s := &stream{
		conn:    conn,
		name:    name,
		metrics: h.metrics,
		ping:    time.NewTicker(constants.WebSocketPingInterval),
		gone:    make(chan struct{}),
	}
	if s.metrics != nil {
		s.metrics.WebSocketOpened()
	}
	go s.readPump()
	return s
}

func (s *stream) readPump() {
	defer close(s.gone)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("stream", s.name),
					zap.Error(err))
			}
			return
		}
	}
}

func (s *stream) write(v any) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	if err := s.conn.WriteJSON(v); err != nil {
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordWebSocketMessage(s.name)
	}
	return true
}

func (s *stream) writePing() bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil) == nil
}

func (s *stream) closeNormal(text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, text),
		time.Now().Add(constants.WebSocketWriteWait))
}

func (s *stream) close() {
	s.ping.Stop()
	_ = s.conn.Close()
	if s.metrics != nil {
		s.metrics.WebSocketClosed()
	}
}
