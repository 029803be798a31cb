package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"socialhub-backend/internal/domain"
	"socialhub-backend/internal/middleware"
	callsvc "socialhub-backend/internal/service/call"
	"socialhub-backend/pkg/errors"
	"socialhub-backend/pkg/pagination"
	"socialhub-backend/pkg/response"
)

// Sessions is the registry of live call sessions
type Sessions interface {
	StartCall(ctx context.Context, input callsvc.StartCallInput) (*callsvc.Controller, error)
	Get(sessionID uuid.UUID) (*callsvc.Controller, error)
	Active() []*callsvc.Controller
}

// Incoming lists and resolves ringing invites
type Incoming interface {
	Pending() []domain.CallInvite
	Accept(ctx context.Context, sessionID uuid.UUID) (*callsvc.Controller, error)
	Decline(ctx context.Context, sessionID uuid.UUID) error
}

// History reads the local user's call log
type History interface {
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryRecord, error)
}

// Handler serves the call presenter API
type Handler struct {
	sessions Sessions
	incoming Incoming
	history  History
}

// NewHandler creates a new call handler
func NewHandler(sessions Sessions, incoming Incoming, history History) *Handler {
	return &Handler{
		sessions: sessions,
		incoming: incoming,
		history:  history,
	}
}

// RegisterRoutes mounts the call routes on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.StartCall)
	calls.GET("", h.ListActive)
	calls.GET("/history", h.ListHistory)
	calls.GET("/incoming", h.ListIncoming)
	calls.POST("/incoming/:id/accept", h.AcceptIncoming)
	calls.POST("/incoming/:id/decline", h.DeclineIncoming)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/hangup", h.HangUp)
	calls.POST("/:id/audio/toggle", h.ToggleAudio)
	calls.POST("/:id/video/toggle", h.ToggleVideo)
}

// StartCallRequest represents call start request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"omitempty,uuid"`
	RemoteID       string `json:"remote_id" binding:"required,uuid"`
	Kind           string `json:"kind" binding:"required,oneof=audio video"`
}

// StartCall places an outgoing call
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	input := callsvc.StartCallInput{
		RemoteID: uuid.MustParse(req.RemoteID),
		Kind:     domain.CallKind(req.Kind),
	}
	if req.ConversationID != "" {
		input.ConversationID = uuid.MustParse(req.ConversationID)
	}

	ctrl, err := h.sessions.StartCall(c.Request.Context(), input)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, ctrl.State())
}

// ListActive returns every live session
// GET /v1/calls
func (h *Handler) ListActive(c *gin.Context) {
	active := h.sessions.Active()
	states := make([]callsvc.StateUpdate, 0, len(active))
	for _, ctrl := range active {
		states = append(states, ctrl.State())
	}
	response.Success(c, http.StatusOK, states)
}

// GetCall returns the snapshot of one session
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, ctrl.State())
}

// HangUp ends a session. Teardown is asynchronous; the returned state may
// still show the previous status.
// POST /v1/calls/:id/hangup
func (h *Handler) HangUp(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.HangUp()
	response.Success(c, http.StatusAccepted, ctrl.State())
}

// ToggleAudio flips the local microphone
// POST /v1/calls/:id/audio/toggle
func (h *Handler) ToggleAudio(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, ctrl.ToggleAudio())
}

// ToggleVideo flips the local camera
// POST /v1/calls/:id/video/toggle
func (h *Handler) ToggleVideo(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, ctrl.ToggleVideo())
}

// ListIncoming returns ringing invites, oldest first
// GET /v1/calls/incoming
func (h *Handler) ListIncoming(c *gin.Context) {
	pending := h.incoming.Pending()
	if pending == nil {
		pending = []domain.CallInvite{}
	}
	response.Success(c, http.StatusOK, pending)
}

// AcceptIncoming answers a ringing invite
// POST /v1/calls/incoming/:id/accept
func (h *Handler) AcceptIncoming(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	ctrl, err := h.incoming.Accept(c.Request.Context(), sessionID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, ctrl.State())
}

// DeclineIncoming refuses a ringing invite
// POST /v1/calls/incoming/:id/decline
func (h *Handler) DeclineIncoming(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.incoming.Decline(c.Request.Context(), sessionID); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"message":    "Call declined",
		"session_id": sessionID,
	})
}

// ListHistory returns the local user's call log, newest first
// GET /v1/calls/history?limit=&offset=
func (h *Handler) ListHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	page, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	records, err := h.history.History(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		response.FromError(c, errors.DatabaseError(err))
		return
	}
	if records == nil {
		records = []*domain.CallHistoryRecord{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"records": records,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (h *Handler) controller(c *gin.Context) (*callsvc.Controller, bool) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return nil, false
	}
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	return ctrl, true
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return id, true
}
