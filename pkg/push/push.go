package push

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/logger"
	"socialhub-backend/pkg/metrics"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
	// TTLSeconds bounds delivery; a call alert is useless after the ring window.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM TokenType = "fcm"
	TokenTypeWeb TokenType = "web"
)

// Token represents a push notification token for a user device
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	MarkInactive(ctx context.Context, token string) error
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Service sends call alerts to a user's registered devices
type Service struct {
	provider Provider
	repo     TokenRepository
	ttl      int
}

// NewService creates a new push notification service. ringTTLSeconds
// caps how long an incoming-call alert may wait for delivery.
func NewService(provider Provider, repo TokenRepository, ringTTLSeconds int) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		ttl:      ringTTLSeconds,
	}
}

// RegisterToken stores a device token for userID
func (s *Service) RegisterToken(ctx context.Context, userID uuid.UUID, token string, tokenType TokenType, platform, deviceID string) (*Token, error) {
	if tokenType == "" {
		tokenType = TokenTypeFCM
	}
	t := &Token{
		UserID:   userID,
		Token:    token,
		Type:     tokenType,
		Platform: platform,
		DeviceID: deviceID,
		Active:   true,
	}
	if err := s.repo.Store(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to register push token: %w", err)
	}
	return t, nil
}

// UnregisterToken removes a device token owned by userID
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	if err := s.repo.Delete(ctx, userID, token); err != nil {
		return fmt.Errorf("failed to unregister push token: %w", err)
	}
	return nil
}

// NotifyIncomingCall alerts the callee's devices about a ringing invite
func (s *Service) NotifyIncomingCall(ctx context.Context, invite domain.CallInvite) error {
	caller := invite.CallerName
	if caller == "" {
		caller = "Someone"
	}
	notification := &Notification{
		Title:      "Incoming Call",
		Body:       fmt.Sprintf("%s is calling you", caller),
		Priority:   "high",
		Sound:      "default",
		Category:   "INCOMING_CALL",
		TTLSeconds: s.ttl,
		Data:       inviteData(invite, "ringing"),
	}
	return s.sendToUser(ctx, invite.CalleeID, invite.SessionID, notification)
}

// NotifyMissedCall tells the callee's other devices the call was missed
func (s *Service) NotifyMissedCall(ctx context.Context, invite domain.CallInvite) error {
	caller := invite.CallerName
	if caller == "" {
		caller = "Someone"
	}
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", caller),
		Priority: "normal",
		Category: "MISSED_CALL",
		Data:     inviteData(invite, "missed"),
	}
	return s.sendToUser(ctx, invite.CalleeID, invite.SessionID, notification)
}

func (s *Service) sendToUser(ctx context.Context, userID, sessionID uuid.UUID, notification *Notification) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, t := range tokens {
		if t.Active {
			active = append(active, t.Token)
		}
	}
	if len(active) == 0 {
		metrics.PushNotificationsTotal.WithLabelValues("no_tokens").Inc()
		logger.Debug("No active push tokens for user", zap.String("user_id", userID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send call notification: %w", err)
	}
	metrics.PushNotificationsTotal.WithLabelValues("sent").Add(float64(result.SuccessCount))

	logger.Info("Call notification sent",
		zap.String("session_id", sessionID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	for _, t := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, t); err != nil {
			logger.Warn("Failed to mark push token inactive", zap.Error(err))
		}
	}
	return nil
}

func inviteData(invite domain.CallInvite, status string) map[string]string {
	return map[string]string{
		"type":            "call",
		"session_id":      invite.SessionID.String(),
		"conversation_id": invite.ConversationID.String(),
		"caller_id":       invite.CallerID.String(),
		"caller_name":     invite.CallerName,
		"call_type":       string(invite.Kind),
		"call_status":     status,
		"timestamp":       strconv.FormatInt(invite.CreatedAt.Unix(), 10),
	}
}

// MockProvider records notifications instead of sending them
type MockProvider struct {
	Sent []*Notification
}

// Send logs and records the notification
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.Sent = append(m.Sent, notification)
	logger.Debug("Mock push notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
