package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/metrics"
)

// Adapter delivers SignalingMessages between the two controllers sharing
// a session id, one topic handle per subscribed session.
//
// Early messages: the topic replays its retention window to a new
// subscriber, so an offer or candidates sent before the peer subscribed
// are delivered on Subscribe rather than lost. Senders never retry.
type Adapter struct {
	broker  Broker
	localID uuid.UUID
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]Topic
}

// NewAdapter creates an adapter acting for localID
func NewAdapter(broker Broker, localID uuid.UUID, logger *zap.Logger) *Adapter {
	return &Adapter{
		broker:  broker,
		localID: localID,
		logger:  logger,
		subs:    make(map[uuid.UUID]Topic),
	}
}

// LocalID returns the participant this adapter sends as
func (a *Adapter) LocalID() uuid.UUID {
	return a.localID
}

// Subscribe joins the session topic. Calling it again for a subscribed
// session is a no-op and keeps the first handler. Messages sent by the
// local participant or addressed to someone else are dropped.
func (a *Adapter) Subscribe(ctx context.Context, sessionID uuid.UUID, onMessage func(domain.SignalingMessage)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subs[sessionID]; ok {
		return nil
	}

	topic, err := a.broker.OpenTopic(ctx, SessionTopic(sessionID))
	if err != nil {
		return fmt.Errorf("failed to open session topic: %w", err)
	}
	a.subs[sessionID] = topic

	topic.On(eventSignal, func(payload []byte) {
		var msg domain.SignalingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.logger.Warn("Dropping malformed signaling message",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
			return
		}
		if !a.accept(sessionID, msg) {
			return
		}
		metrics.SignalingMessagesTotal.WithLabelValues("in", string(msg.Kind)).Inc()
		onMessage(msg)
	})

	return nil
}

func (a *Adapter) accept(sessionID uuid.UUID, msg domain.SignalingMessage) bool {
	if msg.SessionID != sessionID || !msg.Kind.Valid() {
		return false
	}
	if msg.From == a.localID {
		return false
	}
	if msg.To != uuid.Nil && msg.To != a.localID {
		return false
	}
	return true
}

// Send publishes msg on its session topic. It is fire-and-forget: the
// returned error is for logging only. When the session is not subscribed
// a transient handle is opened for the single send.
func (a *Adapter) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if msg.From == uuid.Nil {
		msg.From = a.localID
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling message: %w", err)
	}

	a.mu.Lock()
	topic, ok := a.subs[msg.SessionID]
	a.mu.Unlock()

	if !ok {
		topic, err = a.broker.OpenTopic(ctx, SessionTopic(msg.SessionID))
		if err != nil {
			return fmt.Errorf("failed to open session topic: %w", err)
		}
		defer topic.Close()
	}

	if err := topic.Send(ctx, eventSignal, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind, err)
	}
	metrics.SignalingMessagesTotal.WithLabelValues("out", string(msg.Kind)).Inc()
	return nil
}

// Unsubscribe leaves the session topic. Unknown sessions are a no-op.
func (a *Adapter) Unsubscribe(sessionID uuid.UUID) error {
	a.mu.Lock()
	topic, ok := a.subs[sessionID]
	delete(a.subs, sessionID)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return topic.Close()
}

// Subscribed reports whether the session topic is currently joined
func (a *Adapter) Subscribed(sessionID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subs[sessionID]
	return ok
}

// PublishInvite posts an invite (or its cancellation) to the callee's inbox
func (a *Adapter) PublishInvite(ctx context.Context, invite domain.CallInvite) error {
	payload, err := json.Marshal(invite)
	if err != nil {
		return fmt.Errorf("failed to marshal invite: %w", err)
	}
	topic, err := a.broker.OpenTopic(ctx, InboxTopic(invite.CalleeID))
	if err != nil {
		return fmt.Errorf("failed to open inbox topic: %w", err)
	}
	defer topic.Close()

	if err := topic.Send(ctx, eventInvite, payload); err != nil {
		return fmt.Errorf("failed to publish invite: %w", err)
	}
	return nil
}

// SubscribeInvites joins the local user's inbox. Close the returned
// handle to stop receiving.
func (a *Adapter) SubscribeInvites(ctx context.Context, handler func(domain.CallInvite)) (io.Closer, error) {
	topic, err := a.broker.OpenTopic(ctx, InboxTopic(a.localID))
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox topic: %w", err)
	}

	topic.On(eventInvite, func(payload []byte) {
		var invite domain.CallInvite
		if err := json.Unmarshal(payload, &invite); err != nil {
			a.logger.Warn("Dropping malformed call invite", zap.Error(err))
			return
		}
		if invite.CalleeID != a.localID {
			return
		}
		handler(invite)
	})

	return topic, nil
}
