// Package signaling carries call signaling and invites over a generic
// publish/subscribe topic primitive.
package signaling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Topic is one open handle on a named broadcast topic.
//
// Topics keep a short replay log: a handle opened after messages were
// sent still receives them, oldest first, followed by live messages.
// Delivery to a handle starts with its first On call, so handlers
// registered together with the first one see the full replay.
type Topic interface {
	Send(ctx context.Context, event string, payload []byte) error
	On(event string, handler func(payload []byte))
	Close() error
}

// Broker opens topics by name
type Broker interface {
	OpenTopic(ctx context.Context, name string) (Topic, error)
}

const (
	eventSignal = "signal"
	eventInvite = "invite"
)

// SessionTopic names the topic shared by both controllers of a session
func SessionTopic(sessionID uuid.UUID) string {
	return fmt.Sprintf("call:%s", sessionID)
}

// InboxTopic names the per-user topic carrying call invites
func InboxTopic(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:calls", userID)
}
