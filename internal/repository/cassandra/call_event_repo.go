package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"socialhub-backend/internal/domain"
)

// callEventTTL keeps diagnostic timelines for a week
const callEventTTL = 7 * 24 * time.Hour

// CallEventRepository stores per-session diagnostic timelines in Cassandra.
// Rows are partitioned by session and clustered by a time-based event id,
// so a session reads back in order with one partition scan.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// Append inserts one event
func (r *CallEventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	query := `
		INSERT INTO call_events (
			session_id, event_id, user_id, event_type, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		USING TTL ?
	`

	err := r.session.Query(query,
		gocql.UUID(event.SessionID),
		gocql.UUIDFromTime(event.At),
		gocql.UUID(event.UserID),
		event.Type,
		event.Detail,
		event.At,
		int(callEventTTL.Seconds()),
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}

	return nil
}

// ListBySession returns a session's events, oldest first
func (r *CallEventRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.CallEvent, error) {
	query := `
		SELECT session_id, user_id, event_type, detail, created_at
		FROM call_events
		WHERE session_id = ?
		ORDER BY event_id ASC
	`

	iter := r.session.Query(query, gocql.UUID(sessionID)).WithContext(ctx).Iter()

	var (
		events           []*domain.CallEvent
		sid, uid         gocql.UUID
		eventType, extra string
		createdAt        time.Time
	)
	for iter.Scan(&sid, &uid, &eventType, &extra, &createdAt) {
		events = append(events, &domain.CallEvent{
			SessionID: uuid.UUID(sid),
			UserID:    uuid.UUID(uid),
			Type:      eventType,
			Detail:    extra,
			At:        createdAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list call events: %w", err)
	}

	return events, nil
}
