package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/metrics"
)

// HistoryStore persists call history rows
type HistoryStore interface {
	Insert(ctx context.Context, record *domain.CallHistoryRecord) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryRecord, error)
}

// EventLog keeps the per-session diagnostic timeline
type EventLog interface {
	Append(ctx context.Context, event *domain.CallEvent) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.CallEvent, error)
}

// DiagnosticsArchive stores a bundle describing a failed call
type DiagnosticsArchive interface {
	Archive(ctx context.Context, record *domain.CallHistoryRecord, events []*domain.CallEvent) error
}

// Termination describes how a session ended
type Termination struct {
	Reason  domain.TerminationReason
	EndedAt time.Time
	// Negotiated is true once a remote session description was applied.
	Negotiated bool
}

// DeriveOutcome maps a terminated session onto a history outcome
func DeriveOutcome(session domain.CallSession, t Termination) domain.CallOutcome {
	if session.ConnectedAt != nil {
		return domain.CallOutcomeCompleted
	}
	switch t.Reason {
	case domain.ReasonDeclined:
		return domain.CallOutcomeDeclined
	case domain.ReasonRingTimeout, domain.ReasonCancelled:
		return domain.CallOutcomeMissed
	case domain.ReasonRemoteHangup:
		if !t.Negotiated {
			// Caller: the callee refused before answering.
			// Callee: the caller gave up before the offer arrived.
			if session.Role == domain.CallRoleCaller {
				return domain.CallOutcomeDeclined
			}
			return domain.CallOutcomeMissed
		}
	}
	return domain.CallOutcomeFailed
}

// BuildRecord turns a terminated session into a history row. It has no
// side effects; the row id is left for the recorder to assign.
func BuildRecord(session domain.CallSession, t Termination) domain.CallHistoryRecord {
	return domain.CallHistoryRecord{
		SessionID:       session.ID,
		ConversationID:  session.ConversationID,
		CallerID:        session.CallerID(),
		RecipientID:     session.RecipientID(),
		RecordedBy:      session.LocalParticipantID,
		Kind:            session.Kind,
		Outcome:         DeriveOutcome(session, t),
		Reason:          t.Reason,
		DurationSeconds: session.DurationSeconds(t.EndedAt),
		StartedAt:       session.StartedAt,
		EndedAt:         t.EndedAt,
	}
}

// Recorder writes one history row per terminated session. Write failures
// are logged and dropped; nothing is retried.
type Recorder struct {
	store   HistoryStore
	events  EventLog
	archive DiagnosticsArchive
	timeout time.Duration
	logger  *zap.Logger
}

// NewRecorder creates a recorder. events and archive may be nil.
func NewRecorder(store HistoryStore, events EventLog, archive DiagnosticsArchive, timeout time.Duration, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:   store,
		events:  events,
		archive: archive,
		timeout: timeout,
		logger:  logger,
	}
}

// Record builds and inserts the row for session, then archives diagnostics
// for failed calls.
func (r *Recorder) Record(ctx context.Context, session domain.CallSession, t Termination) {
	record := BuildRecord(session, t)
	record.ID = uuid.New()

	metrics.CallOutcomesTotal.WithLabelValues(string(record.Outcome), string(record.Reason)).Inc()
	if record.Outcome == domain.CallOutcomeCompleted {
		metrics.CallDurationSeconds.WithLabelValues(string(record.Kind)).Observe(float64(record.DurationSeconds))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if err := r.store.Insert(ctx, &record); err != nil {
		metrics.CallHistoryWriteErrorsTotal.Inc()
		r.logger.Error("Failed to write call history",
			zap.String("session_id", record.SessionID.String()),
			zap.String("outcome", string(record.Outcome)),
			zap.Error(err))
	} else {
		r.logger.Info("Call history recorded",
			zap.String("session_id", record.SessionID.String()),
			zap.String("outcome", string(record.Outcome)),
			zap.String("reason", string(record.Reason)),
			zap.Int("duration_seconds", record.DurationSeconds))
	}

	if record.Outcome == domain.CallOutcomeFailed {
		r.archiveFailure(ctx, &record)
	}
}

func (r *Recorder) archiveFailure(ctx context.Context, record *domain.CallHistoryRecord) {
	if r.archive == nil {
		return
	}
	var events []*domain.CallEvent
	if r.events != nil {
		var err error
		events, err = r.events.ListBySession(ctx, record.SessionID)
		if err != nil {
			r.logger.Warn("Failed to load call events for diagnostics",
				zap.String("session_id", record.SessionID.String()),
				zap.Error(err))
		}
	}
	if err := r.archive.Archive(ctx, record, events); err != nil {
		r.logger.Warn("Failed to archive call diagnostics",
			zap.String("session_id", record.SessionID.String()),
			zap.Error(err))
	}
}

// History lists the local user's call history, newest first
func (r *Recorder) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryRecord, error) {
	return r.store.ListForUser(ctx, userID, limit, offset)
}
