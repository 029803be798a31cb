package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"socialhub-backend/internal/domain"
)

// CallHistoryRepository stores finished calls in CockroachDB
type CallHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewCallHistoryRepository creates a new call history repository
func NewCallHistoryRepository(pool *pgxpool.Pool) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool}
}

// Insert writes one history row. Each side of a call records its own
// row, so (session_id, recorded_by) is unique and a retry is a no-op.
func (r *CallHistoryRepository) Insert(ctx context.Context, record *domain.CallHistoryRecord) error {
	query := `
		INSERT INTO call_history (
			id, session_id, conversation_id, caller_id, recipient_id, recorded_by,
			kind, outcome, reason, duration_seconds, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id, recorded_by) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.SessionID,
		nullableUUID(record.ConversationID),
		record.CallerID,
		record.RecipientID,
		record.RecordedBy,
		record.Kind,
		record.Outcome,
		record.Reason,
		record.DurationSeconds,
		record.StartedAt,
		record.EndedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert call history: %w", err)
	}

	return nil
}

// ListForUser returns the rows recorded by userID, newest first
func (r *CallHistoryRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryRecord, error) {
	query := `
		SELECT id, session_id, conversation_id, caller_id, recipient_id, recorded_by,
		       kind, outcome, reason, duration_seconds, started_at, ended_at
		FROM call_history
		WHERE recorded_by = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	var records []*domain.CallHistoryRecord
	for rows.Next() {
		rec := &domain.CallHistoryRecord{}
		var conversationID *uuid.UUID
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&conversationID,
			&rec.CallerID,
			&rec.RecipientID,
			&rec.RecordedBy,
			&rec.Kind,
			&rec.Outcome,
			&rec.Reason,
			&rec.DurationSeconds,
			&rec.StartedAt,
			&rec.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history: %w", err)
		}
		if conversationID != nil {
			rec.ConversationID = *conversationID
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call history: %w", err)
	}

	return records, nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
