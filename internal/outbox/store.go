package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists outbox rows in PostgreSQL.
//
// Expected table:
//
//	CREATE TABLE outbox_messages (
//	    id           UUID PRIMARY KEY,
//	    tenant_id    TEXT NOT NULL,
//	    topic        TEXT NOT NULL,
//	    payload      JSONB NOT NULL,
//	    status       TEXT NOT NULL DEFAULT 'pending',
//	    error        TEXT,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    processed_at TIMESTAMPTZ
//	);
//	CREATE INDEX outbox_messages_pending_idx
//	    ON outbox_messages (created_at) WHERE status = 'pending';
type Store struct {
	db *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// Add appends a message. Callers that need transactional coupling with a
// business write should run the same statement on their own transaction.
func (s *Store) Add(ctx context.Context, msg Message) error {
	query := `
		INSERT INTO outbox_messages (id, tenant_id, topic, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.Exec(ctx, query,
		msg.ID, msg.TenantID, msg.Topic, msg.Payload, msg.Status, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// FetchPending returns up to limit pending messages, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]Message, error) {
	query := `
		SELECT id, tenant_id, topic, payload, status, error, created_at, processed_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Topic, &m.Payload,
			&m.Status, &m.Error, &m.CreatedAt, &m.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending outbox messages: %w", err)
	}
	return messages, nil
}

// MarkPublished records a successful publish. The transition is terminal.
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, processed_at = $2, error = NULL
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.Exec(ctx, query, StatusPublished, time.Now().UTC(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message published: %w", err)
	}
	return nil
}

// MarkFailed records a publish failure. Failed rows are not retried by the
// relay; requeueing is an operator action.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, processed_at = $2, error = $3
		WHERE id = $4 AND status = $5
	`
	_, err := s.db.Exec(ctx, query, StatusFailed, time.Now().UTC(), errMsg, id, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return nil
}
