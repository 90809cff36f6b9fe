// Package outbox implements the transactional outbox: business writes append
// a row in the same transaction, and the relay publishes pending rows to the
// broker.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an outbox message. Pending is the only
// non-terminal state; failed rows are requeued administratively, never
// automatically.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Message is one outbox row.
type Message struct {
	ID          uuid.UUID
	TenantID    string
	Topic       string
	Payload     []byte
	Status      Status
	Error       *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// NewMessage builds a pending message ready to be appended alongside a
// business write.
func NewMessage(tenantID, topic string, payload []byte) Message {
	return Message{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}
