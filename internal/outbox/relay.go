package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// PendingStore is the persistence surface the relay drives.
type PendingStore interface {
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Publisher publishes one record keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Relay polls the outbox store and publishes pending rows to the broker.
// A publish failure marks the row failed and moves on; one bad row never
// blocks the batch.
type Relay struct {
	store     PendingStore
	publisher Publisher
	logger    *logger.Logger
	metrics   *telemetry.Metrics

	batchSize    int
	idleSleep    time.Duration
	errorBackoff time.Duration
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

func WithIdleSleep(d time.Duration) RelayOption {
	return func(r *Relay) { r.idleSleep = d }
}

func WithErrorBackoff(d time.Duration) RelayOption {
	return func(r *Relay) { r.errorBackoff = d }
}

func NewRelay(store PendingStore, publisher Publisher, log *logger.Logger, metrics *telemetry.Metrics, opts ...RelayOption) *Relay {
	r := &Relay{
		store:        store,
		publisher:    publisher,
		logger:       log,
		metrics:      metrics,
		batchSize:    20,
		idleSleep:    time.Second,
		errorBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is cancelled. Store errors are transient:
// they are logged and followed by a fixed backoff, never a crash.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started")
	for {
		if ctx.Err() != nil {
			r.logger.Info("outbox relay stopping")
			return
		}

		processed, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Errorf("outbox poll failed: %v", err)
			if !sleepCtx(ctx, r.errorBackoff) {
				return
			}
			continue
		}

		if processed == 0 {
			if !sleepCtx(ctx, r.idleSleep) {
				return
			}
		}
	}
}

// RunOnce processes a single batch and returns how many rows it handled.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range pending {
		if ctx.Err() != nil {
			return len(pending), nil
		}

		err := r.publisher.Publish(ctx, msg.Topic, []byte(msg.TenantID), msg.Payload)
		if err != nil {
			r.logger.Warnf("publish of outbox message %s to %s failed: %v", msg.ID, msg.Topic, err)
			r.metrics.OutboxFailed.Inc()
			if markErr := r.store.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				r.logger.Errorf("failed to mark outbox message %s failed: %v", msg.ID, markErr)
			}
			continue
		}

		r.metrics.OutboxPublished.Inc()
		if markErr := r.store.MarkPublished(ctx, msg.ID); markErr != nil {
			// The publish went through; on redelivery the downstream
			// handlers are idempotent, so log and continue.
			r.logger.Errorf("failed to mark outbox message %s published: %v", msg.ID, markErr)
		}
	}
	return len(pending), nil
}

// sleepCtx sleeps for d or until cancellation, reporting whether the caller
// should continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
