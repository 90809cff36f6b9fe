package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/redbco/readbridge/internal/broker"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

const (
	// AuditCollection receives a best-effort copy of every inbound message.
	AuditCollection = "audit_log"
	// DeadLetterCollection receives messages that exhausted their handler
	// retries.
	DeadLetterCollection = "dead_letter"

	auditTimeout = 2 * time.Second
)

// Router drives the consume/dispatch/commit loop. Delivery is at-least-once:
// the read position is committed only after a message is handled, skipped as
// malformed, or dead-lettered, so a crash mid-processing causes redelivery
// and every handler must be idempotent. A failing message is retried in
// place; the loop never fetches past it, since committing any later offset
// would mark the failed one consumed.
type Router struct {
	consumer broker.Consumer
	db       *mongo.Database
	logger   *logger.Logger
	metrics  *telemetry.Metrics

	handlers map[string][]Handler

	deadLetterAfter int
	retryBackoff    time.Duration
	errorBackoff    time.Duration
}

type Option func(*Router)

// WithDeadLetterAfter sets how many attempts a failing message gets before
// it moves to the dead-letter collection. Zero disables dead-lettering and
// retries indefinitely.
func WithDeadLetterAfter(n int) Option {
	return func(r *Router) { r.deadLetterAfter = n }
}

// WithRetryBackoff sets the pause between attempts of a failing message.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *Router) { r.retryBackoff = d }
}

func WithErrorBackoff(d time.Duration) Option {
	return func(r *Router) { r.errorBackoff = d }
}

func New(consumer broker.Consumer, db *mongo.Database, log *logger.Logger, metrics *telemetry.Metrics, opts ...Option) *Router {
	r := &Router{
		consumer:        consumer,
		db:              db,
		logger:          log,
		metrics:         metrics,
		handlers:        make(map[string][]Handler),
		deadLetterAfter: 5,
		retryBackoff:    time.Second,
		errorBackoff:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConsumer attaches the broker consumer. It must be called before Run
// when the Router was built without one, after all topics are registered.
func (r *Router) SetConsumer(c broker.Consumer) {
	r.consumer = c
}

// Register appends a handler for a topic. Handlers of one topic run in
// registration order; the first error stops the chain.
func (r *Router) Register(topic string, h Handler) {
	r.handlers[topic] = append(r.handlers[topic], h)
}

// Topics returns the registered topic list.
func (r *Router) Topics() []string {
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Run consumes until the context is cancelled. Transient broker errors are
// logged and followed by a fixed backoff; they never terminate the loop.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("event router started")
	for {
		if ctx.Err() != nil {
			r.logger.Info("event router stopping")
			return
		}

		msg, ok, err := r.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("event router stopping")
				return
			}
			r.logger.Errorf("broker fetch failed: %v", err)
			r.wait(ctx, r.errorBackoff)
			continue
		}
		if !ok {
			continue
		}

		r.process(ctx, msg)
	}
}

// process dispatches one message and commits its position. Handler failures
// are retried in place with backoff; the commit happens only once the
// message succeeds, is skipped as malformed, or exhausts its attempts and
// is dead-lettered. With dead-lettering disabled the retry loop ends only
// on success or cancellation.
func (r *Router) process(ctx context.Context, msg broker.Message) {
	r.mirrorToAudit(ctx, msg)

	for attempt := 1; ; attempt++ {
		err := r.dispatch(ctx, msg)
		switch {
		case err == nil:
			r.metrics.RouterProcessed.WithLabelValues(msg.Topic).Inc()
		case errors.Is(err, ErrMalformed):
			// committing anyway avoids a poison-message loop at the cost of
			// dropping the event
			r.logger.Warnf("skipping malformed message on %s[%d]@%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			r.metrics.RouterSkipped.Inc()
		default:
			r.logger.Errorf("handler for %s[%d]@%d failed (attempt %d): %v",
				msg.Topic, msg.Partition, msg.Offset, attempt, err)
			if r.deadLetterAfter <= 0 || attempt < r.deadLetterAfter {
				if !r.wait(ctx, r.retryBackoff) {
					// cancelled with the position uncommitted; the message
					// is redelivered after restart
					return
				}
				continue
			}
			r.logger.Errorf("moving message %s[%d]@%d to dead letter after %d failures",
				msg.Topic, msg.Partition, msg.Offset, r.deadLetterAfter)
			r.writeDeadLetter(ctx, msg, err)
			r.metrics.RouterDeadLetter.Inc()
		}

		if err := r.consumer.Commit(ctx, msg); err != nil {
			r.logger.Errorf("offset commit failed: %v", err)
		}
		return
	}
}

func (r *Router) dispatch(ctx context.Context, msg broker.Message) error {
	handlers, ok := r.handlers[msg.Topic]
	if !ok {
		return fmt.Errorf("%w: no handler for topic %s", ErrMalformed, msg.Topic)
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// mirrorToAudit copies the inbound message to the audit log. Best-effort:
// bounded by a timeout and one retry, failures are counted and swallowed.
func (r *Router) mirrorToAudit(ctx context.Context, msg broker.Message) {
	if r.db == nil {
		return
	}
	doc := bson.M{
		"topic":      msg.Topic,
		"key":        string(msg.Key),
		"payload":    string(msg.Value),
		"partition":  msg.Partition,
		"offset":     msg.Offset,
		"receivedAt": time.Now().UTC(),
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		auditCtx, cancel := context.WithTimeout(ctx, auditTimeout)
		_, err = r.db.Collection(AuditCollection).InsertOne(auditCtx, doc)
		cancel()
		if err == nil {
			return
		}
	}
	r.logger.Warnf("audit mirror write failed: %v", err)
	r.metrics.AuditMirrorDrops.Inc()
}

func (r *Router) writeDeadLetter(ctx context.Context, msg broker.Message, cause error) {
	if r.db == nil {
		return
	}
	doc := bson.M{
		"topic":     msg.Topic,
		"key":       string(msg.Key),
		"payload":   string(msg.Value),
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"error":     cause.Error(),
		"movedAt":   time.Now().UTC(),
	}
	if _, err := r.db.Collection(DeadLetterCollection).InsertOne(ctx, doc); err != nil {
		r.logger.Errorf("dead letter write failed: %v", err)
	}
}

// wait sleeps for d or until cancellation, reporting whether the full
// duration elapsed.
func (r *Router) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
