package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// CollectionPrefix prefixes materialized aggregate collections.
const CollectionPrefix = "full_"

// CollectionFor returns the read-store collection of an aggregate type.
func CollectionFor(aggregateType string) string {
	return CollectionPrefix + aggregateType
}

// ConfigLookup resolves the projection configuration of an aggregate type
// for a tenant. A nil return means no tuning applies.
type ConfigLookup func(ctx context.Context, tenantID, aggregateType string) *schema.SmartProjectionConfig

// Denormalizer embeds configured foreign-key fields into a document before
// it is persisted.
type Denormalizer interface {
	Apply(ctx context.Context, doc map[string]interface{}, configs []schema.DenormalizationConfig) error
}

// Materializer projects aggregates into the read store with replace
// semantics: every successful projection overwrites the document wholesale.
type Materializer struct {
	registry *Registry
	db       *mongo.Database
	logger   *logger.Logger
	metrics  *telemetry.Metrics

	configFor    ConfigLookup
	denormalizer Denormalizer
}

func NewMaterializer(registry *Registry, db *mongo.Database, log *logger.Logger, metrics *telemetry.Metrics) *Materializer {
	return &Materializer{
		registry: registry,
		db:       db,
		logger:   log,
		metrics:  metrics,
	}
}

// WithDenormalization enables on-write denormalization using the given
// config lookup.
func (m *Materializer) WithDenormalization(lookup ConfigLookup, denorm Denormalizer) *Materializer {
	m.configFor = lookup
	m.denormalizer = denorm
	return m
}

// Project re-fetches the canonical aggregate state and replace-upserts it
// into full_{aggregateType}. A missing aggregate is non-fatal: the write may
// not have committed yet, or it truly does not exist; either way the event
// will be redelivered or the state is already correct.
func (m *Materializer) Project(ctx context.Context, aggregateType, aggregateID string) error {
	start := time.Now()

	src, err := m.registry.Resolve(aggregateType)
	if err != nil {
		return err
	}

	entity, err := src.Fetch(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Warnf("aggregate %s/%s not found in write-model, skipping projection", aggregateType, aggregateID)
			m.metrics.ProjectionsNotFound.Inc()
			return nil
		}
		return fmt.Errorf("failed to fetch %s/%s: %w", aggregateType, aggregateID, err)
	}

	doc := Serialize(entity)
	tenantID := ExtractTenantID(doc)

	doc["_id"] = aggregateID
	doc["tenantId"] = tenantID
	doc["projectedAt"] = time.Now().UTC()

	if m.denormalizer != nil && m.configFor != nil && tenantID != "" {
		if cfg := m.configFor(ctx, tenantID, aggregateType); cfg != nil {
			if err := m.denormalizer.Apply(ctx, doc, cfg.OnWriteDenormalizations()); err != nil {
				m.logger.Warnf("denormalization of %s/%s failed: %v", aggregateType, aggregateID, err)
			}
		}
	}

	collection := m.db.Collection(CollectionFor(aggregateType))
	opts := options.Replace().SetUpsert(true)
	_, err = collection.ReplaceOne(ctx, bson.M{"_id": aggregateID}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert projection %s/%s: %w", aggregateType, aggregateID, err)
	}

	m.metrics.ProjectionsUpserted.Inc()
	m.metrics.ProjectionDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// Delete removes a projected document. Projections are otherwise only
// removed by archival.
func (m *Materializer) Delete(ctx context.Context, aggregateType, aggregateID string) error {
	collection := m.db.Collection(CollectionFor(aggregateType))
	_, err := collection.DeleteOne(ctx, bson.M{"_id": aggregateID})
	if err != nil {
		return fmt.Errorf("failed to delete projection %s/%s: %w", aggregateType, aggregateID, err)
	}
	return nil
}
