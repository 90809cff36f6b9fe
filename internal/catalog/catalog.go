// Package catalog manages the physical indexes of projected collections.
// Index creation is idempotent by name; the process-local existence cache is
// an optimization, not a source of truth, and concurrent creators converge
// because the store's create-by-name is itself idempotent.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// Base index names ensured on every projected collection.
const (
	baseTenantIndex         = "ix_tenantId"
	baseProjectedAtIndex    = "ix_projectedAt_desc"
	baseTenantProjectedAt   = "ix_tenantId_projectedAt"
	ttlProjectedAtIndexName = "ttl_projectedAt"
)

const secondsPerDay = 86400

// Catalog ensures base and configuration-declared indexes per collection.
type Catalog struct {
	db      *mongo.Database
	logger  *logger.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	created map[string]map[string]bool // collection -> index name -> created
}

func New(db *mongo.Database, log *logger.Logger, metrics *telemetry.Metrics) *Catalog {
	return &Catalog{
		db:      db,
		logger:  log,
		metrics: metrics,
		created: make(map[string]map[string]bool),
	}
}

// EnsureIndexes creates the three base indexes plus any declared indexes
// that have not been created yet. A failure on one declared index is logged
// and does not abort the rest.
func (c *Catalog) EnsureIndexes(ctx context.Context, collection string, cfg *schema.SmartProjectionConfig) error {
	if err := c.ensureBaseIndexes(ctx, collection); err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	for _, idx := range cfg.Indexes {
		if c.alreadyCreated(collection, idx.Name) {
			continue
		}
		model, err := buildIndexModel(idx)
		if err != nil {
			c.logger.Warnf("skipping index %s on %s: %v", idx.Name, collection, err)
			c.metrics.IndexesFailed.Inc()
			continue
		}
		if err := c.createIndex(ctx, collection, idx.Name, model); err != nil {
			c.logger.Warnf("failed to create index %s on %s: %v", idx.Name, collection, err)
			c.metrics.IndexesFailed.Inc()
		}
	}

	if cfg.TTLDays > 0 {
		if err := c.ensureTTLIndex(ctx, collection, cfg.TTLDays); err != nil {
			c.logger.Warnf("failed to ensure TTL index on %s: %v", collection, err)
			c.metrics.IndexesFailed.Inc()
		}
	}

	if cfg.Validation != nil && len(cfg.Validation.JSONSchema) > 0 {
		if err := c.applyValidation(ctx, collection, cfg.Validation); err != nil {
			c.logger.Warnf("failed to apply validation to %s: %v", collection, err)
		}
	}
	return nil
}

func (c *Catalog) ensureBaseIndexes(ctx context.Context, collection string) error {
	base := []struct {
		name string
		keys bson.D
	}{
		{baseTenantIndex, bson.D{{Key: "tenantId", Value: 1}}},
		{baseProjectedAtIndex, bson.D{{Key: "projectedAt", Value: -1}}},
		{baseTenantProjectedAt, bson.D{{Key: "tenantId", Value: 1}, {Key: "projectedAt", Value: -1}}},
	}

	for _, b := range base {
		if c.alreadyCreated(collection, b.name) {
			continue
		}
		model := mongo.IndexModel{
			Keys:    b.keys,
			Options: options.Index().SetName(b.name),
		}
		if err := c.createIndex(ctx, collection, b.name, model); err != nil {
			return fmt.Errorf("failed to create base index %s on %s: %w", b.name, collection, err)
		}
	}
	return nil
}

func (c *Catalog) ensureTTLIndex(ctx context.Context, collection string, ttlDays int) error {
	if c.alreadyCreated(collection, ttlProjectedAtIndexName) {
		return nil
	}
	model := mongo.IndexModel{
		Keys: bson.D{{Key: "projectedAt", Value: 1}},
		Options: options.Index().
			SetName(ttlProjectedAtIndexName).
			SetExpireAfterSeconds(int32(ttlDays * secondsPerDay)),
	}
	return c.createIndex(ctx, collection, ttlProjectedAtIndexName, model)
}

func (c *Catalog) createIndex(ctx context.Context, collection, name string, model mongo.IndexModel) error {
	_, err := c.db.Collection(collection).Indexes().CreateOne(ctx, model)
	if err != nil {
		return err
	}
	c.markCreated(collection, name)
	c.metrics.IndexesEnsured.Inc()
	return nil
}

// CreateAuto creates a single optimizer-proposed index. Idempotent by name
// like every other creation.
func (c *Catalog) CreateAuto(ctx context.Context, collection string, idx schema.IndexConfig) error {
	if c.alreadyCreated(collection, idx.Name) {
		return nil
	}
	model, err := buildIndexModel(idx)
	if err != nil {
		return err
	}
	return c.createIndex(ctx, collection, idx.Name, model)
}

// buildIndexModel translates a declared IndexConfig into a driver model.
func buildIndexModel(idx schema.IndexConfig) (mongo.IndexModel, error) {
	if idx.Name == "" {
		return mongo.IndexModel{}, errors.New("index name is required")
	}

	var keys bson.D
	switch idx.Type {
	case schema.IndexStandard, schema.IndexCompound, "":
		if len(idx.Fields) == 0 {
			return mongo.IndexModel{}, errors.New("index has no fields")
		}
		for _, f := range idx.Fields {
			dir := int(f.Direction)
			if dir == 0 {
				dir = 1
			}
			keys = append(keys, bson.E{Key: f.Field, Value: dir})
		}
	case schema.IndexText:
		if len(idx.Fields) == 0 {
			return mongo.IndexModel{}, errors.New("text index has no fields")
		}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: f.Field, Value: "text"})
		}
	case schema.IndexHashed:
		if len(idx.Fields) == 0 {
			return mongo.IndexModel{}, errors.New("hashed index has no fields")
		}
		keys = bson.D{{Key: idx.Fields[0].Field, Value: "hashed"}}
	case schema.IndexWildcard:
		keys = bson.D{{Key: "$**", Value: 1}}
	default:
		return mongo.IndexModel{}, fmt.Errorf("unknown index type %q", idx.Type)
	}

	opts := options.Index().SetName(idx.Name)
	if idx.Unique {
		opts.SetUnique(true)
	}
	if idx.Sparse {
		opts.SetSparse(true)
	}
	if len(idx.PartialFilter) > 0 {
		opts.SetPartialFilterExpression(toBSON(idx.PartialFilter))
	}
	if idx.Collation != nil {
		strength := 3
		if idx.Collation.CaseInsensitive {
			strength = 2
		}
		opts.SetCollation(&options.Collation{
			Locale:   idx.Collation.Locale,
			Strength: strength,
		})
	}
	if idx.TTLSeconds != nil {
		opts.SetExpireAfterSeconds(*idx.TTLSeconds)
	}

	return mongo.IndexModel{Keys: keys, Options: opts}, nil
}

// applyValidation applies a JSON-schema validator via collMod. A missing
// collection is benign: validation takes effect when the collection is
// created on first write.
func (c *Catalog) applyValidation(ctx context.Context, collection string, rule *schema.ValidationRule) error {
	level := rule.Level
	if level == "" {
		level = "moderate"
	}
	action := rule.Action
	if action == "" {
		action = "warn"
	}

	cmd := bson.D{
		{Key: "collMod", Value: collection},
		{Key: "validator", Value: bson.M{"$jsonSchema": toBSON(rule.JSONSchema)}},
		{Key: "validationLevel", Value: level},
		{Key: "validationAction", Value: action},
	}
	err := c.db.RunCommand(ctx, cmd).Err()
	if err != nil {
		var cmdErr mongo.CommandError
		// NamespaceNotFound: collection does not exist yet
		if errors.As(err, &cmdErr) && cmdErr.Code == 26 {
			return nil
		}
		return err
	}
	return nil
}

func toBSON(m map[string]interface{}) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IndexKeys returns the cached created-index names of a collection plus the
// names listed by the store, merged. Used by the optimizer's coverage check.
func (c *Catalog) IndexKeys(ctx context.Context, collection string) (map[string][]string, error) {
	cursor, err := c.db.Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes on %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	keys := make(map[string][]string)
	for cursor.Next(ctx) {
		var spec struct {
			Name string `bson:"name"`
			Key  bson.D `bson:"key"`
		}
		if err := cursor.Decode(&spec); err != nil {
			return nil, fmt.Errorf("failed to decode index spec: %w", err)
		}
		fields := make([]string, 0, len(spec.Key))
		for _, e := range spec.Key {
			fields = append(fields, e.Key)
		}
		keys[spec.Name] = fields
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate index specs: %w", err)
	}
	return keys, nil
}

func (c *Catalog) alreadyCreated(collection, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created[collection][name]
}

func (c *Catalog) markCreated(collection, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created[collection] == nil {
		c.created[collection] = make(map[string]bool)
	}
	c.created[collection][name] = true
}

// Invalidate clears the existence cache for one collection, or for all
// collections when the name is empty.
func (c *Catalog) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if collection == "" {
		c.created = make(map[string]map[string]bool)
		return
	}
	delete(c.created, collection)
}
