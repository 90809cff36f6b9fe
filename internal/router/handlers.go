package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redbco/readbridge/internal/broker"
	"github.com/redbco/readbridge/internal/optimizer"
	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
)

// Handler processes one message. Returning an error wrapped around
// ErrMalformed commits the message anyway; any other error makes the router
// retry the same message in place, so handlers must be idempotent.
type Handler func(ctx context.Context, msg broker.Message) error

// envelope bookkeeping keys stripped from the flattened entity document
var envelopeKeys = []string{"Id", "Data", "ModuleCode", "Type", "AggregateType", "AggregateId"}

// EntityHandler flattens generic change envelopes into Entity_{ModuleCode}
// collections.
type EntityHandler struct {
	db     *mongo.Database
	logger *logger.Logger
}

func NewEntityHandler(db *mongo.Database, log *logger.Logger) *EntityHandler {
	return &EntityHandler{db: db, logger: log}
}

// Handle flattens the envelope and replace-upserts the document keyed by
// the envelope Id.
func (h *EntityHandler) Handle(ctx context.Context, msg broker.Message) error {
	root, err := parseEnvelope(msg.Value)
	if err != nil {
		return err
	}

	id := stringField(root, "Id")
	moduleCode := stringField(root, "ModuleCode")
	if id == "" || moduleCode == "" {
		return fmt.Errorf("%w: envelope missing Id or ModuleCode", ErrMalformed)
	}

	doc := flattenEnvelope(root)

	collection := h.db.Collection(optimizer.EntityCollectionPrefix + moduleCode)
	opts := options.Replace().SetUpsert(true)
	if _, err := collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
		return fmt.Errorf("failed to upsert entity %s/%s: %w", moduleCode, id, err)
	}
	return nil
}

// flattenEnvelope turns a change envelope into the stored entity document:
// the nested Data wrapper is merged into the root without overwriting
// existing root keys, the bookkeeping keys are stripped, and _id and
// TenantId are stamped from the envelope. The input map is not modified.
func flattenEnvelope(root map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{}, len(root))
	for k, v := range root {
		doc[k] = v
	}
	if wrapper, ok := root["Data"].(map[string]interface{}); ok {
		for k, v := range wrapper {
			if _, exists := doc[k]; !exists {
				doc[k] = v
			}
		}
	}
	for _, k := range envelopeKeys {
		delete(doc, k)
	}
	doc["_id"] = stringField(root, "Id")
	doc["TenantId"] = stringField(root, "TenantId")
	return doc
}

// TableSynchronizer propagates a published schema to the relational DDL
// layer. The synchronizer itself is an external collaborator.
type TableSynchronizer interface {
	Sync(ctx context.Context, s *schema.Schema) error
}

// SchemaInvalidator drops cached schema entries after a change.
type SchemaInvalidator interface {
	Invalidate(tenantID, module string)
}

// SchemaHandler persists published schema versions into the templated
// schema store and notifies the table synchronizer.
type SchemaHandler struct {
	db           *mongo.Database
	synchronizer TableSynchronizer
	invalidator  SchemaInvalidator
	logger       *logger.Logger
}

func NewSchemaHandler(db *mongo.Database, sync TableSynchronizer, invalidator SchemaInvalidator, log *logger.Logger) *SchemaHandler {
	return &SchemaHandler{db: db, synchronizer: sync, invalidator: invalidator, logger: log}
}

func (h *SchemaHandler) Handle(ctx context.Context, msg broker.Message) error {
	var env SchemaEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.TenantID == "" || env.ModuleCode == "" || env.Version <= 0 {
		return fmt.Errorf("%w: schema envelope missing TenantId, ModuleCode or Version", ErrMalformed)
	}

	schemaDoc, err := decodeSchemaJSON(env.SchemaJSON)
	if err != nil {
		return fmt.Errorf("%w: invalid SchemaJson: %v", ErrMalformed, err)
	}

	schemaDoc["isPublished"] = true
	schemaDoc["updatedAt"] = time.Now().UTC()
	if _, ok := schemaDoc["version"]; !ok {
		schemaDoc["version"] = env.Version
	}

	path := fmt.Sprintf("environments.prod.screens.%s.v%d", env.ModuleCode, env.Version)
	opts := options.UpdateOne().SetUpsert(true)
	_, err = h.db.Collection(schema.StoreCollection).UpdateOne(ctx,
		bson.M{"_id": env.TenantID},
		bson.M{"$set": bson.M{path: schemaDoc}},
		opts)
	if err != nil {
		return fmt.Errorf("failed to upsert schema %s/%s v%d: %w", env.TenantID, env.ModuleCode, env.Version, err)
	}

	if h.invalidator != nil {
		h.invalidator.Invalidate(env.TenantID, env.ModuleCode)
	}

	if h.synchronizer != nil {
		typed := &schema.Schema{
			TenantID:   env.TenantID,
			ModuleCode: env.ModuleCode,
			Version:    env.Version,
			Definition: schemaDoc,
		}
		if err := h.synchronizer.Sync(ctx, typed); err != nil {
			return fmt.Errorf("table synchronization for %s/%s failed: %w", env.TenantID, env.ModuleCode, err)
		}
	}
	return nil
}

// decodeSchemaJSON accepts the schema either as a JSON object or as a
// string-encoded JSON object.
func decodeSchemaJSON(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty schema")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("schema is neither an object nor a string")
	}
	if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Projector triggers aggregate materialization; implemented by the
// projection materializer.
type Projector interface {
	Project(ctx context.Context, aggregateType, aggregateID string) error
}

// ProjectionHandler re-materializes the aggregate named by the envelope.
// It runs after domain-integration handlers on their topics.
type ProjectionHandler struct {
	projector Projector
	logger    *logger.Logger
}

func NewProjectionHandler(projector Projector, log *logger.Logger) *ProjectionHandler {
	return &ProjectionHandler{projector: projector, logger: log}
}

func (h *ProjectionHandler) Handle(ctx context.Context, msg broker.Message) error {
	var env ChangeEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	aggregateType := env.AggregateType
	if aggregateType == "" {
		aggregateType = env.ModuleCode
	}
	aggregateID := env.AggregateID
	if aggregateID == "" {
		aggregateID = env.ID
	}
	if aggregateType == "" || aggregateID == "" {
		return fmt.Errorf("%w: envelope missing aggregate type or id", ErrMalformed)
	}

	return h.projector.Project(ctx, aggregateType, aggregateID)
}
