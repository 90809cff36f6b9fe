package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
)

// EntityCollectionPrefix prefixes the flattened live-entity collections the
// denormalizer reads referenced documents from.
const EntityCollectionPrefix = "Entity_"

// Denormalizer embeds declared fields of referenced entities into a
// document before it is persisted. Only the OnWrite strategy is applied
// here; the other strategies are configuration pass-through.
type Denormalizer struct {
	db     *mongo.Database
	logger *logger.Logger
}

func NewDenormalizer(db *mongo.Database, log *logger.Logger) *Denormalizer {
	return &Denormalizer{db: db, logger: log}
}

// Apply mutates doc in place: for each config whose foreign key holds a
// value, the referenced entity's source fields are fetched and set at the
// target path. A missing referenced document skips that embed silently; the
// reference may simply not be projected yet.
func (d *Denormalizer) Apply(ctx context.Context, doc map[string]interface{}, configs []schema.DenormalizationConfig) error {
	var failed []string
	for _, cfg := range configs {
		if cfg.UpdateStrategy != schema.UpdateOnWrite {
			continue
		}
		fk, ok := doc[cfg.ForeignKeyField]
		if !ok || fk == nil {
			continue
		}

		embed, err := d.fetchSourceFields(ctx, cfg, fk)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			d.logger.Warnf("denormalization %s failed: %v", cfg.Name, err)
			failed = append(failed, cfg.Name)
			continue
		}
		setAtPath(doc, cfg.TargetFieldPath, embed)
	}

	if len(failed) > 0 {
		return fmt.Errorf("denormalizations failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (d *Denormalizer) fetchSourceFields(ctx context.Context, cfg schema.DenormalizationConfig, fk interface{}) (map[string]interface{}, error) {
	proj := bson.M{}
	for _, f := range cfg.SourceFields {
		proj[f] = 1
	}

	var embed bson.M
	err := d.db.Collection(EntityCollectionPrefix+cfg.SourceEntity).
		FindOne(ctx, bson.M{"_id": fk}, options.FindOne().SetProjection(proj)).
		Decode(&embed)
	if err != nil {
		return nil, err
	}

	// the identifier is already on the document as the foreign key
	delete(embed, "_id")
	return map[string]interface{}(embed), nil
}

// setAtPath sets a value at a dotted path, creating intermediate nested
// documents as needed.
func setAtPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
