package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ErrSchemaNotFound is returned when no schema exists for a tenant/module.
var ErrSchemaNotFound = errors.New("schema not found")

// Provider fetches the declarative schema for a tenant module.
type Provider interface {
	GetSchema(ctx context.Context, tenantID, module string) (*Schema, error)
}

// StoreCollection is the collection holding tenant schema documents. One
// document per tenant, keyed by tenant id, with published screens nested at
// environments.prod.screens.{module}.v{version}.
const StoreCollection = "tenant_schemas"

// MongoProvider reads schemas from the templated schema store.
type MongoProvider struct {
	db *mongo.Database
}

func NewMongoProvider(db *mongo.Database) *MongoProvider {
	return &MongoProvider{db: db}
}

// GetSchema returns the highest published version of the module schema.
func (p *MongoProvider) GetSchema(ctx context.Context, tenantID, module string) (*Schema, error) {
	var doc bson.M
	err := p.db.Collection(StoreCollection).
		FindOne(ctx, bson.M{"_id": tenantID}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrSchemaNotFound)
		}
		return nil, fmt.Errorf("failed to load tenant schema document: %w", err)
	}

	screens, ok := dig(doc, "environments", "prod", "screens", module)
	if !ok {
		return nil, fmt.Errorf("tenant %s module %s: %w", tenantID, module, ErrSchemaNotFound)
	}

	version, versionDoc := latestPublishedVersion(screens)
	if versionDoc == nil {
		return nil, fmt.Errorf("tenant %s module %s has no published version: %w", tenantID, module, ErrSchemaNotFound)
	}

	s := &Schema{
		TenantID:   tenantID,
		ModuleCode: module,
		Version:    version,
		Definition: versionDoc,
	}
	if sp, ok := versionDoc["smartProjection"]; ok {
		cfg, err := decodeSmartProjection(sp)
		if err != nil {
			return nil, fmt.Errorf("invalid smartProjection config for %s/%s: %w", tenantID, module, err)
		}
		s.SmartProjection = cfg
	}
	return s, nil
}

func dig(doc bson.M, path ...string) (map[string]interface{}, bool) {
	cur := map[string]interface{}(doc)
	for _, key := range path {
		next, ok := cur[key]
		if !ok {
			return nil, false
		}
		switch v := next.(type) {
		case bson.M:
			cur = v
		case map[string]interface{}:
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// latestPublishedVersion scans v{N} keys and returns the newest one marked
// isPublished.
func latestPublishedVersion(screens map[string]interface{}) (int, map[string]interface{}) {
	best := -1
	var bestDoc map[string]interface{}
	for key, raw := range screens {
		var n int
		if _, err := fmt.Sscanf(key, "v%d", &n); err != nil {
			continue
		}
		doc, ok := asMap(raw)
		if !ok {
			continue
		}
		if published, _ := doc["isPublished"].(bool); !published {
			continue
		}
		if n > best {
			best = n
			bestDoc = doc
		}
	}
	return best, bestDoc
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return m, true
	}
	return nil, false
}

// decodeSmartProjection converts the raw schema subtree into the typed
// configuration via BSON round-trip, so bson.M and plain maps both work.
func decodeSmartProjection(raw interface{}) (*SmartProjectionConfig, error) {
	data, err := bson.Marshal(bson.M{"c": raw})
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		C SmartProjectionConfig `bson:"c"`
	}
	if err := bson.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.C, nil
}

// Cache is an in-process schema cache with explicit invalidation. Entries
// expire after TTL; a zero TTL caches forever until invalidated.
type Cache struct {
	provider Provider
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	schema   *Schema
	loadedAt time.Time
}

func NewCache(provider Provider, ttl time.Duration) *Cache {
	return &Cache{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
	}
}

func cacheKey(tenantID, module string) string {
	return tenantID + "/" + module
}

// GetSchema returns the cached schema, fetching through on miss or expiry.
func (c *Cache) GetSchema(ctx context.Context, tenantID, module string) (*Schema, error) {
	key := cacheKey(tenantID, module)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && (c.ttl == 0 || time.Since(entry.loadedAt) < c.ttl) {
		return entry.schema, nil
	}

	s, err := c.provider.GetSchema(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{schema: s, loadedAt: time.Now()}
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached entry for one tenant module.
func (c *Cache) Invalidate(tenantID, module string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(tenantID, module))
	c.mu.Unlock()
}

// Clear drops all cached entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
