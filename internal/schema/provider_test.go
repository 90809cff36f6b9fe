package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestPublishedVersion(t *testing.T) {
	screens := map[string]interface{}{
		"v1": map[string]interface{}{"isPublished": true},
		"v2": map[string]interface{}{"isPublished": true, "name": "latest"},
		"v3": map[string]interface{}{"isPublished": false},
		"vX": map[string]interface{}{"isPublished": true},
	}

	version, doc := latestPublishedVersion(screens)
	require.NotNil(t, doc)
	assert.Equal(t, 2, version)
	assert.Equal(t, "latest", doc["name"])
}

func TestLatestPublishedVersionNonePublished(t *testing.T) {
	screens := map[string]interface{}{
		"v1": map[string]interface{}{"isPublished": false},
	}
	_, doc := latestPublishedVersion(screens)
	assert.Nil(t, doc)
}

func TestDecodeSmartProjection(t *testing.T) {
	raw := map[string]interface{}{
		"autoOptimize": true,
		"ttlDays":      30,
		"indexes": []interface{}{
			map[string]interface{}{
				"name": "ix_status",
				"type": "standard",
				"fields": []interface{}{
					map[string]interface{}{"field": "status", "direction": 1},
				},
			},
		},
		"denormalization": []interface{}{
			map[string]interface{}{
				"name":            "customer_summary",
				"sourceEntity":    "Customer",
				"targetFieldPath": "refs.customer",
				"sourceFields":    []interface{}{"Name"},
				"foreignKeyField": "CustomerId",
				"updateStrategy":  "OnWrite",
			},
		},
	}

	cfg, err := decodeSmartProjection(raw)
	require.NoError(t, err)
	assert.True(t, cfg.AutoOptimize)
	assert.Equal(t, 30, cfg.TTLDays)
	require.Len(t, cfg.Indexes, 1)
	assert.Equal(t, "ix_status", cfg.Indexes[0].Name)
	require.Len(t, cfg.Indexes[0].Fields, 1)
	assert.Equal(t, Ascending, cfg.Indexes[0].Fields[0].Direction)
	require.Len(t, cfg.Denormalization, 1)
	assert.Equal(t, UpdateOnWrite, cfg.Denormalization[0].UpdateStrategy)
}

func TestOnWriteDenormalizations(t *testing.T) {
	cfg := &SmartProjectionConfig{
		Denormalization: []DenormalizationConfig{
			{Name: "a", UpdateStrategy: UpdateOnWrite},
			{Name: "b", UpdateStrategy: UpdateScheduled},
			{Name: "c", UpdateStrategy: UpdateOnWrite},
		},
	}

	onWrite := cfg.OnWriteDenormalizations()
	require.Len(t, onWrite, 2)
	assert.Equal(t, "a", onWrite[0].Name)
	assert.Equal(t, "c", onWrite[1].Name)

	var nilCfg *SmartProjectionConfig
	assert.Nil(t, nilCfg.OnWriteDenormalizations())
}

type countingProvider struct {
	calls  int
	schema *Schema
	err    error
}

func (p *countingProvider) GetSchema(ctx context.Context, tenantID, module string) (*Schema, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.schema, nil
}

func TestCacheServesFromMemory(t *testing.T) {
	provider := &countingProvider{schema: &Schema{TenantID: "t1", ModuleCode: "Order", Version: 2}}
	cache := NewCache(provider, time.Minute)

	for i := 0; i < 3; i++ {
		s, err := cache.GetSchema(context.Background(), "t1", "Order")
		require.NoError(t, err)
		assert.Equal(t, 2, s.Version)
	}
	assert.Equal(t, 1, provider.calls)
}

func TestCacheInvalidateForcesRefetch(t *testing.T) {
	provider := &countingProvider{schema: &Schema{TenantID: "t1", ModuleCode: "Order", Version: 2}}
	cache := NewCache(provider, 0) // no expiry

	_, err := cache.GetSchema(context.Background(), "t1", "Order")
	require.NoError(t, err)

	cache.Invalidate("t1", "Order")
	provider.schema = &Schema{TenantID: "t1", ModuleCode: "Order", Version: 3}

	s, err := cache.GetSchema(context.Background(), "t1", "Order")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Version)
	assert.Equal(t, 2, provider.calls)
}

func TestCacheErrorsAreNotCached(t *testing.T) {
	provider := &countingProvider{err: ErrSchemaNotFound}
	cache := NewCache(provider, time.Minute)

	_, err := cache.GetSchema(context.Background(), "t1", "Order")
	assert.ErrorIs(t, err, ErrSchemaNotFound)

	provider.err = nil
	provider.schema = &Schema{TenantID: "t1", ModuleCode: "Order", Version: 1}
	s, err := cache.GetSchema(context.Background(), "t1", "Order")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
}

func TestCacheKeysAreScoped(t *testing.T) {
	provider := &countingProvider{schema: &Schema{Version: 1}}
	cache := NewCache(provider, time.Minute)

	_, err := cache.GetSchema(context.Background(), "t1", "Order")
	require.NoError(t, err)
	_, err = cache.GetSchema(context.Background(), "t1", "Invoice")
	require.NoError(t, err)
	_, err = cache.GetSchema(context.Background(), "t2", "Order")
	require.NoError(t, err)

	assert.Equal(t, 3, provider.calls)
}
