package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/redbco/readbridge/internal/schema"
)

func TestBuildIndexModelStandard(t *testing.T) {
	idx := schema.IndexConfig{
		Name: "ix_status",
		Type: schema.IndexStandard,
		Fields: []schema.IndexField{
			{Field: "status", Direction: schema.Ascending},
			{Field: "createdAt", Direction: schema.Descending},
		},
	}

	model, err := buildIndexModel(idx)
	require.NoError(t, err)
	keys := model.Keys.(bson.D)
	require.Len(t, keys, 2)
	assert.Equal(t, bson.E{Key: "status", Value: 1}, keys[0])
	assert.Equal(t, bson.E{Key: "createdAt", Value: -1}, keys[1])
}

func TestBuildIndexModelDefaultsDirectionAscending(t *testing.T) {
	idx := schema.IndexConfig{
		Name:   "ix_status",
		Fields: []schema.IndexField{{Field: "status"}},
	}

	model, err := buildIndexModel(idx)
	require.NoError(t, err)
	keys := model.Keys.(bson.D)
	assert.Equal(t, bson.E{Key: "status", Value: 1}, keys[0])
}

func TestBuildIndexModelText(t *testing.T) {
	idx := schema.IndexConfig{
		Name: "tx_name_desc",
		Type: schema.IndexText,
		Fields: []schema.IndexField{
			{Field: "name"},
			{Field: "description"},
		},
	}

	model, err := buildIndexModel(idx)
	require.NoError(t, err)
	keys := model.Keys.(bson.D)
	require.Len(t, keys, 2)
	assert.Equal(t, "text", keys[0].Value)
	assert.Equal(t, "text", keys[1].Value)
}

func TestBuildIndexModelHashed(t *testing.T) {
	idx := schema.IndexConfig{
		Name:   "hx_tenant",
		Type:   schema.IndexHashed,
		Fields: []schema.IndexField{{Field: "tenantId"}, {Field: "ignored"}},
	}

	model, err := buildIndexModel(idx)
	require.NoError(t, err)
	keys := model.Keys.(bson.D)
	// hashed indexes are single-field; extra fields are dropped
	require.Len(t, keys, 1)
	assert.Equal(t, bson.E{Key: "tenantId", Value: "hashed"}, keys[0])
}

func TestBuildIndexModelWildcard(t *testing.T) {
	idx := schema.IndexConfig{Name: "wx_all", Type: schema.IndexWildcard}

	model, err := buildIndexModel(idx)
	require.NoError(t, err)
	keys := model.Keys.(bson.D)
	require.Len(t, keys, 1)
	assert.Equal(t, bson.E{Key: "$**", Value: 1}, keys[0])
}

func TestBuildIndexModelRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		idx  schema.IndexConfig
	}{
		{"missing name", schema.IndexConfig{Fields: []schema.IndexField{{Field: "a"}}}},
		{"standard without fields", schema.IndexConfig{Name: "ix", Type: schema.IndexStandard}},
		{"text without fields", schema.IndexConfig{Name: "tx", Type: schema.IndexText}},
		{"hashed without fields", schema.IndexConfig{Name: "hx", Type: schema.IndexHashed}},
		{"unknown type", schema.IndexConfig{Name: "zz", Type: "geo", Fields: []schema.IndexField{{Field: "a"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildIndexModel(tt.idx)
			assert.Error(t, err)
		})
	}
}

func TestCreatedCache(t *testing.T) {
	c := New(nil, nil, nil)

	assert.False(t, c.alreadyCreated("full_Order", "ix_status"))
	c.markCreated("full_Order", "ix_status")
	assert.True(t, c.alreadyCreated("full_Order", "ix_status"))
	assert.False(t, c.alreadyCreated("full_Invoice", "ix_status"))

	c.Invalidate("full_Order")
	assert.False(t, c.alreadyCreated("full_Order", "ix_status"))

	c.markCreated("full_Order", "a")
	c.markCreated("full_Invoice", "b")
	c.Invalidate("")
	assert.False(t, c.alreadyCreated("full_Order", "a"))
	assert.False(t, c.alreadyCreated("full_Invoice", "b"))
}
