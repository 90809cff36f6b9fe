package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAtPath(t *testing.T) {
	t.Run("top-level key", func(t *testing.T) {
		doc := map[string]interface{}{}
		setAtPath(doc, "customer", map[string]interface{}{"name": "Acme"})
		assert.Equal(t, map[string]interface{}{"name": "Acme"}, doc["customer"])
	})

	t.Run("creates intermediate documents", func(t *testing.T) {
		doc := map[string]interface{}{}
		setAtPath(doc, "refs.customer.summary", "Acme")

		refs := doc["refs"].(map[string]interface{})
		customer := refs["customer"].(map[string]interface{})
		assert.Equal(t, "Acme", customer["summary"])
	})

	t.Run("reuses existing intermediate documents", func(t *testing.T) {
		doc := map[string]interface{}{
			"refs": map[string]interface{}{"existing": true},
		}
		setAtPath(doc, "refs.customer", "Acme")

		refs := doc["refs"].(map[string]interface{})
		assert.Equal(t, true, refs["existing"])
		assert.Equal(t, "Acme", refs["customer"])
	})

	t.Run("replaces non-document intermediates", func(t *testing.T) {
		doc := map[string]interface{}{"refs": "scalar"}
		setAtPath(doc, "refs.customer", "Acme")

		refs := doc["refs"].(map[string]interface{})
		assert.Equal(t, "Acme", refs["customer"])
	})
}

func TestIsForeignKeyField(t *testing.T) {
	assert.True(t, isForeignKeyField("CustomerId"))
	assert.True(t, isForeignKeyField("ParentOrderId"))
	assert.False(t, isForeignKeyField("Id"))
	assert.False(t, isForeignKeyField("id"))
	assert.False(t, isForeignKeyField("_id"))
	assert.False(t, isForeignKeyField("status"))
}
