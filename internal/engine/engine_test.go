package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/readbridge/internal/projection"
	"github.com/redbco/readbridge/pkg/config"
	"github.com/redbco/readbridge/pkg/database"
	"github.com/redbco/readbridge/pkg/logger"
)

func newConfiguredEngine(values map[string]string) *Engine {
	cfg := config.New()
	cfg.Update(values)

	e := NewEngine(cfg)
	e.SetLogger(logger.New("engine-test", "test"))
	e.postgres = &database.PostgreSQL{}
	e.registry = projection.NewRegistry()
	return e
}

func TestRegisterConfiguredSources(t *testing.T) {
	e := newConfiguredEngine(map[string]string{
		"aggregates.Order.table":     "orders",
		"aggregates.Order.relations": "Lines:order_lines:order_id,Payments:payments:order_id",
		"aggregates.Invoice.table":   "invoices",
		// nested keys below an aggregate never register extra types
		"aggregates.Order.id_column": "order_id",
	})

	require.NoError(t, e.registerConfiguredSources())
	assert.ElementsMatch(t, []string{"Order", "Invoice"}, e.registry.Types())
}

func TestRegisterConfiguredSourcesRejectsBadRelation(t *testing.T) {
	e := newConfiguredEngine(map[string]string{
		"aggregates.Order.table":     "orders",
		"aggregates.Order.relations": "Lines:order_lines",
	})

	err := e.registerConfiguredSources()
	assert.ErrorContains(t, err, "invalid relation spec")
}

func TestRegisterConfiguredSourcesEmpty(t *testing.T) {
	e := newConfiguredEngine(map[string]string{"kafka.group_id": "readbridge"})
	require.NoError(t, e.registerConfiguredSources())
	assert.Empty(t, e.registry.Types())
}
