// Package projection materializes authoritative write-model aggregates into
// the denormalized read store.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports that an aggregate does not exist in the write-model.
var ErrNotFound = errors.New("aggregate not found")

// Source fetches the canonical state of one aggregate type from the
// write-model, including the minimal relation graph declared for that type.
type Source interface {
	Fetch(ctx context.Context, id string) (map[string]interface{}, error)
}

// Registry maps aggregate type names to their sources. Resolution is
// explicit and happens at startup, not per event.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register binds an aggregate type name to a source. Later registrations
// replace earlier ones.
func (r *Registry) Register(aggregateType string, src Source) {
	r.mu.Lock()
	r.sources[aggregateType] = src
	r.mu.Unlock()
}

// Resolve returns the source for an aggregate type.
func (r *Registry) Resolve(aggregateType string) (Source, error) {
	r.mu.RLock()
	src, ok := r.sources[aggregateType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no source registered for aggregate type %q", aggregateType)
	}
	return src, nil
}

// Types returns the registered aggregate type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.sources))
	for t := range r.sources {
		types = append(types, t)
	}
	return types
}

// Relation declares one child table embedded into the aggregate document.
type Relation struct {
	// Field is the document key the child rows are embedded under.
	Field string
	// Table is the child table name.
	Table string
	// ForeignKey is the child column referencing the aggregate id.
	ForeignKey string
}

// SQLSource fetches an aggregate as its base row plus the declared child
// relations, each embedded as an array of row maps.
type SQLSource struct {
	db        *pgxpool.Pool
	table     string
	idColumn  string
	relations []Relation
}

func NewSQLSource(pool *pgxpool.Pool, table, idColumn string, relations ...Relation) *SQLSource {
	return &SQLSource{
		db:        pool,
		table:     table,
		idColumn:  idColumn,
		relations: relations,
	}
}

func (s *SQLSource) Fetch(ctx context.Context, id string) (map[string]interface{}, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", s.table, s.idColumn)
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	doc, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", s.table, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan %s row: %w", s.table, err)
	}

	for _, rel := range s.relations {
		childQuery := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", rel.Table, rel.ForeignKey)
		childRows, err := s.db.Query(ctx, childQuery, id)
		if err != nil {
			return nil, fmt.Errorf("failed to query relation %s: %w", rel.Table, err)
		}
		children, err := pgx.CollectRows(childRows, pgx.RowToMap)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation %s: %w", rel.Table, err)
		}
		embedded := make([]interface{}, len(children))
		for i, child := range children {
			embedded[i] = child
		}
		doc[rel.Field] = embedded
	}
	return doc, nil
}
