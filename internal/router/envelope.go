// Package router subscribes to the broker's topic set and dispatches each
// message to its handler, committing the read position only after the
// handler completes.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topics consumed by the router. The list is explicit, not a wildcard, to
// keep the delivery scope auditable.
const (
	TopicDataChanged   = "tenant.data.changed"
	TopicSchemaChanged = "tenant.schema.changed"
)

// ErrMalformed marks a payload that can never be processed. The router
// skips and commits such messages instead of redelivering them forever.
var ErrMalformed = errors.New("malformed payload")

// ChangeEnvelope is the generic change message. Data carries the entity
// fields, either flat or as a nested wrapper object.
type ChangeEnvelope struct {
	ID            string                 `json:"Id"`
	TenantID      string                 `json:"TenantId"`
	ModuleCode    string                 `json:"ModuleCode"`
	AggregateType string                 `json:"AggregateType"`
	AggregateID   string                 `json:"AggregateId"`
	Type          string                 `json:"Type"`
	Data          map[string]interface{} `json:"Data"`
}

// SchemaEnvelope is the schema-change message.
type SchemaEnvelope struct {
	TenantID   string          `json:"TenantId"`
	ModuleCode string          `json:"ModuleCode"`
	Version    int             `json:"Version"`
	SchemaJSON json.RawMessage `json:"SchemaJson"`
}

// parseEnvelope decodes the full message value as a generic document, keeping
// unknown fields for the flattening handler.
func parseEnvelope(value []byte) (map[string]interface{}, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(value, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return root, nil
}

func stringField(doc map[string]interface{}, key string) string {
	v, _ := doc[key].(string)
	return v
}
