// Package schema holds the declarative per-tenant projection configuration
// consumed by the pipeline. The configuration lifecycle is owned by the
// schema subsystem; this package only models, fetches, and caches it.
package schema

// IndexType identifies how an index key specification is built.
type IndexType string

const (
	IndexStandard IndexType = "standard"
	IndexCompound IndexType = "compound"
	IndexText     IndexType = "text"
	IndexHashed   IndexType = "hashed"
	IndexWildcard IndexType = "wildcard"
)

// SortDirection is an index key direction.
type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// IndexField is one (field, direction) pair of an index key specification.
// Compound key order is the slice order; a map would not preserve it.
type IndexField struct {
	Field     string        `json:"field" yaml:"field"`
	Direction SortDirection `json:"direction" yaml:"direction"`
}

// IndexConfig declares one index on a projected collection. Name is the
// idempotency key: re-ensuring an existing name is a no-op.
type IndexConfig struct {
	Name          string                 `json:"name" yaml:"name"`
	Fields        []IndexField           `json:"fields" yaml:"fields"`
	Type          IndexType              `json:"type" yaml:"type"`
	Unique        bool                   `json:"unique,omitempty" yaml:"unique,omitempty"`
	Sparse        bool                   `json:"sparse,omitempty" yaml:"sparse,omitempty"`
	PartialFilter map[string]interface{} `json:"partialFilter,omitempty" yaml:"partialFilter,omitempty"`
	Collation     *Collation             `json:"collation,omitempty" yaml:"collation,omitempty"`
	TTLSeconds    *int32                 `json:"ttlSeconds,omitempty" yaml:"ttlSeconds,omitempty"`
	AutoGenerated bool                   `json:"autoGenerated,omitempty" yaml:"autoGenerated,omitempty"`
}

// Collation configures locale-aware string comparison for an index.
type Collation struct {
	Locale          string `json:"locale" yaml:"locale"`
	CaseInsensitive bool   `json:"caseInsensitive,omitempty" yaml:"caseInsensitive,omitempty"`
}

// UpdateStrategy selects when a denormalized embed is refreshed. Only
// OnWrite is enforced by the pipeline; the others are pass-through data for
// external schedulers.
type UpdateStrategy string

const (
	UpdateOnWrite     UpdateStrategy = "OnWrite"
	UpdateOnRead      UpdateStrategy = "OnRead"
	UpdateScheduled   UpdateStrategy = "Scheduled"
	UpdateEventDriven UpdateStrategy = "EventDriven"
)

// DenormalizationConfig declares a foreign-key embed: when a document holds
// ForeignKeyField, the SourceFields of the referenced Entity_{SourceEntity}
// document are copied to TargetFieldPath.
type DenormalizationConfig struct {
	Name            string         `json:"name" yaml:"name"`
	SourceEntity    string         `json:"sourceEntity" yaml:"sourceEntity"`
	TargetFieldPath string         `json:"targetFieldPath" yaml:"targetFieldPath"`
	SourceFields    []string       `json:"sourceFields" yaml:"sourceFields"`
	ForeignKeyField string         `json:"foreignKeyField" yaml:"foreignKeyField"`
	UpdateStrategy  UpdateStrategy `json:"updateStrategy" yaml:"updateStrategy"`
}

// ArchiveDestination selects where aged documents go.
type ArchiveDestination string

const (
	ArchiveSeparateCollection ArchiveDestination = "SeparateCollection"
	ArchiveColdStorage        ArchiveDestination = "ColdStorage"
	ArchiveObjectStore        ArchiveDestination = "ObjectStore"
)

// ArchivalPolicy declares the retention rule for a projected collection.
type ArchivalPolicy struct {
	Enabled            bool               `json:"enabled" yaml:"enabled"`
	ArchiveAfterDays   int                `json:"archiveAfterDays" yaml:"archiveAfterDays"`
	AgeField           string             `json:"ageField" yaml:"ageField"`
	Destination        ArchiveDestination `json:"destination" yaml:"destination"`
	TargetCollection   string             `json:"targetCollection,omitempty" yaml:"targetCollection,omitempty"`
	DeleteAfterArchive bool               `json:"deleteAfterArchive" yaml:"deleteAfterArchive"`
}

// CompressionPolicy is configuration surface only; enforcement is a stub.
type CompressionPolicy struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Algorithm string   `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Fields    []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// ValidationRule applies a JSON-schema validator to a collection.
type ValidationRule struct {
	JSONSchema map[string]interface{} `json:"jsonSchema" yaml:"jsonSchema"`
	Level      string                 `json:"level,omitempty" yaml:"level,omitempty"`   // off|moderate|strict
	Action     string                 `json:"action,omitempty" yaml:"action,omitempty"` // warn|error
}

// QueryTrackingPolicy tunes the pattern recorder and optimizer.
type QueryTrackingPolicy struct {
	Enabled             bool    `json:"enabled" yaml:"enabled"`
	SampleRate          float64 `json:"sampleRate" yaml:"sampleRate"`
	MinExecutionCount   int64   `json:"minExecutionCount" yaml:"minExecutionCount"`
	MinImpactScore      float64 `json:"minImpactScore" yaml:"minImpactScore"`
	AnalysisWindowHours int     `json:"analysisWindowHours" yaml:"analysisWindowHours"`
	AutoCreateIndexes   bool    `json:"autoCreateIndexes" yaml:"autoCreateIndexes"`
	SuggestDenormalize  bool    `json:"suggestDenormalize" yaml:"suggestDenormalize"`
}

// CachingHints is advisory read-side configuration passed through to
// consumers of the projected collections.
type CachingHints struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	TTLSeconds int  `json:"ttlSeconds" yaml:"ttlSeconds"`
}

// SmartProjectionConfig is the per-entity-type aggregate of all projection
// tuning configuration, owned by the schema subsystem.
type SmartProjectionConfig struct {
	AutoOptimize    bool                    `json:"autoOptimize" yaml:"autoOptimize"`
	Indexes         []IndexConfig           `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Denormalization []DenormalizationConfig `json:"denormalization,omitempty" yaml:"denormalization,omitempty"`
	TTLDays         int                     `json:"ttlDays,omitempty" yaml:"ttlDays,omitempty"`
	Caching         *CachingHints           `json:"caching,omitempty" yaml:"caching,omitempty"`
	Validation      *ValidationRule         `json:"validation,omitempty" yaml:"validation,omitempty"`
	Archival        *ArchivalPolicy         `json:"archival,omitempty" yaml:"archival,omitempty"`
	Compression     *CompressionPolicy      `json:"compression,omitempty" yaml:"compression,omitempty"`
	QueryTracking   *QueryTrackingPolicy    `json:"queryTracking,omitempty" yaml:"queryTracking,omitempty"`
}

// OnWriteDenormalizations filters the denormalization list down to the
// strategies applied during materialization.
func (c *SmartProjectionConfig) OnWriteDenormalizations() []DenormalizationConfig {
	if c == nil {
		return nil
	}
	var out []DenormalizationConfig
	for _, d := range c.Denormalization {
		if d.UpdateStrategy == UpdateOnWrite {
			out = append(out, d)
		}
	}
	return out
}

// Schema is the portion of a tenant module schema that the pipeline reads.
type Schema struct {
	TenantID        string                 `json:"tenantId"`
	ModuleCode      string                 `json:"moduleCode"`
	Version         int                    `json:"version"`
	Definition      map[string]interface{} `json:"definition,omitempty"`
	SmartProjection *SmartProjectionConfig `json:"smartProjection,omitempty"`
}
