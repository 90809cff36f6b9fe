package optimizer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

// Auto-creation thresholds. A pattern qualifies strictly above the
// execution threshold, and an index proposal is applied strictly above the
// impact threshold.
const (
	autoIndexMinExecutions  = 100
	autoIndexMinImpact      = 50.0
	denormalizeMinCombined  = 50
	denormalizeMinLatencyMs = 50.0
)

const defaultAnalysisWindow = 24 * time.Hour

// IndexEnsurer is the catalog surface the analyzer drives.
type IndexEnsurer interface {
	IndexKeys(ctx context.Context, collection string) (map[string][]string, error)
	CreateAuto(ctx context.Context, collection string, idx schema.IndexConfig) error
}

// Suggestion is an emitted denormalization proposal. Applying it is a
// configuration change made by an operator, never automatic.
type Suggestion struct {
	Collection     string
	ForeignKey     string
	SourceEntity   string
	CombinedCount  int64
	AvgLatencyMs   float64
	SuggestedAt    time.Time
	PatternsJoined int
}

// Analyzer runs periodic optimization passes over recorded patterns.
// Passes for the same collection must not run concurrently; the caller
// serializes per collection.
type Analyzer struct {
	recorder *Recorder
	catalog  IndexEnsurer
	logger   *logger.Logger
	metrics  *telemetry.Metrics

	mu           sync.Mutex
	lastAnalysis map[string]time.Time
	suggestions  []Suggestion
}

func NewAnalyzer(recorder *Recorder, catalog IndexEnsurer, log *logger.Logger, metrics *telemetry.Metrics) *Analyzer {
	return &Analyzer{
		recorder:     recorder,
		catalog:      catalog,
		logger:       log,
		metrics:      metrics,
		lastAnalysis: make(map[string]time.Time),
	}
}

// AnalyzeAndOptimize runs one optimization pass for a collection. It is a
// no-op when auto-optimization is off or the collection was analyzed within
// the configured window. The analysis timestamp is recorded regardless of
// whether any action was taken.
func (a *Analyzer) AnalyzeAndOptimize(ctx context.Context, collection string, cfg *schema.SmartProjectionConfig) error {
	if cfg == nil || !cfg.AutoOptimize {
		return nil
	}

	window := defaultAnalysisWindow
	tracking := cfg.QueryTracking
	if tracking != nil && tracking.AnalysisWindowHours > 0 {
		window = time.Duration(tracking.AnalysisWindowHours) * time.Hour
	}

	a.mu.Lock()
	if last, ok := a.lastAnalysis[collection]; ok && time.Since(last) < window {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	patterns := a.recorder.Patterns(collection)

	if tracking == nil || tracking.AutoCreateIndexes {
		if err := a.autoCreateIndexes(ctx, collection, patterns); err != nil {
			a.logger.Warnf("index auto-creation pass for %s failed: %v", collection, err)
		}
	}

	if tracking == nil || tracking.SuggestDenormalize {
		a.suggestDenormalizations(collection, patterns)
	}

	purged := a.recorder.Purge(collection, time.Now().UTC().Add(-window))
	if purged > 0 {
		a.logger.Debugf("purged %d stale query patterns from %s", purged, collection)
	}

	a.mu.Lock()
	a.lastAnalysis[collection] = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *Analyzer) autoCreateIndexes(ctx context.Context, collection string, patterns []*Pattern) error {
	var existing map[string][]string
	for _, p := range patterns {
		if p.ExecutionCount <= autoIndexMinExecutions || p.IndexCreated {
			continue
		}
		if len(p.FilterFields) == 0 {
			continue
		}

		// lazy-load the index list only when a candidate pattern exists
		if existing == nil {
			keys, err := a.catalog.IndexKeys(ctx, collection)
			if err != nil {
				return err
			}
			existing = keys
		}

		if coveredBy(existing, p.FilterFields) {
			a.recorder.MarkIndexCreated(collection, p.PatternHash)
			continue
		}

		impact := EstimatedImpact(p)
		if impact <= autoIndexMinImpact {
			continue
		}

		idx := proposeIndex(p)
		if err := a.catalog.CreateAuto(ctx, collection, idx); err != nil {
			a.logger.Warnf("failed to auto-create index %s on %s: %v", idx.Name, collection, err)
			continue
		}
		a.logger.Infof("auto-created index %s on %s (impact %.1f, %d executions)",
			idx.Name, collection, impact, p.ExecutionCount)
		a.metrics.IndexesAutoMade.Inc()
		a.recorder.MarkIndexCreated(collection, p.PatternHash)
		existing[idx.Name] = fieldNames(idx)
	}
	return nil
}

// coveredBy reports whether some existing index's key set is a superset of
// the pattern's filter fields. Key order and operator semantics (range vs
// equality) are ignored; this is a heuristic approximation, not a
// correctness guarantee.
func coveredBy(existing map[string][]string, filterFields []string) bool {
	for _, keys := range existing {
		keySet := make(map[string]bool, len(keys))
		for _, k := range keys {
			keySet[k] = true
		}
		covered := true
		for _, f := range filterFields {
			if !keySet[f] {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// proposeIndex builds a compound index proposal: filter fields first, then
// sort fields not already included.
func proposeIndex(p *Pattern) schema.IndexConfig {
	var fields []schema.IndexField
	included := make(map[string]bool)
	for _, f := range p.FilterFields {
		fields = append(fields, schema.IndexField{Field: f, Direction: schema.Ascending})
		included[f] = true
	}
	for _, s := range p.SortFields {
		if !included[s] {
			fields = append(fields, schema.IndexField{Field: s, Direction: schema.Ascending})
			included[s] = true
		}
	}

	return schema.IndexConfig{
		Name:          "auto_" + p.PatternHash,
		Fields:        fields,
		Type:          schema.IndexCompound,
		AutoGenerated: true,
	}
}

// EstimatedImpact scores a pattern by frequency, scan inefficiency, and
// latency, each capped at 10.
func EstimatedImpact(p *Pattern) float64 {
	frequency := min(float64(p.ExecutionCount)/1000.0, 10)
	inefficiency := min(p.AvgDocsExamined/max(p.AvgDocsReturned, 1), 10)
	latency := min(p.AvgExecutionMs/100.0, 10)
	return frequency * inefficiency * latency
}

// suggestDenormalizations groups patterns filtering on foreign-key-shaped
// fields and records a suggestion for the expensive groups.
func (a *Analyzer) suggestDenormalizations(collection string, patterns []*Pattern) {
	type group struct {
		count    int64
		totalMs  float64
		patterns int
	}
	groups := make(map[string]*group)

	for _, p := range patterns {
		for _, f := range p.FilterFields {
			if !isForeignKeyField(f) {
				continue
			}
			g := groups[f]
			if g == nil {
				g = &group{}
				groups[f] = g
			}
			g.count += p.ExecutionCount
			g.totalMs += p.AvgExecutionMs * float64(p.ExecutionCount)
			g.patterns++
		}
	}

	for field, g := range groups {
		avgMs := g.totalMs / float64(g.count)
		if g.count <= denormalizeMinCombined || avgMs <= denormalizeMinLatencyMs {
			continue
		}
		s := Suggestion{
			Collection:     collection,
			ForeignKey:     field,
			SourceEntity:   strings.TrimSuffix(field, "Id"),
			CombinedCount:  g.count,
			AvgLatencyMs:   avgMs,
			SuggestedAt:    time.Now().UTC(),
			PatternsJoined: g.patterns,
		}
		a.mu.Lock()
		a.suggestions = append(a.suggestions, s)
		a.mu.Unlock()
		a.logger.Infof("denormalization suggested on %s: embed %s via %s (%d executions, avg %.0fms)",
			collection, s.SourceEntity, field, g.count, avgMs)
	}
}

// isForeignKeyField matches the {Entity}Id convention while excluding the
// primary key field itself.
func isForeignKeyField(field string) bool {
	if field == "Id" || field == "_id" || field == "id" {
		return false
	}
	return strings.HasSuffix(field, "Id") && len(field) > 2
}

// Suggestions returns all emitted denormalization suggestions.
func (a *Analyzer) Suggestions() []Suggestion {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Suggestion, len(a.suggestions))
	copy(out, a.suggestions)
	return out
}

// LastAnalysis returns when a collection was last analyzed.
func (a *Analyzer) LastAnalysis(collection string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastAnalysis[collection]
	return t, ok
}

func fieldNames(idx schema.IndexConfig) []string {
	names := make([]string, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		names = append(names, f.Field)
	}
	return names
}

