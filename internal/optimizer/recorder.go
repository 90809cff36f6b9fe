// Package optimizer records observed query shapes per collection and turns
// the hot ones into index creations and denormalization suggestions.
package optimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redbco/readbridge/pkg/telemetry"
)

// Pattern is the running record of one observed query shape. Counters are
// running averages refreshed on every observation; multi-field updates are
// not atomic as a unit, so values are approximate under load.
type Pattern struct {
	PatternHash      string
	FilterFields     []string
	SortFields       []string
	ProjectionFields []string
	ExecutionCount   int64
	AvgExecutionMs   float64
	AvgDocsExamined  float64
	AvgDocsReturned  float64
	FirstDetectedAt  time.Time
	LastSeenAt       time.Time
	IndexCreated     bool
}

// Recorder accumulates query patterns keyed by (collection, patternHash).
type Recorder struct {
	metrics    *telemetry.Metrics
	sampleRate float64

	mu       sync.RWMutex
	rates    map[string]float64             // per-collection overrides
	patterns map[string]map[string]*Pattern // collection -> hash -> pattern
}

func NewRecorder(metrics *telemetry.Metrics) *Recorder {
	return &Recorder{
		metrics:    metrics,
		sampleRate: 1.0,
		rates:      make(map[string]float64),
		patterns:   make(map[string]map[string]*Pattern),
	}
}

// SetSampleRate bounds the fraction of observations recorded (0..1] for
// collections without an override of their own.
func (r *Recorder) SetSampleRate(rate float64) {
	r.mu.Lock()
	r.sampleRate = rate
	r.mu.Unlock()
}

// SetCollectionSampleRate overrides the sample rate for one collection.
// Zero drops every observation on it.
func (r *Recorder) SetCollectionSampleRate(collection string, rate float64) {
	r.mu.Lock()
	r.rates[collection] = rate
	r.mu.Unlock()
}

// RecordQuery registers one query execution against a collection.
func (r *Recorder) RecordQuery(collection string, filter, sortSpec, projectionSpec map[string]interface{}, execMs float64, docsExamined, docsReturned int64) {
	r.mu.RLock()
	rate, ok := r.rates[collection]
	if !ok {
		rate = r.sampleRate
	}
	r.mu.RUnlock()
	if rate < 1.0 && rand.Float64() >= rate {
		return
	}

	filterFields := ExtractFilterFields(filter)
	sortFields := keysOf(sortSpec)
	projectionFields := keysOf(projectionSpec)
	hash := PatternHash(filterFields, sortFields, projectionFields)
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	byHash := r.patterns[collection]
	if byHash == nil {
		byHash = make(map[string]*Pattern)
		r.patterns[collection] = byHash
	}

	p, ok := byHash[hash]
	if !ok {
		byHash[hash] = &Pattern{
			PatternHash:      hash,
			FilterFields:     filterFields,
			SortFields:       sortFields,
			ProjectionFields: projectionFields,
			ExecutionCount:   1,
			AvgExecutionMs:   execMs,
			AvgDocsExamined:  float64(docsExamined),
			AvgDocsReturned:  float64(docsReturned),
			FirstDetectedAt:  now,
			LastSeenAt:       now,
		}
	} else {
		n := float64(p.ExecutionCount)
		p.AvgExecutionMs = (p.AvgExecutionMs*n + execMs) / (n + 1)
		p.AvgDocsExamined = (p.AvgDocsExamined*n + float64(docsExamined)) / (n + 1)
		p.AvgDocsReturned = (p.AvgDocsReturned*n + float64(docsReturned)) / (n + 1)
		p.ExecutionCount++
		p.LastSeenAt = now
	}

	r.metrics.PatternsRecorded.Inc()
}

// Patterns returns a snapshot of the recorded patterns for a collection.
func (r *Recorder) Patterns(collection string) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byHash := r.patterns[collection]
	out := make([]*Pattern, 0, len(byHash))
	for _, p := range byHash {
		snapshot := *p
		out = append(out, &snapshot)
	}
	return out
}

// MarkIndexCreated flags a pattern as served by an index.
func (r *Recorder) MarkIndexCreated(collection, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.patterns[collection][hash]; ok {
		p.IndexCreated = true
	}
}

// Purge drops patterns of a collection not seen since the cutoff.
func (r *Recorder) Purge(collection string, cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for hash, p := range r.patterns[collection] {
		if p.LastSeenAt.Before(cutoff) {
			delete(r.patterns[collection], hash)
			purged++
		}
	}
	return purged
}

// ExtractFilterFields walks a filter document and returns the dotted field
// paths it references. Operator keys ($and, $or, ...) are not fields
// themselves but are recursed into, including each element of an operator's
// array value.
func ExtractFilterFields(filter map[string]interface{}) []string {
	seen := make(map[string]bool)
	walkFilter("", filter, seen)

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func walkFilter(prefix string, node map[string]interface{}, seen map[string]bool) {
	for key, value := range node {
		if strings.HasPrefix(key, "$") {
			walkFilterValue(prefix, value, seen)
			continue
		}

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		seen[path] = true
		if nested, ok := value.(map[string]interface{}); ok {
			// nested documents extend the dotted path; operator documents
			// ({$gt: ...}) recurse through the $ branch without adding keys
			walkFilter(path, nested, seen)
		}
	}
}

func walkFilterValue(prefix string, value interface{}, seen map[string]bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		walkFilter(prefix, v, seen)
	case []interface{}:
		for _, item := range v {
			walkFilterValue(prefix, item, seen)
		}
	}
}

func keysOf(spec map[string]interface{}) []string {
	if len(spec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PatternHash computes the identity of a query shape: the first 16 hex
// characters of SHA-256 over a canonical JSON object of the sorted field
// lists. Sorting makes the hash invariant to input ordering; sort direction
// is deliberately not part of the hash.
func PatternHash(filterFields, sortFields, projectionFields []string) string {
	canonical := struct {
		Filters     string `json:"filters"`
		Sorts       string `json:"sorts"`
		Projections string `json:"projections"`
	}{
		Filters:     joinSorted(filterFields),
		Sorts:       joinSorted(sortFields),
		Projections: joinSorted(projectionFields),
	}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func joinSorted(fields []string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
