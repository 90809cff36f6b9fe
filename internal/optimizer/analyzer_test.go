package optimizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/readbridge/internal/schema"
	"github.com/redbco/readbridge/pkg/logger"
	"github.com/redbco/readbridge/pkg/telemetry"
)

type fakeEnsurer struct {
	keys     map[string][]string
	created  []schema.IndexConfig
	listErr  error
	keyCalls int
}

func (f *fakeEnsurer) IndexKeys(ctx context.Context, collection string) (map[string][]string, error) {
	f.keyCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.keys == nil {
		return map[string][]string{}, nil
	}
	return f.keys, nil
}

func (f *fakeEnsurer) CreateAuto(ctx context.Context, collection string, idx schema.IndexConfig) error {
	f.created = append(f.created, idx)
	return nil
}

func newTestAnalyzer(t *testing.T, ensurer *fakeEnsurer) (*Analyzer, *Recorder) {
	t.Helper()
	r := NewRecorder(telemetry.New())
	a := NewAnalyzer(r, ensurer, logger.New("optimizer-test", "test"), telemetry.New())
	return a, r
}

func record(r *Recorder, collection string, filter map[string]interface{}, times int, execMs float64, examined, returned int64) {
	for i := 0; i < times; i++ {
		r.RecordQuery(collection, filter, nil, nil, execMs, examined, returned)
	}
}

func TestAnalyzeCreatesIndexForHotPattern(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)

	// hot, inefficient and slow: well past the impact threshold
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 2500, 250, 100000, 10)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))

	require.Len(t, ensurer.created, 1)
	idx := ensurer.created[0]
	assert.Equal(t, schema.IndexCompound, idx.Type)
	assert.True(t, idx.AutoGenerated)
	assert.Equal(t, "auto_"+PatternHash([]string{"status"}, nil, nil), idx.Name)
	require.Len(t, idx.Fields, 1)
	assert.Equal(t, "status", idx.Fields[0].Field)

	// the pattern is now marked served
	assert.True(t, r.Patterns("full_Order")[0].IndexCreated)
}

func TestAnalyzeExecutionThresholdIsExclusive(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)

	// exactly at the threshold: never considered, the index list is not
	// even loaded
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 100, 500, 100000, 1)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))
	assert.Empty(t, ensurer.created)
	assert.Equal(t, 0, ensurer.keyCalls)
}

func TestAnalyzeConsidersPatternJustPastThreshold(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)

	// one past the threshold: the pattern becomes a candidate and the index
	// list is loaded for the coverage check, but at this frequency the
	// impact score stays below the creation bar
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 101, 500, 100000, 1)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))
	assert.Equal(t, 1, ensurer.keyCalls)
	assert.Empty(t, ensurer.created)
}

func TestAnalyzeLowImpactPatternSkipped(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)

	// frequent but fast and efficient
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 150, 1, 10, 10)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))
	assert.Empty(t, ensurer.created)
}

func TestAnalyzeSkipsCoveredPattern(t *testing.T) {
	ensurer := &fakeEnsurer{keys: map[string][]string{
		"ix_status_createdAt": {"status", "createdAt"},
	}}
	a, r := newTestAnalyzer(t, ensurer)

	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 2500, 250, 100000, 10)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))

	assert.Empty(t, ensurer.created)
	assert.True(t, r.Patterns("full_Order")[0].IndexCreated)
}

func TestAnalyzeRespectsWindow(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)
	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}

	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))
	_, analyzed := a.LastAnalysis("full_Order")
	require.True(t, analyzed)

	// a hot pattern arriving inside the window is not acted on yet
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 2500, 250, 100000, 10)
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))
	assert.Empty(t, ensurer.created)
}

func TestAnalyzeDisabled(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)
	record(r, "full_Order", map[string]interface{}{"status": "Open"}, 2500, 250, 100000, 10)

	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", nil))
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order",
		&schema.SmartProjectionConfig{AutoOptimize: false}))

	assert.Empty(t, ensurer.created)
	_, analyzed := a.LastAnalysis("full_Order")
	assert.False(t, analyzed)
}

func TestAnalyzeSuggestsDenormalization(t *testing.T) {
	ensurer := &fakeEnsurer{}
	a, r := newTestAnalyzer(t, ensurer)

	// expensive lookups on a foreign-key-shaped field
	record(r, "full_Order", map[string]interface{}{"CustomerId": "c1"}, 60, 80, 500, 5)
	// primary key lookups never produce suggestions
	record(r, "full_Order", map[string]interface{}{"Id": "o1"}, 60, 80, 500, 5)

	cfg := &schema.SmartProjectionConfig{AutoOptimize: true}
	require.NoError(t, a.AnalyzeAndOptimize(context.Background(), "full_Order", cfg))

	suggestions := a.Suggestions()
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	assert.Equal(t, "full_Order", s.Collection)
	assert.Equal(t, "CustomerId", s.ForeignKey)
	assert.Equal(t, "Customer", s.SourceEntity)
	assert.Equal(t, int64(60), s.CombinedCount)
	assert.InDelta(t, 80.0, s.AvgLatencyMs, 0.001)
}

func TestEstimatedImpact(t *testing.T) {
	tests := []struct {
		name string
		p    Pattern
		want float64
	}{
		{
			name: "mid-range factors multiply",
			p:    Pattern{ExecutionCount: 2000, AvgDocsExamined: 5000, AvgDocsReturned: 10, AvgExecutionMs: 250},
			want: 2 * 10 * 2.5,
		},
		{
			name: "all factors capped at ten",
			p:    Pattern{ExecutionCount: 1000000, AvgDocsExamined: 1e9, AvgDocsReturned: 1, AvgExecutionMs: 1e6},
			want: 1000,
		},
		{
			name: "zero returned documents clamps to one",
			p:    Pattern{ExecutionCount: 1000, AvgDocsExamined: 5, AvgDocsReturned: 0, AvgExecutionMs: 100},
			want: 1 * 5 * 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimatedImpact(&tt.p), 0.001)
		})
	}
}

func TestProposeIndexOrdersFilterBeforeSort(t *testing.T) {
	p := &Pattern{
		PatternHash:  "abc123",
		FilterFields: []string{"status", "tenantId"},
		SortFields:   []string{"createdAt", "status"},
	}

	idx := proposeIndex(p)
	assert.Equal(t, "auto_abc123", idx.Name)
	require.Len(t, idx.Fields, 3)
	assert.Equal(t, "status", idx.Fields[0].Field)
	assert.Equal(t, "tenantId", idx.Fields[1].Field)
	assert.Equal(t, "createdAt", idx.Fields[2].Field)
}

func TestCoveredBy(t *testing.T) {
	existing := map[string][]string{
		"ix_a":  {"tenantId"},
		"ix_ab": {"tenantId", "status"},
	}

	assert.True(t, coveredBy(existing, []string{"status"}))
	assert.True(t, coveredBy(existing, []string{"tenantId", "status"}))
	assert.False(t, coveredBy(existing, []string{"tenantId", "createdAt"}))
	assert.False(t, coveredBy(map[string][]string{}, []string{"tenantId"}))
}
