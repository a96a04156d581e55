package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpipe/internal/confidence"
	"github.com/sells-group/callpipe/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRun(id, tag string, started time.Time, deg model.Degradation) *model.AggregateResult {
	return &model.AggregateResult{
		RunID:     id,
		Tag:       tag,
		StartedAt: started,
		Duration:  120,
		Steps: map[string]model.StepResult{
			"summary": {
				Name:        "summary",
				Status:      model.StepStatusCompleted,
				Degradation: model.DegradationNone,
				Attempts:    1,
				Output: &model.Output{
					Fields:     map[string]any{"summary": "Customer booked a repair."},
					Confidence: confidence.Aggregate(map[string]float64{"completeness": 0.9}),
				},
			},
		},
		Executed:      []string{"summary"},
		Warnings:      []string{},
		Degradation:   deg,
		Usage:         model.TokenUsage{InputTokens: 900, OutputTokens: 120},
		EstimatedCost: 0.0012,
	}
}

func TestSQLite_SaveAndGetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := testRun("run-1", "service_quote", time.Now().UTC(), model.DegradationNone)
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "service_quote", got.Tag)
	assert.Equal(t, 900, got.Usage.InputTokens)
	assert.InDelta(t, 0.0012, got.EstimatedCost, 1e-9)
	require.Contains(t, got.Steps, "summary")
	assert.Equal(t, "Customer booked a repair.", got.Steps["summary"].Output.Fields["summary"])
	assert.Equal(t, confidence.LevelHigh, got.Steps["summary"].Output.Confidence.Level)
}

func TestSQLite_SaveRun_Replaces(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := testRun("run-1", "service_quote", time.Now().UTC(), model.DegradationNone)
	require.NoError(t, st.SaveRun(ctx, run))

	run.Degradation = model.DegradationSevere
	run.Aborted = true
	require.NoError(t, st.SaveRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Aborted)
	assert.Equal(t, model.DegradationSevere, got.Degradation)

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_SaveRun_MissingID(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.Error(t, st.SaveRun(context.Background(), &model.AggregateResult{}))
	assert.Error(t, st.SaveRun(context.Background(), nil))
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRun(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveRun(ctx, testRun("a", "service_quote", base, model.DegradationNone)))
	require.NoError(t, st.SaveRun(ctx, testRun("b", "support_issue", base.Add(time.Minute), model.DegradationModerate)))
	require.NoError(t, st.SaveRun(ctx, testRun("c", "service_quote", base.Add(2*time.Minute), model.DegradationSevere)))

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all newest first", RunFilter{}, []string{"c", "b", "a"}},
		{"by tag", RunFilter{Tag: "service_quote"}, []string{"c", "a"}},
		{"by degradation", RunFilter{Degradation: model.DegradationModerate}, []string{"b"}},
		{"limit", RunFilter{Limit: 2}, []string{"c", "b"}},
		{"offset", RunFilter{Limit: 2, Offset: 2}, []string{"a"}},
		{"no match", RunFilter{Tag: "sales_inquiry"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := st.ListRuns(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, r := range runs {
				ids = append(ids, r.RunID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Migrate(context.Background()))
}
