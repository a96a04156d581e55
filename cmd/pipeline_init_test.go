//go:build !integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpipe/internal/completion"
	"github.com/sells-group/callpipe/internal/completion/mocks"
	"github.com/sells-group/callpipe/internal/config"
	"github.com/sells-group/callpipe/internal/metrics"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/resilience"
	"github.com/sells-group/callpipe/internal/store"
)

// testConfig loads defaults from an empty directory and points the store at
// a temp SQLite file. It swaps the package-level cfg for the test.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	c, err := config.Load()
	require.NoError(t, err)
	c.Anthropic.Key = "test-key"
	c.Store.DatabaseURL = filepath.Join(dir, "runs.db")
	c.Retry.InitialBackoffMs = 1
	c.Retry.MaxBackoffMs = 2
	c.Pipeline.DefaultTimeoutSecs = 5

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func jsonProvider(t *testing.T) *mocks.MockProvider {
	p := mocks.NewMockProvider(t)
	p.On("Complete", mock.Anything, mock.Anything).Return(&completion.Response{
		Text:  "{}",
		Model: "claude-haiku-4-5-20251001",
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}, nil).Maybe()
	return p
}

func testInput() model.Input {
	return model.Input{
		Transcript: "A: Thanks for calling.\nB: I need a quote for a new water heater.",
		Metadata: model.CallMetadata{
			DurationSecs: 95,
			CallTime:     time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC),
			Timezone:     "America/Chicago",
		},
	}
}

func TestBuildPipeline_RunsAndPersists(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	env, err := buildPipeline(ctx, c, jsonProvider(t), st, nil)
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Cache, "cache is enabled by default")
	assert.Nil(t, env.batcher, "batching is off with a zero window")
	assert.NotNil(t, env.Metrics.Handler())

	result, err := env.Orchestrator.Run(ctx, "service_quote", testInput())
	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "service_quote", result.Tag)
	assert.NotEmpty(t, result.Steps)

	stored, err := st.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, result.Tag, stored.Tag)
	assert.Equal(t, result.Degradation, stored.Degradation)
}

func TestBuildPipeline_NoPersistWithoutStore(t *testing.T) {
	c := testConfig(t)
	c.Cache.Enabled = false
	c.Batch.WindowMs = 5

	env, err := buildPipeline(context.Background(), c, jsonProvider(t), nil, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Cache)
	assert.NotNil(t, env.batcher)

	result, err := env.Orchestrator.Run(context.Background(), "support_issue", testInput())
	require.NoError(t, err)
	assert.Equal(t, "support_issue", result.Tag)
}

func TestBuildPipeline_RedisTier(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c := testConfig(t)
	c.Cache.RedisAddr = mr.Addr()

	env, err := buildPipeline(context.Background(), c, jsonProvider(t), nil, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.redis)
}

func TestBuildPipeline_RedisUnavailableFallsBack(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	c := testConfig(t)
	c.Cache.RedisAddr = addr

	env, err := buildPipeline(context.Background(), c, jsonProvider(t), nil, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.redis)
	assert.NotNil(t, env.Cache)
}

func TestBuildPipeline_RoutingTable(t *testing.T) {
	c := testConfig(t)
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("warranty_claim:\n  - name: issue_extraction\n    criticality: critical\n"), 0o644))
	c.Routing.TablePath = path

	env, err := buildPipeline(context.Background(), c, jsonProvider(t), nil, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []string{"warranty_claim"}, env.Orchestrator.Planner().Tags())
}

func TestBuildPipeline_BadRoutingTable(t *testing.T) {
	c := testConfig(t)
	c.Routing.TablePath = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := buildPipeline(context.Background(), c, jsonProvider(t), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load routing table")
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLite(t *testing.T) {
	testConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	_, err = st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInitPipeline_ValidatesConfig(t *testing.T) {
	c := testConfig(t)
	c.Anthropic.Key = ""

	_, err := initPipeline(context.Background(), "run", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestReadInput(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "call.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"transcript":"A: hello","metadata":{"duration_secs":12}}`), 0o644))
	in, err := readInput(good)
	require.NoError(t, err)
	assert.Equal(t, "A: hello", in.Transcript)
	assert.Equal(t, 12.0, in.Metadata.DurationSecs)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o644))
	_, err = readInput(empty)
	assert.ErrorContains(t, err, "neither transcript nor utterances")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o644))
	_, err = readInput(bad)
	assert.ErrorContains(t, err, "parse input")

	_, err = readInput(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "read input")
}

func TestRecoveryOutcome_RecordsStrategy(t *testing.T) {
	rec := metrics.New()
	hook := recoveryOutcome(rec)
	hook("summary", resilience.StrategyInvoke)
	hook("summary", resilience.StrategyDefault)
	hook("summary", resilience.StrategyDefault)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `callpipe_step_recoveries_total{step="summary",strategy="default"} 2`)
	assert.Contains(t, w.Body.String(), `callpipe_step_recoveries_total{step="summary",strategy="invoke"} 1`)
}
