package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/completion"
	"github.com/sells-group/callpipe/internal/completion/mocks"
	"github.com/sells-group/callpipe/internal/confidence"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/prompt"
	"github.com/sells-group/callpipe/internal/registry"
)

func testContext() *model.RequestContext {
	return model.NewRequestContext("run-1", "service_quote", model.Input{
		Utterances: []model.Utterance{
			{Speaker: "A", Text: "Thanks for calling Acme Plumbing.", Start: 0, End: 2, Confidence: 0.9},
			{Speaker: "B", Text: "Hi, my water heater is leaking. Reach me at jane@example.com or 555-123-4567.", Start: 2, End: 6, Confidence: 0.7},
			{Speaker: "A", Text: "A replacement runs $1,250.00 plus $85 for the visit.", Start: 6, End: 9, Confidence: 0.8},
		},
		Metadata: model.CallMetadata{
			DurationSecs: 312,
			CustomerName: "Jane Doe",
			CallTime:     time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC),
			Timezone:     "America/Chicago",
		},
	})
}

func mustNew(t *testing.T, kind agent.Kind, p completion.Provider, opts Options) agent.Agent {
	t.Helper()
	a, err := New(kind, p, opts)
	require.NoError(t, err)
	return a
}

func respond(text string) *completion.Response {
	return &completion.Response{
		Text:  text,
		Model: "claude-haiku-4-5-20251001",
		Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func TestNew_EveryKind(t *testing.T) {
	for _, k := range agent.Kinds() {
		a := mustNew(t, k, mocks.NewMockProvider(t), Options{})
		d := a.Descriptor()
		assert.Equal(t, k.String(), d.Name)
		assert.Equal(t, k, d.Kind)
		assert.Equal(t, "v1", d.Version)
		assert.Positive(t, d.Config.Timeout, d.Name)
		assert.True(t, d.Config.RetryOnFailure, d.Name)
	}

	_, err := New(agent.Kind(99), nil, Options{})
	assert.Error(t, err)
}

func TestNew_Policies(t *testing.T) {
	p := mocks.NewMockProvider(t)
	assert.True(t, mustNew(t, agent.KindConsistencyValidation, p, Options{}).Descriptor().Config.Critical)
	assert.True(t, mustNew(t, agent.KindRoleIdentification, p, Options{}).Descriptor().Config.Parallel)

	sum := mustNew(t, agent.KindSummary, p, Options{}).Descriptor()
	assert.Equal(t, []string{"consistency_validation"}, sum.Dependencies)
	assert.Contains(t, sum.Inputs(), "pricing_extraction")

	assert.Equal(t, 5*time.Second, mustNew(t, agent.KindSummary, p, Options{Timeout: 5 * time.Second}).Descriptor().Config.Timeout)
}

func TestRegisterDefaults(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterDefaults(reg, mocks.NewMockProvider(t), Options{}))
	assert.Equal(t, len(agent.Kinds()), reg.Len())
	assert.True(t, reg.Has("call_classification"))
}

func TestExecute_Pricing(t *testing.T) {
	p := mocks.NewMockProvider(t)
	p.On("Complete", mock.Anything, mock.MatchedBy(func(req completion.Request) bool {
		return req.Step == "pricing_extraction" &&
			req.MaxTokens == 768 &&
			assert.Contains(t, req.Prompt, "B: Hi, my water heater is leaking.") &&
			assert.Contains(t, req.Prompt, "- customer: Jane Doe") &&
			assert.Contains(t, req.System, "Extract every price")
	})).Return(respond("```json\n{\"quotes\":[{\"item\":\"water heater\",\"amount\":1250},{\"item\":\"visit\",\"amount\":85}]}\n```"), nil)

	out, err := mustNew(t, agent.KindPricingExtraction, p, Options{}).Execute(context.Background(), testContext())
	require.NoError(t, err)
	require.NoError(t, agent.ValidateOutput("pricing_extraction", out))

	assert.Equal(t, "USD", out.Fields["currency"])
	assert.InDelta(t, 1335.0, out.Fields["total"], 0.001)
	assert.Len(t, out.Fields["quotes"], 2)
	assert.Equal(t, "claude-haiku-4-5-20251001", out.Model)
	assert.Equal(t, 100, out.Usage.InputTokens)
	assert.Contains(t, out.Confidence.Factors, "transcript_quality")
	assert.InDelta(t, 0.8, out.Confidence.Factors["transcript_quality"], 0.001)
}

func TestExecute_IncludesEarlierResults(t *testing.T) {
	rc := testContext()
	require.NoError(t, rc.Record(model.StepResult{
		Name:   "role_identification",
		Status: model.StepStatusCompleted,
		Output: &model.Output{Fields: map[string]any{"agent": "A"}},
	}))

	p := mocks.NewMockProvider(t)
	p.On("Complete", mock.Anything, mock.MatchedBy(func(req completion.Request) bool {
		return assert.Contains(t, req.Prompt, `role_identification: {"agent":"A"}`)
	})).Return(respond(`{"name":"Jane","email":"JANE@EXAMPLE.COM"}`), nil)

	out, err := mustNew(t, agent.KindCustomerInfoExtraction, p, Options{}).Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", out.Fields["email"])
}

func TestExecute_OptimizerApplied(t *testing.T) {
	p := mocks.NewMockProvider(t)
	p.On("Complete", mock.Anything, mock.MatchedBy(func(req completion.Request) bool {
		return req.System == "shortened"
	})).Return(respond(`{"summary":"ok"}`), nil)

	rc := testContext()
	_, err := mustNew(t, agent.KindSummary, p, Options{Optimizer: fixedOptimizer("shortened")}).Execute(context.Background(), rc)
	require.NoError(t, err)
}

type fixedOptimizer string

func (f fixedOptimizer) Optimize(string) string { return string(f) }

var _ prompt.Optimizer = fixedOptimizer("")

func TestExecute_ProviderErrorPassesThrough(t *testing.T) {
	upstream := &agent.UpstreamError{Status: 503, Err: errors.New("unavailable")}
	p := mocks.NewMockProvider(t)
	p.On("Complete", mock.Anything, mock.Anything).Return(nil, upstream)

	a := mustNew(t, agent.KindIssueExtraction, p, Options{})
	_, err := a.Execute(context.Background(), testContext())
	require.ErrorIs(t, err, upstream)

	info := a.ClassifyError(err)
	assert.Equal(t, model.ErrorKindUpstreamAPI, info.Kind)
	assert.True(t, info.Recoverable)
}

func TestExecute_ParseError(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json", "I could not find any prices."},
		{"broken json", `{"quotes": [`},
		{"wrong type", `{"quotes": "none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mocks.NewMockProvider(t)
			p.On("Complete", mock.Anything, mock.Anything).Return(respond(tt.text), nil)

			a := mustNew(t, agent.KindPricingExtraction, p, Options{})
			_, err := a.Execute(context.Background(), testContext())
			var pe *agent.ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.text, pe.Raw)
			assert.Equal(t, model.ErrorKindParse, a.ClassifyError(err).Kind)
		})
	}
}

func TestSalvage(t *testing.T) {
	rc := testContext()
	parseErr := &agent.ParseError{Step: "x", Raw: "The caller was happy with the quote.", Err: errors.New("no json")}

	pricing, ok := mustNew(t, agent.KindPricingExtraction, nil, Options{}).Salvage(rc, parseErr)
	require.True(t, ok)
	assert.Len(t, pricing.Fields["quotes"], 2)
	assert.InDelta(t, 1335.0, pricing.Fields["total"], 0.001)
	assert.Contains(t, pricing.Confidence.Factors, "salvaged")

	cust, ok := mustNew(t, agent.KindCustomerInfoExtraction, nil, Options{}).Salvage(rc, parseErr)
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", cust.Fields["email"])
	assert.Equal(t, "555-123-4567", cust.Fields["phone"])
	assert.Equal(t, "Jane Doe", cust.Fields["name"])

	roles, ok := mustNew(t, agent.KindRoleIdentification, nil, Options{}).Salvage(rc, parseErr)
	require.True(t, ok)
	assert.Equal(t, "A", roles.Fields["agent"])

	sum, ok := mustNew(t, agent.KindSummary, nil, Options{}).Salvage(rc, parseErr)
	require.True(t, ok)
	assert.Equal(t, "The caller was happy with the quote.", sum.Fields["summary"])

	temporal, ok := mustNew(t, agent.KindTemporalResolution, nil, Options{}).Salvage(rc, parseErr)
	require.True(t, ok)
	assert.Equal(t, "2026-03-02T15:04:05Z", temporal.Fields["call_time"])

	_, ok = mustNew(t, agent.KindIssueExtraction, nil, Options{}).Salvage(rc, parseErr)
	assert.False(t, ok, "issue extraction has no salvage path")

	_, ok = mustNew(t, agent.KindPricingExtraction, nil, Options{}).Salvage(rc, errors.New("timeout"))
	assert.False(t, ok, "only parse errors are salvaged")
}

func TestDefaultOutput(t *testing.T) {
	for _, k := range agent.Kinds() {
		out := mustNew(t, k, nil, Options{}).DefaultOutput()
		if k == agent.KindConsistencyValidation {
			assert.Nil(t, out, "critical validation has no static default")
			continue
		}
		require.NotNil(t, out, k.String())
		assert.Equal(t, confidence.LevelLow, out.Confidence.Level, k.String())
		assert.NotNil(t, out.Fields, k.String())
	}
}

func TestDefaults_Normalize(t *testing.T) {
	rc := testContext()

	cls := &Classification{Tag: " Service_Quote "}
	callClassification().defaults(rc, cls)
	assert.Equal(t, "service_quote", cls.Tag)

	odd := &Classification{Tag: "weather"}
	callClassification().defaults(rc, odd)
	assert.Equal(t, TagUnknown, odd.Tag)

	roles := &Roles{Speakers: map[string]string{"A": "AGENT", "B": "customer", "C": "robot"}}
	roleIdentification().defaults(rc, roles)
	assert.Equal(t, "A", roles.Agent)
	assert.Equal(t, "B", roles.Customer)
	assert.Equal(t, "other", roles.Speakers["C"])

	next := &NextSteps{Actions: []Action{{Description: "  "}, {Description: "send invoice", Owner: "boss"}}}
	nextStepsExtraction().defaults(rc, next)
	require.Len(t, next.Actions, 1)
	assert.Equal(t, "agent", next.Actions[0].Owner)
	assert.True(t, next.FollowUpRequired)

	cons := &Consistency{Consistent: true, Issues: []string{"price mismatch"}}
	consistencyValidation().defaults(rc, cons)
	assert.False(t, cons.Consistent)

	appt := &Appointment{Date: "2026-03-03", Time: "09:00"}
	appointmentExtraction().defaults(rc, appt)
	assert.True(t, appt.Scheduled)

	issue := &Issue{Severity: "CRITICAL"}
	issueExtraction().defaults(rc, issue)
	assert.Equal(t, "medium", issue.Severity)
	assert.Equal(t, "general", issue.Category)
}

func TestSummaryConfidence_UsesValidation(t *testing.T) {
	rc := testContext()
	require.NoError(t, rc.Record(model.StepResult{
		Name:   "consistency_validation",
		Status: model.StepStatusCompleted,
		Output: &model.Output{Fields: map[string]any{"consistent": true}},
	}))
	f := summary().factors(rc, &Summary{Summary: "ok"})
	assert.Equal(t, 1.0, f["validated"])
	assert.Equal(t, 1.0, f["has_summary"])
}

func TestRender_TranscriptFallback(t *testing.T) {
	rc := model.NewRequestContext("r", "", model.Input{Transcript: "raw text only"})
	out := render(rc, []string{"role_identification"})
	assert.Contains(t, out, "raw text only")
	assert.NotContains(t, out, "Earlier results")
	assert.NotContains(t, out, "classification:")
}
