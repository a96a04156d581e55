package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/confidence"
)

// StepStatus is the terminal state of a step within one run.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusDegraded  StepStatus = "degraded"
	StepStatusFailed    StepStatus = "failed"
)

// Degradation describes how much a result relied on fallback.
type Degradation string

const (
	DegradationNone     Degradation = "none"
	DegradationMinimal  Degradation = "minimal"
	DegradationModerate Degradation = "moderate"
	DegradationSevere   Degradation = "severe"
)

func (d Degradation) rank() int {
	switch d {
	case DegradationMinimal:
		return 1
	case DegradationModerate:
		return 2
	case DegradationSevere:
		return 3
	default:
		return 0
	}
}

// Worse returns the more severe of d and other.
func (d Degradation) Worse(other Degradation) Degradation {
	if other.rank() > d.rank() {
		return other
	}
	if d == "" {
		return DegradationNone
	}
	return d
}

// ErrorKind is the step-level error taxonomy.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindParse       ErrorKind = "parse"
	ErrorKindUpstreamAPI ErrorKind = "upstream_api"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// TokenUsage tracks provider consumption reported by a step.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}

// Total returns input plus output tokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}

// Output is a step's payload. Fields hold the step-specific shape.
type Output struct {
	Fields     map[string]any   `json:"fields"`
	Confidence confidence.Score `json:"confidence"`
	Usage      TokenUsage       `json:"usage"`
	Model      string           `json:"model,omitempty"`
}

// MinimalOutput is the last-resort degraded payload: no fields, zero confidence.
func MinimalOutput() *Output {
	return &Output{
		Fields:     map[string]any{},
		Confidence: confidence.Aggregate(map[string]float64{"fallback": 0}),
	}
}

// Clone returns a deep copy via JSON round-trip.
func (o *Output) Clone() (*Output, error) {
	if o == nil {
		return nil, nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal output")
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal output")
	}
	return &out, nil
}

// StepResult is the terminal outcome of one step in one run.
type StepResult struct {
	Name        string      `json:"name"`
	Status      StepStatus  `json:"status"`
	Degradation Degradation `json:"degradation"`
	Output      *Output     `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   ErrorKind   `json:"error_kind,omitempty"`
	Attempts    int         `json:"attempts"`
	Duration    int64       `json:"duration_ms"`
	FromCache   bool        `json:"from_cache,omitempty"`
	Critical    bool        `json:"critical,omitempty"`
}

// AggregateResult is the outbound result of a pipeline run.
type AggregateResult struct {
	RunID         string                `json:"run_id"`
	Tag           string                `json:"tag"`
	StartedAt     time.Time             `json:"started_at"`
	Duration      int64                 `json:"duration_ms"`
	Steps         map[string]StepResult `json:"steps"`
	Executed      []string              `json:"executed"`
	NotRun        []string              `json:"not_run,omitempty"`
	Warnings      []string              `json:"warnings"`
	Degradation   Degradation           `json:"degradation"`
	Aborted       bool                  `json:"aborted"`
	AbortedBy     string                `json:"aborted_by,omitempty"`
	Usage         TokenUsage            `json:"usage"`
	EstimatedCost float64               `json:"estimated_cost"`
}

// FullyCompleted reports whether every recorded step completed without fallback.
func (a *AggregateResult) FullyCompleted() bool {
	if a.Aborted {
		return false
	}
	for _, s := range a.Steps {
		if s.Status != StepStatusCompleted {
			return false
		}
	}
	return true
}
