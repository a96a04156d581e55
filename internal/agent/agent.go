// Package agent defines the contract every extraction step implements and the
// free helpers shared by all step kinds.
package agent

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/model"
)

// Kind is the closed set of step kinds the pipeline knows how to run.
type Kind int

const (
	KindRoleIdentification Kind = iota + 1
	KindTemporalResolution
	KindCallClassification
	KindAppointmentExtraction
	KindPricingExtraction
	KindIssueExtraction
	KindCustomerInfoExtraction
	KindNextStepsExtraction
	KindConsistencyValidation
	KindSummary
)

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindRoleIdentification,
		KindTemporalResolution,
		KindCallClassification,
		KindAppointmentExtraction,
		KindPricingExtraction,
		KindIssueExtraction,
		KindCustomerInfoExtraction,
		KindNextStepsExtraction,
		KindConsistencyValidation,
		KindSummary,
	}
}

// String returns the canonical step name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRoleIdentification:
		return "role_identification"
	case KindTemporalResolution:
		return "temporal_resolution"
	case KindCallClassification:
		return "call_classification"
	case KindAppointmentExtraction:
		return "appointment_extraction"
	case KindPricingExtraction:
		return "pricing_extraction"
	case KindIssueExtraction:
		return "issue_extraction"
	case KindCustomerInfoExtraction:
		return "customer_info_extraction"
	case KindNextStepsExtraction:
		return "next_steps_extraction"
	case KindConsistencyValidation:
		return "consistency_validation"
	case KindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// ParseKind returns the kind whose step name is s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, eris.Errorf("agent: unknown kind %q", s)
}

// MarshalText encodes the kind as its step name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a step name into a kind.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Config is a step's execution policy.
type Config struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	Critical       bool          `json:"critical" yaml:"critical"`
	Optional       bool          `json:"optional" yaml:"optional"`
	Parallel       bool          `json:"parallel" yaml:"parallel"`
	RetryOnFailure bool          `json:"retry_on_failure" yaml:"retry_on_failure"`
}

// Descriptor identifies a registered step. Immutable after registration.
type Descriptor struct {
	Name         string   `json:"name"`
	Kind         Kind     `json:"kind"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Reads names outputs the step uses when present without requiring
	// them to have completed.
	Reads  []string `json:"reads,omitempty"`
	Config Config   `json:"config"`
}

// ErrorInfo is a step's classification of one of its own errors.
type ErrorInfo struct {
	Kind        model.ErrorKind
	Recoverable bool
}

// Agent is the capability contract of an extraction step.
type Agent interface {
	Descriptor() Descriptor

	// Execute runs the step against the shared context. It may block on
	// external calls and must honor ctx.
	Execute(ctx context.Context, rc *model.RequestContext) (*model.Output, error)

	// DefaultOutput is the static fallback; nil means the step has none.
	DefaultOutput() *model.Output

	// Salvage attempts a reduced-scope extraction after a data error.
	Salvage(rc *model.RequestContext, err error) (*model.Output, bool)

	ClassifyError(err error) ErrorInfo
}

// Inputs returns the dependency and read names of d, deduplicated, in
// declaration order.
func (d Descriptor) Inputs() []string {
	seen := make(map[string]bool, len(d.Dependencies)+len(d.Reads))
	var out []string
	for _, group := range [][]string{d.Dependencies, d.Reads} {
		for _, n := range group {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// ShouldRun reports whether every declared dependency completed in rc. Steps
// without dependencies always run.
func ShouldRun(d Descriptor, rc *model.RequestContext) bool {
	for _, dep := range d.Dependencies {
		status, ok := rc.Status(dep)
		if !ok || status != model.StepStatusCompleted {
			return false
		}
	}
	return true
}

// ValidateOutput rejects outputs without a well-formed confidence score.
func ValidateOutput(step string, out *model.Output) error {
	if out == nil {
		return &ParseError{Step: step, Err: eris.New("output is nil")}
	}
	if len(out.Confidence.Factors) == 0 {
		return &ParseError{Step: step, Err: eris.New("output missing confidence factors")}
	}
	if !out.Confidence.Valid() {
		return &ParseError{Step: step, Err: eris.Errorf("malformed confidence %.4f/%s", out.Confidence.Value, out.Confidence.Level)}
	}
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	return nil
}
