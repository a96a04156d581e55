// Package steps implements the built-in extraction steps. Every kind is a thin
// prompt-and-parse shell around a completion provider with a typed output
// shape.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/completion"
	"github.com/sells-group/callpipe/internal/confidence"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/prompt"
	"github.com/sells-group/callpipe/internal/registry"
)

// Options configures the built-in steps.
type Options struct {
	// Optimizer rewrites system instructions. Nil means prompt.Noop.
	Optimizer prompt.Optimizer
	// Timeout overrides every step's built-in timeout when positive.
	Timeout time.Duration
	Version string
}

func (o Options) withDefaults() Options {
	if o.Optimizer == nil {
		o.Optimizer = prompt.Noop{}
	}
	if o.Version == "" {
		o.Version = "v1"
	}
	return o
}

// definition describes one step kind over its output shape T.
type definition[T any] struct {
	kind      agent.Kind
	deps      []string
	reads     []string
	config    agent.Config
	system    string
	maxTokens int64

	// defaults normalizes a parsed shape in place.
	defaults func(rc *model.RequestContext, v *T)
	factors  func(rc *model.RequestContext, v *T) map[string]float64
	// salvage builds a reduced shape after a parse failure. Optional.
	salvage func(rc *model.RequestContext, raw string) (*T, bool)
	// fallback is the static default shape. Nil means the step has none.
	fallback func() *T
}

// promptStep is the agent implementation shared by every kind.
type promptStep[T any] struct {
	desc      agent.Descriptor
	def       definition[T]
	provider  completion.Provider
	optimizer prompt.Optimizer
}

func newPromptStep[T any](def definition[T], provider completion.Provider, opts Options) *promptStep[T] {
	cfg := def.config
	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout
	}
	return &promptStep[T]{
		desc: agent.Descriptor{
			Name:         def.kind.String(),
			Kind:         def.kind,
			Version:      opts.Version,
			Dependencies: def.deps,
			Reads:        def.reads,
			Config:       cfg,
		},
		def:       def,
		provider:  provider,
		optimizer: opts.Optimizer,
	}
}

func (s *promptStep[T]) Descriptor() agent.Descriptor { return s.desc }

func (s *promptStep[T]) Execute(ctx context.Context, rc *model.RequestContext) (*model.Output, error) {
	name := s.desc.Name
	resp, err := s.provider.Complete(ctx, completion.Request{
		Step:      name,
		System:    s.optimizer.Optimize(s.def.system),
		Prompt:    render(rc, s.desc.Inputs()),
		MaxTokens: s.def.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	v, err := parse[T](name, resp.Text)
	if err != nil {
		return nil, err
	}
	out, err := s.output(rc, v, nil)
	if err != nil {
		return nil, err
	}
	out.Usage = resp.Usage
	out.Model = resp.Model
	return out, nil
}

func (s *promptStep[T]) DefaultOutput() *model.Output {
	if s.def.fallback == nil {
		return nil
	}
	v := s.def.fallback()
	fields, err := toFields(v)
	if err != nil {
		return nil
	}
	return &model.Output{
		Fields:     fields,
		Confidence: confidence.Aggregate(map[string]float64{"static_default": 0}),
	}
}

func (s *promptStep[T]) Salvage(rc *model.RequestContext, err error) (*model.Output, bool) {
	var pe *agent.ParseError
	if s.def.salvage == nil || !errors.As(err, &pe) {
		return nil, false
	}
	v, ok := s.def.salvage(rc, pe.Raw)
	if !ok {
		return nil, false
	}
	out, oerr := s.output(rc, v, map[string]float64{"salvaged": 0.3})
	if oerr != nil {
		return nil, false
	}
	return out, true
}

func (s *promptStep[T]) ClassifyError(err error) agent.ErrorInfo {
	return agent.DefaultClassifyError(err)
}

func (s *promptStep[T]) output(rc *model.RequestContext, v *T, extra map[string]float64) (*model.Output, error) {
	if s.def.defaults != nil {
		s.def.defaults(rc, v)
	}
	fields, err := toFields(v)
	if err != nil {
		return nil, &agent.ParseError{Step: s.desc.Name, Err: err}
	}
	factors := s.def.factors(rc, v)
	for k, f := range extra {
		factors[k] = f
	}
	return &model.Output{Fields: fields, Confidence: confidence.Aggregate(factors)}, nil
}

// parse extracts the JSON object from a completion and decodes it into T.
func parse[T any](step, raw string) (*T, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, &agent.ParseError{Step: step, Raw: raw, Err: eris.New("no JSON object in response")}
	}
	var v T
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, &agent.ParseError{Step: step, Raw: raw, Err: eris.Wrap(err, "decode response")}
	}
	return &v, nil
}

func toFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "steps: marshal fields")
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, eris.Wrap(err, "steps: unmarshal fields")
	}
	return fields, nil
}

// New builds the step for kind.
func New(kind agent.Kind, provider completion.Provider, opts Options) (agent.Agent, error) {
	opts = opts.withDefaults()
	switch kind {
	case agent.KindRoleIdentification:
		return newPromptStep(roleIdentification(), provider, opts), nil
	case agent.KindTemporalResolution:
		return newPromptStep(temporalResolution(), provider, opts), nil
	case agent.KindCallClassification:
		return newPromptStep(callClassification(), provider, opts), nil
	case agent.KindAppointmentExtraction:
		return newPromptStep(appointmentExtraction(), provider, opts), nil
	case agent.KindPricingExtraction:
		return newPromptStep(pricingExtraction(), provider, opts), nil
	case agent.KindIssueExtraction:
		return newPromptStep(issueExtraction(), provider, opts), nil
	case agent.KindCustomerInfoExtraction:
		return newPromptStep(customerInfoExtraction(), provider, opts), nil
	case agent.KindNextStepsExtraction:
		return newPromptStep(nextStepsExtraction(), provider, opts), nil
	case agent.KindConsistencyValidation:
		return newPromptStep(consistencyValidation(), provider, opts), nil
	case agent.KindSummary:
		return newPromptStep(summary(), provider, opts), nil
	default:
		return nil, eris.Errorf("steps: unknown kind %d", int(kind))
	}
}

// RegisterDefaults registers every built-in kind with reg.
func RegisterDefaults(reg *registry.Registry, provider completion.Provider, opts Options) error {
	for _, k := range agent.Kinds() {
		a, err := New(k, provider, opts)
		if err != nil {
			return err
		}
		reg.Register(a)
	}
	return nil
}
