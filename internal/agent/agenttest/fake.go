// Package agenttest provides a scriptable agent for tests.
package agenttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/confidence"
	"github.com/sells-group/callpipe/internal/model"
)

// Fake is an agent whose behavior is supplied by function fields. Nil fields
// fall back to a successful high-confidence output.
type Fake struct {
	Desc agent.Descriptor

	ExecuteFn  func(ctx context.Context, rc *model.RequestContext, call int) (*model.Output, error)
	DefaultFn  func() *model.Output
	SalvageFn  func(rc *model.RequestContext, err error) (*model.Output, bool)
	ClassifyFn func(err error) agent.ErrorInfo

	calls atomic.Int32
	mu    sync.Mutex
	seen  []string
}

// New returns a fake with the given name and config.
func New(name string, cfg agent.Config, deps ...string) *Fake {
	return &Fake{Desc: agent.Descriptor{
		Name:         name,
		Kind:         agent.KindSummary,
		Version:      "test",
		Dependencies: deps,
		Config:       cfg,
	}}
}

// Output builds a valid output with a single confidence factor.
func Output(fields map[string]any, score float64) *model.Output {
	if fields == nil {
		fields = map[string]any{}
	}
	return &model.Output{
		Fields:     fields,
		Confidence: confidence.Aggregate(map[string]float64{"fake": score}),
	}
}

func (f *Fake) Descriptor() agent.Descriptor { return f.Desc }

func (f *Fake) Execute(ctx context.Context, rc *model.RequestContext) (*model.Output, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.seen = append(f.seen, rc.RunID)
	f.mu.Unlock()
	if f.ExecuteFn != nil {
		return f.ExecuteFn(ctx, rc, n)
	}
	return Output(map[string]any{"step": f.Desc.Name}, 0.9), nil
}

func (f *Fake) DefaultOutput() *model.Output {
	if f.DefaultFn != nil {
		return f.DefaultFn()
	}
	return nil
}

func (f *Fake) Salvage(rc *model.RequestContext, err error) (*model.Output, bool) {
	if f.SalvageFn != nil {
		return f.SalvageFn(rc, err)
	}
	return nil, false
}

func (f *Fake) ClassifyError(err error) agent.ErrorInfo {
	if f.ClassifyFn != nil {
		return f.ClassifyFn(err)
	}
	return agent.DefaultClassifyError(err)
}

// Calls returns how many times Execute ran.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// RunIDs returns the run ids Execute saw, in call order.
func (f *Fake) RunIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}
