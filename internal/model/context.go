package model

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrResultExists is returned when a step result is recorded twice in one run.
var ErrResultExists = eris.New("model: step result already recorded")

// RequestContext is the per-run shared state. Only the scheduler writes to it;
// steps read earlier results through it.
type RequestContext struct {
	RunID     string
	Tag       string
	Input     Input
	StartedAt time.Time

	mu      sync.RWMutex
	results map[string]StepResult
	order   []string
}

// NewRequestContext creates an empty context for one run.
func NewRequestContext(runID, tag string, in Input) *RequestContext {
	return &RequestContext{
		RunID:     runID,
		Tag:       tag,
		Input:     in,
		StartedAt: time.Now().UTC(),
		results:   make(map[string]StepResult),
	}
}

// Record stores a step's terminal result. Each name may be written once.
func (rc *RequestContext) Record(res StepResult) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.results[res.Name]; ok {
		return eris.Wrapf(ErrResultExists, "step %s", res.Name)
	}
	rc.results[res.Name] = res
	rc.order = append(rc.order, res.Name)
	return nil
}

// Result returns the recorded result for name.
func (rc *RequestContext) Result(name string) (StepResult, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	res, ok := rc.results[name]
	return res, ok
}

// Status returns the recorded status for name.
func (rc *RequestContext) Status(name string) (StepStatus, bool) {
	res, ok := rc.Result(name)
	return res.Status, ok
}

// Output returns the output of a completed or degraded step.
func (rc *RequestContext) Output(name string) (*Output, bool) {
	res, ok := rc.Result(name)
	if !ok || res.Output == nil {
		return nil, false
	}
	if res.Status != StepStatusCompleted && res.Status != StepStatusDegraded {
		return nil, false
	}
	return res.Output, true
}

// Results returns a copy of all recorded results.
func (rc *RequestContext) Results() map[string]StepResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]StepResult, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// Order returns step names in the order their results were recorded.
func (rc *RequestContext) Order() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]string(nil), rc.order...)
}
