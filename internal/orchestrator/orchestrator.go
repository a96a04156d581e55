// Package orchestrator schedules a plan's phases and steps over a shared
// request context and assembles the aggregate result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/batch"
	"github.com/sells-group/callpipe/internal/cache"
	"github.com/sells-group/callpipe/internal/cost"
	"github.com/sells-group/callpipe/internal/metrics"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/planner"
	"github.com/sells-group/callpipe/internal/registry"
	"github.com/sells-group/callpipe/internal/resilience"
)

// Config holds scheduling limits.
type Config struct {
	// MaxParallelSteps bounds concurrent steps within a parallel phase.
	// Default: 4.
	MaxParallelSteps int

	// DefaultTimeout applies to steps without their own timeout.
	// Default: 30s.
	DefaultTimeout time.Duration
}

// RunSaver persists finished runs.
type RunSaver interface {
	SaveRun(ctx context.Context, run *model.AggregateResult) error
}

// Deps are the collaborators an Orchestrator schedules through. Registry,
// Planner and Engine are required; the rest may be nil.
type Deps struct {
	Registry *registry.Registry
	Planner  *planner.Planner
	Engine   *resilience.Engine
	Cache    *cache.Store
	Batcher  *batch.Coalescer
	Costs    *cost.Calculator
	Runs     RunSaver
	Metrics  *metrics.Recorder
}

// Orchestrator executes plans. It is safe for concurrent runs.
type Orchestrator struct {
	cfg  Config
	deps Deps

	newID func() string
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Planner == nil || deps.Engine == nil {
		return nil, eris.New("orchestrator: registry, planner and engine are required")
	}
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, newID: uuid.NewString}, nil
}

// Planner returns the planner used by Run.
func (o *Orchestrator) Planner() *planner.Planner { return o.deps.Planner }

// Breakers returns the shared breaker set.
func (o *Orchestrator) Breakers() *resilience.BreakerSet { return o.deps.Engine.Breakers() }

// Run plans and executes one call. An empty tag first runs the classification
// step and routes on its result. Step failures never produce an error; only
// invalid input or a plan naming an unregistered step does.
func (o *Orchestrator) Run(ctx context.Context, tag string, in model.Input) (*model.AggregateResult, error) {
	if err := in.Validate(); err != nil {
		return nil, eris.Wrap(err, "orchestrator: invalid input")
	}

	r := o.newRun(tag, in)
	if tag == "" {
		if err := o.execute(ctx, r, o.deps.Planner.ClassificationPlan()); err != nil {
			return nil, err
		}
		r.rc.Tag = r.classifiedTag()
	}

	if err := o.execute(ctx, r, o.deps.Planner.Plan(r.rc.Tag)); err != nil {
		return nil, err
	}
	return o.finish(ctx, r), nil
}

// Execute runs an explicit plan.
func (o *Orchestrator) Execute(ctx context.Context, plan planner.Plan, in model.Input) (*model.AggregateResult, error) {
	r := o.newRun(plan.Tag, in)
	if err := o.execute(ctx, r, plan); err != nil {
		return nil, err
	}
	return o.finish(ctx, r), nil
}

// run is the mutable state of one execution.
type run struct {
	rc  *model.RequestContext
	log *zap.Logger

	aborted   atomic.Bool
	abortedBy string

	mu       sync.Mutex
	notRun   []string
	warnings []string
}

func (o *Orchestrator) newRun(tag string, in model.Input) *run {
	rc := model.NewRequestContext(o.newID(), tag, in)
	return &run{
		rc:  rc,
		log: zap.L().With(zap.String("run_id", rc.RunID)),
	}
}

func (r *run) warn(format string, args ...any) {
	r.mu.Lock()
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *run) skip(names ...string) {
	r.mu.Lock()
	r.notRun = append(r.notRun, names...)
	r.mu.Unlock()
}

func (r *run) abort(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted.CompareAndSwap(false, true) {
		r.abortedBy = step
	}
}

func (r *run) classifiedTag() string {
	out, ok := r.rc.Output(agent.KindCallClassification.String())
	if !ok {
		r.warn("call classification produced no result; running without a tag")
		return ""
	}
	tag, _ := out.Fields["tag"].(string)
	if tag == "" || tag == "unknown" {
		r.warn("call classified as unknown; extraction phase is empty")
		return ""
	}
	return tag
}

func (o *Orchestrator) execute(ctx context.Context, r *run, plan planner.Plan) error {
	if err := plan.Validate(o.deps.Registry.Has); err != nil {
		return err
	}
	r.log.Info("orchestrator: executing plan",
		zap.String("tag", plan.Tag),
		zap.Strings("steps", plan.StepNames()),
	)

	for _, phase := range plan.Phases {
		if r.aborted.Load() {
			for _, s := range phase.Steps {
				r.skip(s.Name)
			}
			continue
		}

		start := time.Now()
		if phase.Parallel {
			o.runParallel(ctx, r, phase)
		} else {
			o.runSequential(ctx, r, phase)
		}
		r.log.Debug("orchestrator: phase complete",
			zap.String("phase", phase.Name),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
	return nil
}

func (o *Orchestrator) runSequential(ctx context.Context, r *run, phase planner.Phase) {
	for _, ps := range phase.Steps {
		if r.aborted.Load() {
			r.skip(ps.Name)
			continue
		}
		o.runStep(ctx, r, ps)
	}
}

// runParallel launches every step behind the concurrency limit and joins on
// all of them. Steps still queued when a critical step fails are not run.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, phase planner.Phase) {
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelSteps)
	for _, ps := range phase.Steps {
		g.Go(func() error {
			if r.aborted.Load() {
				r.skip(ps.Name)
				return nil
			}
			o.runStep(ctx, r, ps)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, ps planner.PhaseStep) {
	a := o.deps.Registry.MustGet(ps.Name)
	d := a.Descriptor()
	cfg := ps.Apply(d.Config)
	if cfg.Timeout <= 0 {
		cfg.Timeout = o.cfg.DefaultTimeout
	}
	log := r.log.With(zap.String("step", d.Name))

	if _, done := r.rc.Result(d.Name); done {
		r.warn("step %s listed more than once; later occurrence ignored", d.Name)
		return
	}

	if !agent.ShouldRun(d, r.rc) {
		res := model.StepResult{
			Name:        d.Name,
			Status:      model.StepStatusSkipped,
			Degradation: model.DegradationNone,
			Critical:    cfg.Critical,
		}
		o.record(r, res)
		r.warn("step %s skipped: dependencies %v not completed", d.Name, d.Dependencies)
		log.Info("orchestrator: step skipped, dependencies not completed", zap.Strings("dependencies", d.Dependencies))
		return
	}

	start := time.Now()
	res := o.deps.Engine.Execute(ctx, resilience.Invocation{
		RunID:    r.rc.RunID,
		Step:     d.Name,
		Critical: cfg.Critical,
		Optional: cfg.Optional,
		Retry:    cfg.RetryOnFailure,
		Call: func(ctx context.Context) (*model.Output, bool, error) {
			return o.attempt(ctx, r.rc, a, cfg.Timeout)
		},
		Classify: func(err error) (model.ErrorKind, bool) {
			info := a.ClassifyError(err)
			return info.Kind, info.Recoverable
		},
		Salvage: func(err error) (*model.Output, bool) { return a.Salvage(r.rc, err) },
		Default: a.DefaultOutput,
	})
	elapsed := time.Since(start)
	res.Duration = elapsed.Milliseconds()
	res.Critical = cfg.Critical
	o.record(r, res)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.String("degradation", string(res.Degradation)),
		zap.Int("attempts", res.Attempts),
		zap.Bool("from_cache", res.FromCache),
		zap.Int64("duration_ms", res.Duration),
	}
	switch res.Status {
	case model.StepStatusCompleted:
		log.Info("orchestrator: step complete", fields...)
	case model.StepStatusDegraded:
		r.warn("step %s degraded (%s): %s", d.Name, res.Degradation, res.Error)
		log.Warn("orchestrator: step degraded", append(fields, zap.String("error", res.Error))...)
	case model.StepStatusFailed:
		r.warn("step %s failed: %s", d.Name, res.Error)
		log.Error("orchestrator: step failed", append(fields, zap.String("error", res.Error))...)
		if cfg.Critical {
			r.abort(d.Name)
			log.Error("orchestrator: critical step failed, aborting run")
		}
	}
	o.deps.Metrics.Step(d.Name, string(res.Status), string(res.Degradation), elapsed)
}

func (o *Orchestrator) record(r *run, res model.StepResult) {
	if err := r.rc.Record(res); err != nil {
		r.log.Warn("orchestrator: dropping duplicate step result", zap.String("step", res.Name), zap.Error(err))
	}
}

// attempt is one bounded try: timeout, then cache, then coalescer, then the
// agent itself.
func (o *Orchestrator) attempt(ctx context.Context, rc *model.RequestContext, a agent.Agent, timeout time.Duration) (*model.Output, bool, error) {
	name := a.Descriptor().Name
	uncached := func(ctx context.Context) (*model.Output, bool, error) {
		out, err := o.invoke(ctx, rc, a)
		return out, false, err
	}
	if o.deps.Cache == nil {
		return withTimeout(ctx, name, timeout, nil, uncached)
	}
	key, err := cacheKey(rc, a.Descriptor())
	if err != nil {
		zap.L().Warn("orchestrator: cache key failed, invoking uncached", zap.String("step", name), zap.Error(err))
		return withTimeout(ctx, name, timeout, nil, uncached)
	}
	forget := func() { o.deps.Cache.Forget(key) }
	return withTimeout(ctx, name, timeout, forget, func(ctx context.Context) (*model.Output, bool, error) {
		return o.deps.Cache.Do(ctx, name, key, func(ctx context.Context) (*model.Output, error) {
			return o.invoke(ctx, rc, a)
		})
	})
}

func (o *Orchestrator) invoke(ctx context.Context, rc *model.RequestContext, a agent.Agent) (*model.Output, error) {
	name := a.Descriptor().Name
	call := func(ctx context.Context) (*model.Output, error) {
		out, err := a.Execute(ctx, rc)
		if err != nil {
			return nil, err
		}
		if err := agent.ValidateOutput(name, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if o.deps.Batcher == nil {
		return call(ctx)
	}
	return o.deps.Batcher.Submit(ctx, name, call)
}

type attemptResult struct {
	out    *model.Output
	cached bool
	err    error
}

// withTimeout runs fn in its own goroutine and abandons it after timeout.
// An abandoned call keeps running until it observes its cancelled context;
// its result is discarded. abandon, if set, runs before withTimeout returns
// for an abandoned call.
func withTimeout(ctx context.Context, step string, timeout time.Duration, abandon func(), fn func(ctx context.Context) (*model.Output, bool, error)) (*model.Output, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		out, cached, err := fn(ctx)
		done <- attemptResult{out: out, cached: cached, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.cached, r.err
	case <-ctx.Done():
		if abandon != nil {
			abandon()
		}
		if parentErr := context.Cause(ctx); parentErr != nil && !errors.Is(parentErr, context.DeadlineExceeded) {
			return nil, false, parentErr
		}
		return nil, false, eris.Wrapf(agent.ErrStepTimeout, "%s after %s", step, timeout)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run) *model.AggregateResult {
	rc := r.rc
	results := rc.Results()

	agg := &model.AggregateResult{
		RunID:       rc.RunID,
		Tag:         rc.Tag,
		StartedAt:   rc.StartedAt,
		Duration:    time.Since(rc.StartedAt).Milliseconds(),
		Steps:       results,
		Executed:    []string{},
		Degradation: model.DegradationNone,
	}
	for _, name := range rc.Order() {
		res := results[name]
		if res.Status != model.StepStatusSkipped {
			agg.Executed = append(agg.Executed, name)
		}
		agg.Degradation = agg.Degradation.Worse(res.Degradation)
		if res.Output == nil || res.FromCache {
			continue
		}
		usage := res.Output.Usage
		usage.Cost = o.deps.Costs.Step(res.Output)
		agg.Usage.Add(usage)
	}
	agg.EstimatedCost = agg.Usage.Cost

	r.mu.Lock()
	agg.NotRun = append([]string(nil), r.notRun...)
	agg.Warnings = append([]string{}, r.warnings...)
	if r.aborted.Load() {
		agg.Aborted = true
		agg.AbortedBy = r.abortedBy
		agg.Degradation = model.DegradationSevere
		agg.Warnings = append(agg.Warnings, fmt.Sprintf("run aborted by critical step %s; %d steps not run", r.abortedBy, len(r.notRun)))
	}
	r.mu.Unlock()

	r.log.Info("orchestrator: run complete",
		zap.String("tag", agg.Tag),
		zap.String("degradation", string(agg.Degradation)),
		zap.Bool("aborted", agg.Aborted),
		zap.Int("executed", len(agg.Executed)),
		zap.Int("not_run", len(agg.NotRun)),
		zap.Float64("estimated_cost_usd", agg.EstimatedCost),
		zap.Int64("duration_ms", agg.Duration),
	)
	o.deps.Metrics.Run(agg.Tag, string(agg.Degradation), agg.Aborted, agg.EstimatedCost, agg.Usage.InputTokens, agg.Usage.OutputTokens)

	if o.deps.Runs != nil {
		if err := o.deps.Runs.SaveRun(context.WithoutCancel(ctx), agg); err != nil {
			r.log.Warn("orchestrator: failed to persist run", zap.Error(err))
		}
	}
	return agg
}
