package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/confidence"
	"github.com/sells-group/callpipe/internal/model"
)

// SalvageConfidenceCap keeps salvaged outputs below the medium level.
const SalvageConfidenceCap = 0.49

// Strategy names the branch of the cascade that produced a terminal result.
type Strategy string

const (
	StrategyInvoke  Strategy = "invoke"
	StrategySalvage Strategy = "salvage"
	StrategyCache   Strategy = "cache"
	StrategyDefault Strategy = "default"
	StrategyFailed  Strategy = "failed"
)

// Fallback supplies the most recent live result for a step from this process.
type Fallback interface {
	Latest(step string) (*model.Output, bool)
}

// Invocation describes one step call to run through the cascade. Call reports
// whether the output was answered from cache rather than a real invocation.
type Invocation struct {
	RunID    string
	Step     string
	Critical bool
	Optional bool
	Retry    bool

	Call     func(ctx context.Context) (out *model.Output, cached bool, err error)
	Classify func(err error) (model.ErrorKind, bool)
	Salvage  func(err error) (*model.Output, bool)
	Default  func() *model.Output
}

// EngineConfig holds the retry policy and observation hooks.
type EngineConfig struct {
	Retry RetryConfig

	OnRetry        func(step string, attempt int, class ErrorClass)
	OnShortCircuit func(step string)
	OnOutcome      func(step string, strategy Strategy)

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Engine runs invocations through breaker, retry and the fallback cascade.
// It always produces a terminal StepResult.
type Engine struct {
	breakers *BreakerSet
	fallback Fallback
	cfg      EngineConfig
}

// NewEngine creates an engine. fallback may be nil.
func NewEngine(breakers *BreakerSet, fallback Fallback, cfg EngineConfig) *Engine {
	if cfg.nowFunc == nil {
		cfg.nowFunc = time.Now
	}
	return &Engine{breakers: breakers, fallback: fallback, cfg: cfg}
}

// Breakers returns the shared breaker set.
func (e *Engine) Breakers() *BreakerSet { return e.breakers }

// Execute invokes the step, retrying transient errors while attempts remain
// and the breaker admits them, then falls back to salvage, cache, default and
// finally a failed result.
func (e *Engine) Execute(ctx context.Context, inv Invocation) model.StepResult {
	br := e.breakers.Get(inv.Step)
	log := zap.L().With(zap.String("run_id", inv.RunID), zap.String("step", inv.Step))

	var (
		chain          *ErrorContext
		attempts       int
		cached         bool
		shortCircuited bool
	)

	retryCfg := e.cfg.Retry
	if !inv.Retry {
		retryCfg.MaxAttempts = 1
	}
	retryCfg.ShouldRetry = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) || chain == nil {
			return false
		}
		return chain.Class == ClassTransient
	}
	retryCfg.OnRetry = func(attempt int, err error) {
		RetryLogger(inv.RunID, inv.Step)(attempt, err)
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(inv.Step, attempt, chain.Class)
		}
	}

	out, err := DoVal(ctx, retryCfg, func(ctx context.Context) (*model.Output, error) {
		ticket, err := br.Allow()
		if err != nil {
			shortCircuited = true
			return nil, err
		}
		attempts++

		o, hit, err := inv.Call(ctx)
		if hit && err == nil {
			br.Cancel(ticket)
		} else {
			br.Record(ticket, err)
		}
		if err != nil {
			kind, recoverable := e.classify(inv, err)
			chain = &ErrorContext{
				Step:      inv.Step,
				Err:       err,
				Kind:      kind,
				Class:     ClassOf(kind, recoverable),
				Attempt:   attempts,
				Timestamp: e.cfg.nowFunc(),
				Previous:  chain,
			}
			return nil, err
		}
		cached = hit
		return o, nil
	})

	res := model.StepResult{
		Name:     inv.Step,
		Attempts: attempts,
		Critical: inv.Critical,
	}
	if err == nil {
		res.Status = model.StepStatusCompleted
		res.Degradation = model.DegradationNone
		res.Output = out
		res.FromCache = cached
		e.outcome(inv.Step, StrategyInvoke)
		return res
	}

	res.Error = err.Error()
	res.ErrorKind = model.ErrorKindUnknown
	class := ClassOther
	if chain != nil {
		res.ErrorKind = chain.Kind
		class = chain.Class
	}
	if shortCircuited {
		log.Warn("resilience: circuit open, skipping invocation", zap.Int("attempts", attempts))
		if e.cfg.OnShortCircuit != nil {
			e.cfg.OnShortCircuit(inv.Step)
		}
	}

	return e.recover(log, inv, res, class, err)
}

func (e *Engine) recover(log *zap.Logger, inv Invocation, res model.StepResult, class ErrorClass, err error) model.StepResult {
	if class == ClassData && inv.Salvage != nil {
		if out, ok := inv.Salvage(err); ok && out != nil {
			out.Confidence = confidence.Cap(out.Confidence, SalvageConfidenceCap)
			res.Status = model.StepStatusDegraded
			res.Degradation = model.DegradationMinimal
			res.Output = out
			log.Warn("resilience: salvaged partial output", zap.Error(err))
			e.outcome(inv.Step, StrategySalvage)
			return res
		}
	}

	if e.fallback != nil {
		if out, ok := e.fallback.Latest(inv.Step); ok {
			res.Status = model.StepStatusDegraded
			res.Degradation = model.DegradationMinimal
			res.Output = out
			res.FromCache = true
			log.Warn("resilience: using cached result", zap.Error(err))
			e.outcome(inv.Step, StrategyCache)
			return res
		}
	}

	if inv.Optional {
		var out *model.Output
		if inv.Default != nil {
			out = inv.Default()
		}
		if out == nil {
			out = model.MinimalOutput()
		}
		res.Status = model.StepStatusDegraded
		res.Degradation = model.DegradationModerate
		res.Output = out
		log.Warn("resilience: optional step using default output", zap.Error(err))
		e.outcome(inv.Step, StrategyDefault)
		return res
	}

	res.Status = model.StepStatusFailed
	res.Degradation = model.DegradationSevere
	log.Error("resilience: step failed", zap.Bool("critical", inv.Critical), zap.Int("attempts", res.Attempts), zap.Error(err))
	e.outcome(inv.Step, StrategyFailed)
	return res
}

func (e *Engine) classify(inv Invocation, err error) (model.ErrorKind, bool) {
	if inv.Classify != nil {
		return inv.Classify(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTimeout, true
	}
	if IsTransient(err) {
		return model.ErrorKindUpstreamAPI, true
	}
	return model.ErrorKindUnknown, false
}

func (e *Engine) outcome(step string, s Strategy) {
	if e.cfg.OnOutcome != nil {
		e.cfg.OnOutcome(step, s)
	}
}
