package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/callpipe/internal/batch"
	"github.com/sells-group/callpipe/internal/cache"
	"github.com/sells-group/callpipe/internal/completion"
	"github.com/sells-group/callpipe/internal/config"
	"github.com/sells-group/callpipe/internal/cost"
	"github.com/sells-group/callpipe/internal/metrics"
	"github.com/sells-group/callpipe/internal/orchestrator"
	"github.com/sells-group/callpipe/internal/planner"
	"github.com/sells-group/callpipe/internal/prompt"
	"github.com/sells-group/callpipe/internal/registry"
	"github.com/sells-group/callpipe/internal/resilience"
	"github.com/sells-group/callpipe/internal/steps"
	"github.com/sells-group/callpipe/internal/store"
	anthropicpkg "github.com/sells-group/callpipe/pkg/anthropic"
)

// pipelineEnv holds everything the run and serve commands need.
type pipelineEnv struct {
	Store        store.Store // nil when runs are not persisted
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Recorder
	Cache        *cache.Store

	batcher *batch.Coalescer
	redis   *cache.RedisBackend
	cancel  context.CancelFunc
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.cancel != nil {
		pe.cancel()
	}
	if pe.batcher != nil {
		pe.batcher.Close()
	}
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store when persist is
// set, and builds the orchestrator over the Anthropic provider. Callers
// should defer env.Close().
func initPipeline(ctx context.Context, mode string, persist bool) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	var st store.Store
	if persist {
		var err error
		st, err = initStore(ctx)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
	}

	rec := metrics.New()
	limiter := completion.NewAdaptiveLimiter(rate.Limit(cfg.Anthropic.RequestsPerSecond), cfg.Anthropic.Burst).
		OnChange(func(l rate.Limit) { rec.ProviderRate(float64(l)) })
	provider := completion.NewAnthropic(
		anthropicpkg.NewClient(cfg.Anthropic.Key),
		cfg.Anthropic.Model,
		cfg.Anthropic.MaxTokens,
		limiter,
	).WithCacheTTL(cfg.Anthropic.CacheTTL)

	env, err := buildPipeline(ctx, cfg, provider, st, rec)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	return env, nil
}

// buildPipeline wires the registry, planner, breakers, cache and coalescer
// around provider, reporting to rec. A nil rec gets a fresh recorder.
func buildPipeline(ctx context.Context, c *config.Config, provider completion.Provider, st store.Store, rec *metrics.Recorder) (*pipelineEnv, error) {
	if rec == nil {
		rec = metrics.New()
	}
	env := &pipelineEnv{Store: st, Metrics: rec}

	table, err := loadRoutingTable(c.Routing.TablePath)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	var regErr error
	reg.Init(func(r *registry.Registry) {
		regErr = steps.RegisterDefaults(r, provider, steps.Options{
			Optimizer: prompt.New(c.Prompt.Optimize),
			Version:   c.Pipeline.StepVersion,
		})
	})
	if regErr != nil {
		return nil, eris.Wrap(regErr, "register steps")
	}

	breakerCfg := resilience.FromCircuitConfig(
		c.Circuit.FailureThreshold,
		c.Circuit.FailureWindowSecs,
		c.Circuit.ResetTimeoutSecs,
		c.Circuit.HalfOpenMaxProbes,
		c.Circuit.SuccessThreshold,
	)
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("step", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		rec.BreakerTransition(name, from.String(), to.String())
	}
	breakers := resilience.NewBreakerSet(breakerCfg)

	var fallback resilience.Fallback
	if c.Cache.Enabled {
		var backend cache.Backend
		if c.Cache.RedisAddr != "" {
			rb, err := cache.NewRedisBackend(ctx, cache.RedisConfig{
				Addr:     c.Cache.RedisAddr,
				Password: c.Cache.RedisPassword,
				DB:       c.Cache.RedisDB,
			})
			if err != nil {
				zap.L().Warn("redis cache tier unavailable, using in-process cache only", zap.Error(err))
			} else {
				env.redis = rb
				backend = rb
			}
		}
		env.Cache = cache.NewStore(cache.Config{
			TTL:           time.Duration(c.Cache.TTLSecs) * time.Second,
			MaxEntries:    c.Cache.MaxEntries,
			SweepInterval: time.Duration(c.Cache.SweepIntervalSecs) * time.Second,
			OnHit:         rec.CacheHit,
			OnMiss:        rec.CacheMiss,
		}, backend)
		fallback = env.Cache

		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		env.cancel = cancel
		go env.Cache.Run(sweepCtx)
	}

	if c.Batch.WindowMs > 0 {
		env.batcher = batch.New(batch.Config{
			Window:       time.Duration(c.Batch.WindowMs) * time.Millisecond,
			MaxBatchSize: c.Batch.MaxBatchSize,
			QueueSize:    c.Batch.QueueSize,
			OnBatch:      rec.Batch,
		})
	}

	engine := resilience.NewEngine(breakers, fallback, resilience.EngineConfig{
		Retry: resilience.FromRetryConfig(
			c.Retry.MaxAttempts,
			c.Retry.InitialBackoffMs,
			c.Retry.MaxBackoffMs,
			c.Retry.Multiplier,
			c.Retry.JitterFraction,
		),
		OnRetry: func(step string, _ int, class resilience.ErrorClass) {
			rec.Retry(step, string(class))
		},
		OnShortCircuit: rec.ShortCircuit,
		OnOutcome:      recoveryOutcome(rec),
	})

	deps := orchestrator.Deps{
		Registry: reg,
		Planner:  planner.New(table),
		Engine:   engine,
		Cache:    env.Cache,
		Batcher:  env.batcher,
		Costs:    cost.NewCalculator(c.Pricing),
		Metrics:  rec,
	}
	if st != nil && c.Pipeline.PersistRuns {
		deps.Runs = st
	}

	orch, err := orchestrator.New(orchestrator.Config{
		MaxParallelSteps: c.Pipeline.MaxParallelSteps,
		DefaultTimeout:   c.Pipeline.DefaultTimeout(),
	}, deps)
	if err != nil {
		env.Store = nil
		env.Close()
		return nil, err
	}
	env.Orchestrator = orch

	zap.L().Info("pipeline initialized",
		zap.Int("steps", reg.Len()),
		zap.Strings("tags", deps.Planner.Tags()),
		zap.Bool("cache", env.Cache != nil),
		zap.Bool("batching", env.batcher != nil),
		zap.Bool("persist_runs", deps.Runs != nil),
	)
	return env, nil
}

// loadRoutingTable reads the optional routing file. An empty path uses the
// built-in table.
func loadRoutingTable(path string) (planner.Table, error) {
	if path == "" {
		return nil, nil
	}
	table, err := planner.LoadTable(path)
	if err != nil {
		return nil, eris.Wrap(err, "load routing table")
	}
	return table, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "callpipe.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// recoveryOutcome records which strategy settled each step invocation. Steps
// that needed a fallback are logged.
func recoveryOutcome(rec *metrics.Recorder) func(step string, strategy resilience.Strategy) {
	return func(step string, strategy resilience.Strategy) {
		rec.Recovery(step, string(strategy))
		if strategy != resilience.StrategyInvoke {
			zap.L().Info("pipeline: step recovered by fallback",
				zap.String("step", step),
				zap.String("strategy", string(strategy)),
			)
		}
	}
}
