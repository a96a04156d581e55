// Package metrics records pipeline activity as prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callpipe"

// Recorder owns the pipeline's metrics on a dedicated registry. A nil
// *Recorder accepts every call and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	stepExecutions     *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepRetries        *prometheus.CounterVec
	shortCircuits      *prometheus.CounterVec
	recoveries         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	batchSize          *prometheus.HistogramVec
	runs               *prometheus.CounterVec
	runCost            prometheus.Counter
	tokens             *prometheus.CounterVec
	providerRate       prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stepExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Step executions by terminal status and degradation",
		}, []string{"step", "status", "degradation"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step wall time including retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"step"}),
		stepRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts by error class",
		}, []string{"step", "class"}),
		shortCircuits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_short_circuits_total",
			Help:      "Step invocations rejected by an open circuit",
		}, []string{"step"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_recoveries_total",
			Help:      "Recovery strategy that produced each step's final result",
		}, []string{"step", "strategy"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"step", "from", "to"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 half_open, 2 open)",
		}, []string{"step"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Result cache hits",
		}, []string{"step"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Result cache misses",
		}, []string{"step"}),
		batchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Items dispatched per coalesced batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 20},
		}, []string{"step"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by overall degradation",
		}, []string{"tag", "degradation", "aborted"}),
		runCost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated provider spend",
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Provider tokens by type",
		}, []string{"type"}),
		providerRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_requests_per_second",
			Help:      "Current adaptive request rate toward the completion provider",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Step records a step's terminal outcome.
func (r *Recorder) Step(step, status, degradation string, d time.Duration) {
	if r == nil {
		return
	}
	r.stepExecutions.WithLabelValues(step, status, degradation).Inc()
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Retry records one retry of step.
func (r *Recorder) Retry(step, class string) {
	if r == nil {
		return
	}
	r.stepRetries.WithLabelValues(step, class).Inc()
}

// ShortCircuit records an invocation rejected by an open breaker.
func (r *Recorder) ShortCircuit(step string) {
	if r == nil {
		return
	}
	r.shortCircuits.WithLabelValues(step).Inc()
}

// Recovery records the strategy that settled one step invocation.
func (r *Recorder) Recovery(step, strategy string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(step, strategy).Inc()
}

// BreakerTransition records a breaker state change.
func (r *Recorder) BreakerTransition(step, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(step, from, to).Inc()
	r.breakerState.WithLabelValues(step).Set(stateValue(to))
}

func stateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// CacheHit records a cache hit.
func (r *Recorder) CacheHit(step string) {
	if r == nil {
		return
	}
	r.cacheHits.WithLabelValues(step).Inc()
}

// CacheMiss records a cache miss.
func (r *Recorder) CacheMiss(step string) {
	if r == nil {
		return
	}
	r.cacheMisses.WithLabelValues(step).Inc()
}

// Batch records a dispatched batch.
func (r *Recorder) Batch(step string, size int) {
	if r == nil {
		return
	}
	r.batchSize.WithLabelValues(step).Observe(float64(size))
}

// Run records a finished pipeline run.
func (r *Recorder) Run(tag, degradation string, aborted bool, cost float64, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	abortedLabel := "false"
	if aborted {
		abortedLabel = "true"
	}
	r.runs.WithLabelValues(tag, degradation, abortedLabel).Inc()
	if cost > 0 {
		r.runCost.Add(cost)
	}
	r.tokens.WithLabelValues("input").Add(float64(inputTokens))
	r.tokens.WithLabelValues("output").Add(float64(outputTokens))
}

// ProviderRate records the adaptive limiter's current rate.
func (r *Recorder) ProviderRate(perSecond float64) {
	if r == nil {
		return
	}
	r.providerRate.Set(perSecond)
}
