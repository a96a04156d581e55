// Package monitoring watches stored run outcomes and breaker state and raises
// webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/resilience"
	"github.com/sells-group/callpipe/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs started within the lookback window.
	RunsTotal     int                       `json:"runs_total"`
	RunsAborted   int                       `json:"runs_aborted"`
	RunsSevere    int                       `json:"runs_severe"`
	ByDegradation map[model.Degradation]int `json:"by_degradation"`
	AbortRate     float64                   `json:"abort_rate"`
	SevereRate    float64                   `json:"severe_rate"`
	CostUSD       float64                   `json:"cost_usd"`
	AvgTokens     int                       `json:"avg_tokens"`

	// AbortedBy counts aborts per critical step.
	AbortedBy map[string]int `json:"aborted_by,omitempty"`

	// OpenBreakers lists steps whose breaker is not closed.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AggregateResult, error)
}

// BreakerSource reports the current breaker states.
type BreakerSource interface {
	Snapshots() []resilience.Snapshot
}

// Collector gathers metrics from stored runs and live breakers.
type Collector struct {
	runs     RunLister
	breakers BreakerSource
	now      func() time.Time
}

// NewCollector creates a collector. breakers may be nil.
func NewCollector(runs RunLister, breakers BreakerSource) *Collector {
	return &Collector{runs: runs, breakers: breakers, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		ByDegradation: make(map[model.Degradation]int),
		AbortedBy:     make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalTokens int
	for i := range runs {
		r := &runs[i]
		// Newest first, so everything after this is older still.
		if r.StartedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		snap.ByDegradation[r.Degradation]++
		if r.Degradation == model.DegradationSevere {
			snap.RunsSevere++
		}
		if r.Aborted {
			snap.RunsAborted++
			snap.AbortedBy[r.AbortedBy]++
		}
		snap.CostUSD += r.EstimatedCost
		totalTokens += r.Usage.Total()
	}

	if snap.RunsTotal > 0 {
		snap.AbortRate = float64(snap.RunsAborted) / float64(snap.RunsTotal)
		snap.SevereRate = float64(snap.RunsSevere) / float64(snap.RunsTotal)
		snap.AvgTokens = totalTokens / snap.RunsTotal
	}

	if c.breakers != nil {
		for _, s := range c.breakers.Snapshots() {
			if s.State != resilience.CircuitClosed {
				snap.OpenBreakers = append(snap.OpenBreakers, s.Name)
			}
		}
	}

	return snap, nil
}
