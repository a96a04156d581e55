// Package store persists aggregate run results.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/model"
)

// ErrNotFound is returned when a run id has no stored result.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Tag         string            `json:"tag,omitempty"`
	Degradation model.Degradation `json:"degradation,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// SaveRun inserts run, replacing any earlier result with the same id.
	SaveRun(ctx context.Context, run *model.AggregateResult) error
	GetRun(ctx context.Context, runID string) (*model.AggregateResult, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AggregateResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
