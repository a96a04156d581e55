package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate_Examples(t *testing.T) {
	tests := []struct {
		name    string
		factors map[string]float64
		value   float64
		level   Level
	}{
		{"all high", map[string]float64{"a": 1.0, "b": 1.0}, 1.0, LevelHigh},
		{"all low", map[string]float64{"a": 0.2, "b": 0.2}, 0.2, LevelLow},
		{"single medium", map[string]float64{"a": 0.65}, 0.65, LevelMedium},
		{"empty", map[string]float64{}, 0, LevelLow},
		{"mixed", map[string]float64{"a": 1.0, "b": 0.5}, 0.75, LevelMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate(tt.factors)
			assert.InDelta(t, tt.value, s.Value, 1e-9)
			assert.Equal(t, tt.level, s.Level)
			assert.True(t, s.Valid())
		})
	}
}

func TestAggregate_ClampsOutOfRange(t *testing.T) {
	s := Aggregate(map[string]float64{"a": 1.7, "b": -3})
	assert.InDelta(t, 0.5, s.Value, 1e-9)
	assert.Equal(t, 1.0, s.Factors["a"])
	assert.Equal(t, 0.0, s.Factors["b"])
}

func TestAggregateWeighted(t *testing.T) {
	s := AggregateWeighted([]Factor{
		{Name: "model", Score: 0.9, Weight: 3},
		{Name: "completeness", Score: 0.5, Weight: 1},
		{Name: "ignored", Score: 0, Weight: 0},
	})
	assert.InDelta(t, 0.8, s.Value, 1e-9)
	assert.Equal(t, LevelHigh, s.Level)
	assert.Equal(t, "completeness=0.50, ignored=0.00, model=0.90", s.Breakdown)
}

func TestLevelFor_Boundaries(t *testing.T) {
	assert.Equal(t, LevelLow, LevelFor(0.4999))
	assert.Equal(t, LevelMedium, LevelFor(0.5))
	assert.Equal(t, LevelMedium, LevelFor(0.7999))
	assert.Equal(t, LevelHigh, LevelFor(0.8))
}

func TestCap(t *testing.T) {
	s := Aggregate(map[string]float64{"a": 0.9})
	capped := Cap(s, 0.4)
	assert.InDelta(t, 0.4, capped.Value, 1e-9)
	assert.Equal(t, LevelLow, capped.Level)
	assert.True(t, capped.Valid())

	low := Aggregate(map[string]float64{"a": 0.1})
	assert.Equal(t, low, Cap(low, 0.4))
}

func TestScore_Valid(t *testing.T) {
	assert.False(t, Score{Value: 0.9, Level: LevelLow}.Valid())
	assert.False(t, Score{Value: 1.2, Level: LevelHigh}.Valid())
	assert.True(t, Score{Value: 0.3, Level: LevelLow}.Valid())
}
