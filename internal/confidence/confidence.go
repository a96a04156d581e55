// Package confidence combines named factor scores into a single step confidence.
package confidence

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Level is the qualitative bucket for a confidence value.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

const (
	mediumFloor = 0.5
	highFloor   = 0.8
)

// Score is an aggregated confidence value with its factor breakdown.
type Score struct {
	Value     float64            `json:"value"`
	Level     Level              `json:"level"`
	Factors   map[string]float64 `json:"factors,omitempty"`
	Breakdown string             `json:"breakdown,omitempty"`
}

// Factor is a named score with an explicit weight.
type Factor struct {
	Name   string
	Score  float64
	Weight float64
}

// LevelFor maps a value in [0,1] to its level.
func LevelFor(v float64) Level {
	switch {
	case v < mediumFloor:
		return LevelLow
	case v < highFloor:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Aggregate averages the given factors with equal weight. An empty factor set
// yields a zero, low-confidence score.
func Aggregate(factors map[string]float64) Score {
	weighted := make([]Factor, 0, len(factors))
	for name, v := range factors {
		weighted = append(weighted, Factor{Name: name, Score: v, Weight: 1})
	}
	return AggregateWeighted(weighted)
}

// AggregateWeighted computes the weighted mean of factors. Scores are clamped to
// [0,1]; factors with a non-positive weight are recorded but do not contribute.
func AggregateWeighted(factors []Factor) Score {
	factors = append([]Factor(nil), factors...)
	sort.Slice(factors, func(i, j int) bool { return factors[i].Name < factors[j].Name })

	var sum, total float64
	clamped := make(map[string]float64, len(factors))
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		s := clamp(f.Score)
		clamped[f.Name] = s
		parts = append(parts, fmt.Sprintf("%s=%.2f", f.Name, s))
		if f.Weight <= 0 {
			continue
		}
		sum += s * f.Weight
		total += f.Weight
	}

	value := 0.0
	if total > 0 {
		value = round(sum / total)
	}
	return Score{
		Value:     value,
		Level:     LevelFor(value),
		Factors:   clamped,
		Breakdown: strings.Join(parts, ", "),
	}
}

// Cap returns a copy of s with its value limited to max, re-deriving the level.
func Cap(s Score, max float64) Score {
	if s.Value <= max {
		return s
	}
	out := s
	out.Value = round(clamp(max))
	out.Level = LevelFor(out.Value)
	if out.Breakdown != "" {
		out.Breakdown += fmt.Sprintf(" (capped %.2f)", out.Value)
	}
	return out
}

// Valid reports whether the score is well-formed: value in range and level
// consistent with the value.
func (s Score) Valid() bool {
	if math.IsNaN(s.Value) || s.Value < 0 || s.Value > 1 {
		return false
	}
	return s.Level == LevelFor(s.Value)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
