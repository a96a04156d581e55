// Package prompt holds optional best-effort rewrites applied to step prompts
// before they are sent to the completion provider.
package prompt

import (
	"regexp"
	"strings"
)

// Optimizer rewrites a prompt. Implementations must be safe for concurrent
// use and must return the input unchanged when they cannot improve it.
type Optimizer interface {
	Optimize(text string) string
}

// Noop returns prompts unchanged.
type Noop struct{}

// Optimize implements Optimizer.
func (Noop) Optimize(text string) string { return text }

var (
	exampleBlock = regexp.MustCompile(`(?is)<example>.*?</example>\s*`)
	exampleLine  = regexp.MustCompile(`(?im)^\s*(for )?example:.*(\n|$)`)
	politeness   = regexp.MustCompile(`(?i)\b(please|kindly)\s+`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
	spaceRuns    = regexp.MustCompile(`[ \t]{2,}`)
)

// Heuristic strips politeness words and example blocks and collapses
// whitespace. It carries no correctness guarantee: a prompt whose meaning
// depends on its examples should not be routed through it.
type Heuristic struct {
	// KeepExamples disables example stripping.
	KeepExamples bool
}

// Optimize implements Optimizer.
func (h Heuristic) Optimize(text string) string {
	out := text
	if !h.KeepExamples {
		out = exampleBlock.ReplaceAllString(out, "")
		out = exampleLine.ReplaceAllString(out, "")
	}
	out = politeness.ReplaceAllString(out, "")
	out = spaceRuns.ReplaceAllString(out, " ")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	return out
}

// Savings returns the fraction of characters removed, in [0,1].
func Savings(before, after string) float64 {
	if len(before) == 0 || len(after) >= len(before) {
		return 0
	}
	return float64(len(before)-len(after)) / float64(len(before))
}

// New returns Heuristic when enabled and Noop otherwise.
func New(enabled bool) Optimizer {
	if enabled {
		return Heuristic{}
	}
	return Noop{}
}
