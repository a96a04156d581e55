// Package completion defines the text completion contract that prompt-based
// steps call, plus the Anthropic implementation.
package completion

import (
	"context"

	"github.com/sells-group/callpipe/internal/model"
)

// Request is one completion call made on behalf of a step.
type Request struct {
	Step string
	// System holds instructions shared by every call of the step. Providers
	// may cache it.
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
}

// Response is the provider's answer.
type Response struct {
	Text  string
	Model string
	Usage model.TokenUsage
}

// Provider produces completions.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
