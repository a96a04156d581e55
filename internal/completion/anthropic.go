package completion

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/pkg/anthropic"
)

const defaultMaxTokens = 1024

// Anthropic is a Provider backed by the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *AdaptiveLimiter
	cacheTTL  string
}

// NewAnthropic creates a provider. A nil limiter disables throttling.
func NewAnthropic(client anthropic.Client, modelName string, maxTokens int64, limiter *AdaptiveLimiter) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    client,
		model:     modelName,
		maxTokens: maxTokens,
		limiter:   limiter,
	}
}

// WithCacheTTL sets the prompt cache TTL used for system instructions.
func (a *Anthropic) WithCacheTTL(ttl string) *Anthropic {
	a.cacheTTL = ttl
	return a
}

// Model returns the configured model name.
func (a *Anthropic) Model() string { return a.model }

// Complete sends req as a single user message. HTTP failures come back as
// *agent.UpstreamError carrying the status code. Context errors are returned
// unwrapped so callers can tell a timeout from an upstream failure.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	start := time.Now()
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System, a.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		status, _ := anthropic.StatusCode(err)
		if status == http.StatusTooManyRequests {
			a.limiter.OnRateLimit()
		}
		return nil, &agent.UpstreamError{Status: status, Err: eris.Wrapf(err, "completion: %s", req.Step)}
	}
	a.limiter.OnSuccess()

	usage := model.TokenUsage{
		InputTokens:         int(resp.Usage.InputTokens),
		OutputTokens:        int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
	zap.L().Debug("completion: message complete",
		zap.String("step", req.Step),
		zap.String("model", resp.Model),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Int("cache_read_tokens", usage.CacheReadTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	modelName := resp.Model
	if modelName == "" {
		modelName = a.model
	}
	return &Response{Text: resp.Text(), Model: modelName, Usage: usage}, nil
}
