package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callpipe/internal/agent"
	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/pkg/anthropic"
	"github.com/sells-group/callpipe/pkg/anthropic/mocks"
)

func TestAnthropic_Complete(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.MaxTokens == 512 &&
			len(req.System) == 1 && req.System[0].Text == "extract the summary" &&
			req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Content == "transcript"
	})).Return(&anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"summary":"ok"}`}},
		Usage:   anthropic.TokenUsage{InputTokens: 120, OutputTokens: 30, CacheReadInputTokens: 900},
	}, nil)

	p := NewAnthropic(client, "claude-haiku-4-5-20251001", 512, nil)
	resp, err := p.Complete(context.Background(), Request{Step: "summary", System: "extract the summary", Prompt: "transcript"})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, resp.Text)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, model.TokenUsage{InputTokens: 120, OutputTokens: 30, CacheReadTokens: 900}, resp.Usage)
}

func TestAnthropic_RequestOverridesMaxTokens(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == 64 && req.System == nil
	})).Return(&anthropic.MessageResponse{}, nil)

	p := NewAnthropic(client, "m", 0, nil)
	resp, err := p.Complete(context.Background(), Request{Prompt: "x", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "m", resp.Model, "falls back to the configured model")
}

func TestAnthropic_NonHTTPErrorIsUpstream(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset by peer"))

	_, err := NewAnthropic(client, "m", 0, nil).Complete(context.Background(), Request{Step: "summary"})
	var ue *agent.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 0, ue.Status)

	info := agent.DefaultClassifyError(err)
	assert.Equal(t, model.ErrorKindUpstreamAPI, info.Kind)
	assert.True(t, info.Recoverable)
}

func TestAnthropic_ContextErrorPassesThrough(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := NewAnthropic(client, "m", 0, nil).Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindTimeout, agent.DefaultClassifyError(err).Kind)
}

func TestAnthropic_HTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		recoverable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"overloaded", 529, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
					"type":  "error",
					"error": map[string]any{"type": "api_error", "message": "boom"},
				})
			}))
			defer ts.Close()

			lim := NewAdaptiveLimiter(1000, 10)
			p := NewAnthropic(anthropic.NewClient("test-key", option.WithBaseURL(ts.URL)), "m", 0, lim)
			_, err := p.Complete(context.Background(), Request{Step: "pricing_extraction", Prompt: "hi"})
			require.Error(t, err)

			var ue *agent.UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tt.status, ue.Status)
			assert.Contains(t, err.Error(), "pricing_extraction")

			info := agent.DefaultClassifyError(err)
			assert.Equal(t, model.ErrorKindUpstreamAPI, info.Kind)
			assert.Equal(t, tt.recoverable, info.Recoverable)

			if tt.status == http.StatusTooManyRequests {
				assert.InDelta(t, 500.0, float64(lim.Limit()), 0.1)
			}
		})
	}
}
