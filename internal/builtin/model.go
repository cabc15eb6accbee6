package builtin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

const (
	defaultModel       = openai.GPT4oMini
	defaultModelRPS    = 2
	defaultModelBurst  = 4
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultCallTimeout = 2 * time.Minute
)

// chatCompleter is the part of *openai.Client the model tool uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelConfig configures the ask_model tool.
type ModelConfig struct {
	APIKey       string
	BaseURL      string        // optional, for compatible endpoints
	Model        string        // default gpt-4o-mini
	SystemPrompt string        // optional
	RPS          float64       // default 2
	Burst        int           // default 4
	MaxRetries   int           // default 3
	Timeout      time.Duration // per upstream call including retries, default 2m
	Logger       *zap.Logger
}

// ModelTool asks a chat model a question. Requests are rate limited,
// retried with exponential backoff on 429, and identical concurrent prompts
// share one upstream call.
type ModelTool struct {
	client       chatCompleter
	model        string
	systemPrompt string
	limiter      *rate.Limiter
	group        singleflight.Group
	maxRetries   int
	baseBackoff  time.Duration
	callTimeout  time.Duration
	logger       *zap.Logger
}

// NewModelTool creates the ask_model tool backed by the OpenAI API.
func NewModelTool(cfg ModelConfig) (*ModelTool, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("NewModelTool: API key required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newModelTool(cfg, openai.NewClientWithConfig(oc)), nil
}

func newModelTool(cfg ModelConfig, client chatCompleter) *ModelTool {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.RPS <= 0 {
		cfg.RPS = defaultModelRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultModelBurst
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ModelTool{
		client:       client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		maxRetries:   cfg.MaxRetries,
		baseBackoff:  defaultBaseBackoff,
		callTimeout:  cfg.Timeout,
		logger:       cfg.Logger,
	}
}

func (m *ModelTool) Name() string        { return "ask_model" }
func (m *ModelTool) Description() string { return "Asks a chat model; args: prompt." }

// Execute sends args["prompt"] and returns the first choice. The shared
// upstream call is detached from any single caller, so one caller giving up
// does not fail the others waiting on the same prompt.
func (m *ModelTool) Execute(ctx context.Context, args registry.Args) (any, error) {
	prompt := args.String("prompt")

	ch := m.group.DoChan(m.model+"\x00"+prompt, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
		defer cancel()
		return m.complete(callCtx, prompt)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return map[string]any{
			"model":  m.model,
			"answer": res.Val.(string),
			"shared": res.Shared,
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ask_model: %w", ctx.Err())
	}
}

func (m *ModelTool) complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{Model: m.model}
	if m.systemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: m.systemPrompt,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.baseBackoff * time.Duration(1<<(attempt-1))
			m.logger.Debug("model rate limited, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("ask_model: rate limiter: %w", err)
		}

		resp, err := m.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", errors.New("ask_model: no choices returned")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			return "", fmt.Errorf("ask_model: %w", err)
		}
	}
	return "", fmt.Errorf("ask_model: max retries exceeded: %w", lastErr)
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
