// Package llm wraps the OpenAI-compatible chat completion API behind the
// narrow capability the pipeline adapters need. Each adapter role gets its
// own Client instance so temperature and model differ per role and the
// evaluator never shares the generator's instance.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/repflow/orchestrator/internal/circuitbreaker"
	"github.com/repflow/orchestrator/internal/metrics"
)

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Config configures one client instance.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Role        string // observability label: "optimizer", "generator", "evaluator"
	Temperature float64
	MaxTokens   int
}

// Client is safe for concurrent use by multiple runs.
type Client struct {
	openai      openai.Client
	model       string
	role        string
	temperature float64
	maxTokens   int
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
}

// New creates a chat completion client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}
	role := cfg.Role
	if role == "" {
		role = "default"
	}
	return &Client{
		openai:      openai.NewClient(opts...),
		model:       model,
		role:        role,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		breaker:     circuitbreaker.New("llm_"+role, circuitbreaker.DefaultConfig(), logger),
		logger:      logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete runs one free-text completion.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(c.temperature),
	}
	return c.complete(ctx, params)
}

// CompleteJSON runs one completion in JSON-object mode and unmarshals the
// response into result.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, result any) (Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxTokens:   openai.Int(int64(c.maxTokens)),
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	content, usage, err := c.complete(ctx, params)
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(content), result); err != nil {
		return usage, fmt.Errorf("llm: unmarshal %s response: %w", c.role, err)
	}
	return usage, nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (string, Usage, error) {
	start := time.Now()
	var resp *openai.ChatCompletion
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.openai.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues(c.role, "error").Inc()
		return "", Usage{}, fmt.Errorf("llm: %s completion: %w", c.role, err)
	}
	if len(resp.Choices) == 0 {
		metrics.LLMCalls.WithLabelValues(c.role, "error").Inc()
		return "", Usage{}, fmt.Errorf("llm: %s completion returned no choices", c.role)
	}

	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	metrics.LLMCalls.WithLabelValues(c.role, "ok").Inc()
	metrics.RecordLLMUsage(c.role, usage.PromptTokens, usage.CompletionTokens)

	c.logger.Debug("LLM completion finished",
		zap.String("role", c.role),
		zap.String("model", c.model),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, usage, nil
}
