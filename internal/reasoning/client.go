package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel          = "gpt-4o"
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 45 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
	backoffFactor         = 2.0
	jitterFactor          = 0.25
)

// Config holds the reasoning client settings. Zero values fall back to the
// package defaults.
type Config struct {
	APIKey         string
	BaseURL        string // overrides the OpenAI endpoint, used in tests
	Model          string
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client calls the reasoning service. Each call gets a per-attempt timeout;
// transient failures are retried with exponential backoff and jitter,
// permanent ones surface immediately.
type Client struct {
	api *openai.Client
	cfg Config
}

// New creates a reasoning client from cfg.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}
}

// Model returns the model name requests are sent with.
func (c *Client) Model() string {
	return c.cfg.Model
}

// BillContext carries a processed bill's summary for prompt assembly.
type BillContext struct {
	Filename string
	Summary  string
}

// Research runs a health economics research query against the reasoning
// model, grounding it on the supplied bill summaries.
func (c *Client) Research(ctx context.Context, queryText string, bills []BillContext) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: researchSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildResearchPrompt(queryText, bills)},
	}
	return c.complete(ctx, "research", messages)
}

// Summarize produces a short summary of an uploaded bill document.
func (c *Client) Summarize(ctx context.Context, filename, text string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildSummarizePrompt(filename, text)},
	}
	return c.complete(ctx, "summarize", messages)
}

func (c *Client) complete(ctx context.Context, op string, messages []openai.ChatCompletionMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: messages,
	}

	backoff := c.cfg.InitialBackoff
	var lastErr *ServiceError
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		content, err := c.attempt(ctx, req)
		latency := time.Since(start)
		if err == nil {
			slog.Debug("reasoning call succeeded",
				"op", op, "attempt", attempt, "latency_ms", latency.Milliseconds())
			return content, nil
		}

		svcErr := toServiceError(err)
		slog.Warn("reasoning call failed",
			"op", op, "attempt", attempt, "latency_ms", latency.Milliseconds(),
			"class", svcErr.Class, "error", err)

		if !svcErr.Class.Transient() {
			return "", svcErr
		}
		lastErr = svcErr

		// Caller gone, no point retrying.
		if ctx.Err() != nil {
			return "", svcErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", svcErr
		case <-time.After(withJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return "", &ServiceError{
		Class:   ClassRetryExhausted,
		Message: fmt.Sprintf("%s: exhausted %d attempts", op, c.cfg.MaxAttempts),
		Err:     lastErr,
	}
}

func (c *Client) attempt(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(attemptCtx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &ServiceError{Class: ClassServerError, Message: "response contained no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

// withJitter randomizes a backoff within the jitter factor of its base.
func withJitter(base time.Duration) time.Duration {
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1 + jitter))
}
