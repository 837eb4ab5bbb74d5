// Package llm wraps the OpenAI-compatible chat completion API behind a
// narrow interface the agent can be tested against.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrUnavailable marks model failures that survived the retry budget.
// Callers should surface these as retryable to their own clients.
var ErrUnavailable = errors.New("language model unavailable")

// Client is the minimal contract the agent relies on. Implementations may
// add helper methods but only New is used by the control loop.
type Client interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
	RetryBaseWait time.Duration
	OnRetry       func()
}

type OpenAIClient struct {
	client        *openai.Client
	timeout       time.Duration
	retryAttempts int
	retryBaseWait time.Duration
	onRetry       func()
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseWait := cfg.RetryBaseWait
	if baseWait <= 0 {
		baseWait = 500 * time.Millisecond
	}
	return &OpenAIClient{
		client:        openai.NewClient(opts...),
		timeout:       timeout,
		retryAttempts: attempts,
		retryBaseWait: baseWait,
		onRetry:       cfg.OnRetry,
	}, nil
}

// New issues a chat completion request with a per-call timeout and bounded
// exponential backoff on failure.
func (c *OpenAIClient) New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	var completion *openai.ChatCompletion
	err := withRetries(ctx, c.retryAttempts, c.retryBaseWait, c.onRetry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		completion, err = c.client.Chat.Completions.New(callCtx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion choices", ErrUnavailable)
	}
	return completion, nil
}
