// Package llm talks to an OpenAI-compatible provider (DashScope by default)
// for tool-calling chat completions and text embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/metrics"
	"github.com/Leoris0/MusicProject/pkg/circuitbreaker"
	"github.com/Leoris0/MusicProject/pkg/config"
	"github.com/Leoris0/MusicProject/pkg/logger"
	"github.com/Leoris0/MusicProject/pkg/retry"
)

var ErrEmptyResponse = errors.New("provider returned no choices")

type Client struct {
	client           *openai.Client
	model            string
	embeddingModel   string
	temperature      float32
	maxTokens        int
	timeout          time.Duration
	embeddingTimeout time.Duration
	batchSize        int
	cb               *circuitbreaker.CircuitBreaker
	retryConfig      retry.Config
}

func NewClient(cfg config.LLMConfig) *Client {
	return newClient(cfg, nil)
}

func newClient(cfg config.LLMConfig, httpClient *http.Client) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure:        isProviderFailure,
		OnStateChange: func(name string, _ circuitbreaker.State, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryConfig := retry.Config{
		Name:           "llm",
		MaxAttempts:    maxAttempts,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	embeddingTimeout := cfg.EmbeddingTimeout()
	if embeddingTimeout <= 0 {
		embeddingTimeout = 15 * time.Second
	}
	batchSize := cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	logger.Info("LLM client initialized",
		zap.String("base_url", oc.BaseURL),
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:           openai.NewClientWithConfig(oc),
		model:            cfg.Model,
		embeddingModel:   cfg.EmbeddingModel,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		timeout:          timeout,
		embeddingTimeout: embeddingTimeout,
		batchSize:        batchSize,
		cb:               cb,
		retryConfig:      retryConfig,
	}
}

func (c *Client) Model() string { return c.model }

// Complete implements agent.ChatModel.
func (c *Client) Complete(ctx context.Context, turns []agent.Turn, tools []agent.ToolSchema) (agent.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toMessages(turns),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toTools(tools)
	}

	start := time.Now()
	var reply agent.Turn

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, req)
			if err != nil {
				return classify(fmt.Errorf("failed to create completion: %w", err))
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))
			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
				zap.Int("tool_calls", len(resp.Choices[0].Message.ToolCalls)),
			)

			reply = fromMessage(resp.Choices[0].Message)
			return nil
		})
	})

	metrics.LLMDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequests.WithLabelValues("chat", "error").Inc()
		return agent.Turn{}, err
	}
	metrics.LLMRequests.WithLabelValues("chat", "success").Inc()

	return reply, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch splits texts into provider-sized batches and preserves input
// order in the result.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := min(i+c.batchSize, len(texts))

		batch, err := c.embed(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (c *Client) embed(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embeddingTimeout)
	defer cancel()

	start := time.Now()
	var out [][]float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return classify(fmt.Errorf("failed to generate embeddings: %w", err))
			}
			if len(resp.Data) != len(batch) {
				return retry.Permanent(fmt.Errorf("provider returned %d embeddings for %d texts", len(resp.Data), len(batch)))
			}

			data := resp.Data
			sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

			out = make([][]float32, len(data))
			for i, d := range data {
				out[i] = append([]float32(nil), d.Embedding...)
			}
			metrics.LLMTokensUsed.WithLabelValues(c.embeddingModel, "embedding").Add(float64(resp.Usage.TotalTokens))
			return nil
		})
	})

	metrics.LLMDuration.WithLabelValues("embedding").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequests.WithLabelValues("embedding", "error").Inc()
		return nil, err
	}
	metrics.LLMRequests.WithLabelValues("embedding", "success").Inc()
	return out, nil
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	if status := httpStatus(err); status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isProviderFailure keeps bad requests from tripping the breaker.
func isProviderFailure(err error) bool {
	status := httpStatus(err)
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}
