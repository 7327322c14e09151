// Package llm is the text completion collaborator: an OpenAI-compatible
// chat client with a blocking and a streaming call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/interceptors"
	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"github.com/Kocoro-lab/deep-research/internal/ratecontrol"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4-turbo-preview"

// ErrEmptyResponse is returned when the provider answers without choices.
var ErrEmptyResponse = errors.New("completion returned no choices")

// Chunk is one fragment of a streamed completion. A chunk with Err set is
// the last value sent before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// Config configures the completion client.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
	limiter     *ratecontrol.Limiter
	logger      *zap.Logger
}

// NewClient builds a client whose HTTP traffic goes through a circuit breaker.
// The SDK's own retries are disabled; failures propagate to the caller.
func NewClient(cfg Config, limiter *ratecontrol.Limiter, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not provided in config or OPENAI_API_KEY environment variable")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	transport := circuitbreaker.NewHTTPWrapper(&http.Client{Transport: interceptors.NewSessionHTTPRoundTripper(nil)}, circuitbreaker.DependencyLLM, "openai", logger)
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Transport: transport}),
		option.WithMaxRetries(0),
	}
	// custom base URL for OpenAI-compatible gateways
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

func (c *Client) params(system, user string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
	}
}

// Complete returns the full completion text. jsonMode asks the provider for
// a single JSON object; callers still parse defensively.
func (c *Client) Complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	if err := c.limiter.Wait(ctx, ratecontrol.EstimateTokens(system, user)); err != nil {
		return "", err
	}

	params := c.params(system, user)
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.RecordLLMRequest("complete", "error", time.Since(start).Seconds())
		c.logger.Warn("Chat completion failed", zap.String("model", c.model), zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	metrics.RecordLLMRequest("complete", "success", time.Since(start).Seconds())

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream starts a streaming completion. Fragments arrive on the
// returned channel, which is closed when the stream ends, fails, or ctx is
// cancelled. Callers that stop reading early must cancel ctx.
func (c *Client) CompleteStream(ctx context.Context, system, user string) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx, ratecontrol.EstimateTokens(system, user)); err != nil {
		return nil, err
	}

	start := time.Now()
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(system, user))
	out := make(chan Chunk)

	go func() {
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case out <- Chunk{Text: text}:
			case <-ctx.Done():
				metrics.RecordLLMRequest("stream", "cancelled", time.Since(start).Seconds())
				return
			}
		}

		if err := stream.Err(); err != nil {
			status := "error"
			if ctx.Err() != nil {
				status = "cancelled"
			}
			metrics.RecordLLMRequest("stream", status, time.Since(start).Seconds())
			select {
			case out <- Chunk{Err: fmt.Errorf("chat completion stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		metrics.RecordLLMRequest("stream", "success", time.Since(start).Seconds())
	}()

	return out, nil
}
