// Package search is the web search collaborator: a Tavily HTTP client and
// the Result type shared with the search cache and the research steps.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/interceptors"
	"github.com/Kocoro-lab/deep-research/internal/ratecontrol"
	"github.com/Kocoro-lab/deep-research/internal/tracing"
	"go.uber.org/zap"
)

// DefaultEndpoint is the Tavily search API.
const DefaultEndpoint = "https://api.tavily.com/search"

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Searcher is the search capability consumed by the research workflow.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// Error is returned for failures of the search backend itself.
type Error struct {
	Query      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("search backend returned status %d for %q", e.StatusCode, e.Query)
	}
	return fmt.Sprintf("search failed for %q: %v", e.Query, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config configures the Tavily client.
type Config struct {
	APIKey      string
	Endpoint    string
	SearchDepth string
	Timeout     time.Duration
}

// TavilyClient calls the Tavily search API.
type TavilyClient struct {
	cfg     Config
	httpw   *circuitbreaker.HTTPWrapper
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

// NewTavilyClient builds a client. limiter may be nil.
func NewTavilyClient(cfg Config, limiter *ratecontrol.Limiter, logger *zap.Logger) *TavilyClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.SearchDepth == "" {
		cfg.SearchDepth = "advanced"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout, Transport: interceptors.NewSessionHTTPRoundTripper(nil)}
	return &TavilyClient{
		cfg:     cfg,
		httpw:   circuitbreaker.NewHTTPWrapper(httpClient, circuitbreaker.DependencySearch, "tavily", logger),
		limiter: limiter,
		logger:  logger,
	}
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query. An empty result list is not an error.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if err := c.limiter.Wait(ctx, 0); err != nil {
		return nil, &Error{Query: query, Err: err}
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.cfg.Endpoint)
	defer span.End()

	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.cfg.APIKey,
		Query:       query,
		SearchDepth: c.cfg.SearchDepth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, &Error{Query: query, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Query: query, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, &Error{Query: query, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("Search backend error",
			zap.String("query", query),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet),
		)
		return nil, &Error{Query: query, StatusCode: resp.StatusCode}
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	c.logger.Debug("Search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}
