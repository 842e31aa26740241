// Package search provides the web search client used for source
// discovery. It calls the Tavily search API and degrades to empty
// results on any failure: research never aborts because search is
// down or unconfigured.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

const requestTimeout = 15 * time.Second

// Depth selects how thoroughly the provider crawls for a query.
type Depth string

const (
	DepthBasic    Depth = "basic"
	DepthAdvanced Depth = "advanced"
)

// Config carries the provider settings from the environment.
type Config struct {
	APIKey  string
	BaseURL string // e.g. https://api.tavily.com
}

// Options tune a single search call.
type Options struct {
	MaxResults int
	Depth      Depth
}

// Client performs web searches. A client without an API key is valid and
// returns empty results for every query.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient creates a search client.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  slog.With("component", "search"),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Wire types for the Tavily search protocol.

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query and returns ranked sources. It never fails:
// transport errors, non-2xx responses, malformed bodies and a missing
// API key all yield an empty list, with the cause logged.
func (c *Client) Search(ctx context.Context, query string, opts Options) []models.Source {
	if c.apiKey == "" {
		return []models.Source{}
	}

	sources, err := c.doSearch(ctx, query, opts)
	if err != nil {
		c.logger.Warn("Web search degraded to empty results",
			"query", query,
			"error", err)
		return []models.Source{}
	}
	return sources
}

// SearchMany runs all queries concurrently and returns one result list
// per query, in query order. Individual failures yield empty lists
// without affecting the other queries.
func (c *Client) SearchMany(ctx context.Context, queries []string, opts Options) [][]models.Source {
	results := make([][]models.Source, len(queries))

	var wg sync.WaitGroup
	for i, query := range queries {
		wg.Add(1)
		go func(i int, query string) {
			defer wg.Done()
			results[i] = c.Search(ctx, query, opts)
		}(i, query)
	}
	wg.Wait()

	return results
}

func (c *Client) doSearch(ctx context.Context, query string, opts Options) ([]models.Source, error) {
	depth := opts.Depth
	if depth == "" {
		depth = DepthBasic
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        c.apiKey,
		Query:         query,
		MaxResults:    opts.MaxResults,
		SearchDepth:   string(depth),
		IncludeAnswer: false,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 256))
		return nil, fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, raw)
	}

	var decoded searchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sources := make([]models.Source, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		sources = append(sources, models.Source{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}
	return sources, nil
}
