// Package tavily provides the tavily_search tool backed by the Tavily search
// API. Results are returned as a JSON array of title, url and content
// objects, the format the planner and the researcher consume.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crewflow/crewflow/features/tools/retry"
	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type (
	// Options configures the search tool.
	Options struct {
		// APIKey authenticates requests. Required.
		APIKey string
		// MaxResults caps the number of results. Defaults to
		// DefaultMaxResults.
		MaxResults int
		// BaseURL overrides the API endpoint. Defaults to DefaultBaseURL.
		BaseURL string
		// HTTPClient overrides the HTTP client.
		HTTPClient *http.Client
		// Retry configures retries of transient failures. Defaults to
		// retry.DefaultConfig.
		Retry *retry.Config
	}

	// Search is the tavily_search tool.
	Search struct {
		apiKey     string
		maxResults int
		endpoint   string
		http       *http.Client
		retry      retry.Config
	}

	// Result is one search hit.
	Result struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	}

	input struct {
		Query string `json:"query"`
	}

	searchRequest struct {
		Query       string `json:"query"`
		MaxResults  int    `json:"max_results"`
		SearchDepth string `json:"search_depth"`
	}

	searchResponse struct {
		Results []Result `json:"results"`
	}
)

const (
	// Name is the tool name shown to oracles.
	Name = "tavily_search"
	// DefaultBaseURL is the Tavily API root.
	DefaultBaseURL = "https://api.tavily.com"
	// DefaultMaxResults is the default number of results.
	DefaultMaxResults = 5

	maxResponse = 4 << 20
)

var schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The search query."}
  },
  "required": ["query"]
}`)

// New returns the search tool.
func New(opts Options) (*Search, error) {
	if opts.APIKey == "" {
		return nil, errors.New("tavily: api key is required")
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	rc := retry.DefaultConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	return &Search{
		apiKey:     opts.APIKey,
		maxResults: opts.MaxResults,
		endpoint:   opts.BaseURL + "/search",
		http:       opts.HTTPClient,
		retry:      rc,
	}, nil
}

// Spec implements tools.Tool.
func (s *Search) Spec() tools.Spec {
	return tools.Spec{
		Name:        Name,
		Description: "A search engine optimized for comprehensive, accurate, and trusted results. Useful for when you need to answer questions about current events. Input should be a search query.",
		Schema:      schema,
	}
}

// Call implements tools.Tool.
func (s *Search) Call(ctx context.Context, raw json.RawMessage) (string, error) {
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", toolerrors.NewWithCause(Name, "invalid input", err)
	}
	if in.Query == "" {
		return "", toolerrors.NewWithCause(Name, "query is required", nil)
	}
	results, err := s.Search(ctx, in.Query)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(out), nil
}

// Search runs query and returns at most the configured number of results.
func (s *Search) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := json.Marshal(searchRequest{Query: query, MaxResults: s.maxResults, SearchDepth: "advanced"})
	if err != nil {
		return nil, err
	}
	var payload []byte
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		payload, err = s.post(ctx, body)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var status *retry.HTTPStatusError
		if errors.As(err, &status) {
			return nil, toolerrors.NewWithCause(Name, status.Error(), nil)
		}
		return nil, toolerrors.NewWithCause(Name, "", err)
	}
	var sr searchResponse
	if err := json.Unmarshal(payload, &sr); err != nil {
		return nil, toolerrors.NewWithCause(Name, "decode response", err)
	}
	if len(sr.Results) > s.maxResults {
		sr.Results = sr.Results[:s.maxResults]
	}
	if sr.Results == nil {
		sr.Results = []Result{}
	}
	return sr.Results, nil
}

// post sends one search request and returns the response body.
func (s *Search) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponse))
}
