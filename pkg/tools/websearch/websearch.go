// Copyright 2025 Datalens AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package websearch provides the web_search tool backed by an external
// search API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/httpclient"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// DefaultMaxResults caps the results returned by one search.
const DefaultMaxResults = 5

// Provider calls the search API and exposes the web_search tool.
type Provider struct {
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	maxResults int
}

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient overrides the retrying HTTP client, for tests.
func WithHTTPClient(client *httpclient.Client) Option {
	return func(p *Provider) { p.client = client }
}

// WithMaxResults caps how many results one search returns.
func WithMaxResults(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxResults = n
		}
	}
}

// New creates a search provider against the given API endpoint.
func New(baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("search base URL is required")
	}
	p := &Provider{
		client:     httpclient.New(httpclient.WithMaxRetries(2)),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		maxResults: DefaultMaxResults,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Tools returns the web search tool set for registration.
func (p *Provider) Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: searchDef, Fn: p.search},
	}
}

var searchDef = tool.Definition{
	Name: "web_search",
	Description: "Searches the web and returns titles, URLs and snippets. Use for external " +
		"context such as market data, competitors, or current events.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []any{"query"},
	},
	Capabilities: []string{"search"},
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

func (p *Provider) search(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	endpoint := fmt.Sprintf("%s/search?q=%s", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	// Do returns the response alongside the error on non-2xx statuses.
	resp, err := p.client.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil && resp == nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := parsed.Results
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}

	rows := make([]map[string]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Snippet,
		})
	}
	data := &environment.Table{
		Columns: []string{"title", "url", "snippet"},
		Rows:    rows,
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("%d web results for %q", len(rows), query),
		Data:     data,
		Metadata: map[string]any{"result_key": "web_results"},
	}, nil
}
