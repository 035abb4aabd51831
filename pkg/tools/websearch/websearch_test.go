package websearch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/httpclient"
	"github.com/datalens-ai/datalens/pkg/tool"
)

func newProvider(t *testing.T, handler http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append(opts, WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))))
	p, err := New(server.URL, "test-key", opts...)
	require.NoError(t, err)
	return p
}

func run(t *testing.T, p *Provider, args map[string]any) (*tool.Result, error) {
	t.Helper()
	tc := &tool.Context{Env: environment.New(), Logger: slog.Default()}
	return p.Tools()[0].Execute(context.Background(), args, tc)
}

func TestSearch(t *testing.T) {
	var gotQuery, gotKey string
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"title": "EV market 2026", "url": "https://example.com/ev", "snippet": "The EV market grew 40%"},
			{"title": "Battery prices", "url": "https://example.com/batteries", "snippet": "Prices fell again"}
		]}`))
	})

	result, err := run(t, p, map[string]any{"query": "EV market size"})
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, "EV market size", gotQuery)
	assert.Equal(t, "test-key", gotKey)

	table := result.Data.(*environment.Table)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "EV market 2026", table.Rows[0]["title"])
	assert.Equal(t, "https://example.com/ev", table.Rows[0]["url"])
	assert.Equal(t, "web_results", result.Metadata["result_key"])
	assert.Contains(t, result.Summary, "2 web results")
}

func TestSearch_MaxResults(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [
			{"title": "a", "url": "u1", "snippet": "s1"},
			{"title": "b", "url": "u2", "snippet": "s2"},
			{"title": "c", "url": "u3", "snippet": "s3"}
		]}`))
	}, WithMaxResults(2))

	result, err := run(t, p, map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.Len(t, result.Data.(*environment.Table).Rows, 2)
}

func TestSearch_APIError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	})

	result, err := run(t, p, map[string]any{"query": "anything"})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "401")
}

func TestSearch_EmptyQuery(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := run(t, p, map[string]any{"query": "   "})
	require.Error(t, err)
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New("", "key")
	require.Error(t, err)
}
