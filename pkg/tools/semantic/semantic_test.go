package semantic

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// testEmbedding maps texts onto a fixed vocabulary so similarity is simple
// word overlap. Keeps the tests offline and deterministic.
func testEmbedding() chromem.EmbeddingFunc {
	vocab := []string{"shipping", "delivery", "late", "price", "cheap", "quality", "battery", "screen"}
	return func(ctx context.Context, text string) ([]float32, error) {
		lowered := strings.ToLower(text)
		vec := make([]float32, len(vocab))
		var norm float64
		for i, word := range vocab {
			if strings.Contains(lowered, word) {
				vec[i] = 1
				norm++
			}
		}
		if norm == 0 {
			vec[0] = 1
			norm = 1
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", testEmbedding())
	require.NoError(t, err)

	err = s.Index(context.Background(), []Document{
		{ID: "r1", Content: "The delivery was late and shipping cost too much"},
		{ID: "r2", Content: "Great quality screen and battery life"},
		{ID: "r3", Content: "Very cheap for the price"},
	})
	require.NoError(t, err)
	return s
}

func search(t *testing.T, s *Store, args map[string]any) *tool.Result {
	t.Helper()
	tc := &tool.Context{Env: environment.New(), Logger: slog.Default()}
	result, err := s.Tools()[0].Execute(context.Background(), args, tc)
	require.NoError(t, err)
	require.True(t, result.Success)
	return result
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	result := search(t, s, map[string]any{"query": "problems with shipping and delivery", "limit": float64(2)})

	table := result.Data.(*environment.Table)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "r1", table.Rows[0]["id"])
	assert.Greater(t, table.Rows[0]["similarity"].(float64), table.Rows[1]["similarity"].(float64))
	assert.Equal(t, "search_results", result.Metadata["result_key"])
}

func TestSearch_LimitClampedToCorpusSize(t *testing.T) {
	s := testStore(t)
	result := search(t, s, map[string]any{"query": "battery", "limit": float64(50)})

	table := result.Data.(*environment.Table)
	assert.Len(t, table.Rows, 3)
}

func TestSearch_EmptyCorpus(t *testing.T) {
	s, err := Open("", testEmbedding())
	require.NoError(t, err)

	tc := &tool.Context{Env: environment.New(), Logger: slog.Default()}
	_, err = s.Tools()[0].Execute(context.Background(), map[string]any{"query": "anything"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing has been indexed")
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := testStore(t)
	tc := &tool.Context{Env: environment.New(), Logger: slog.Default()}
	_, err := s.Tools()[0].Execute(context.Background(), map[string]any{}, tc)
	require.Error(t, err)
}

func TestIndexTable(t *testing.T) {
	s, err := Open("", testEmbedding())
	require.NoError(t, err)

	table := &environment.Table{
		Columns: []string{"id", "review"},
		Rows: []map[string]any{
			{"id": int64(1), "review": "battery drains fast"},
			{"id": int64(2), "review": "love the screen"},
			{"id": int64(3), "review": nil},
		},
	}
	indexed, err := s.IndexTable(context.Background(), table, "id", "review")
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 2, s.Count())

	result := search(t, s, map[string]any{"query": "battery life"})
	rows := result.Data.(*environment.Table).Rows
	assert.Equal(t, "1", rows[0]["id"])
}

func TestPersistence(t *testing.T) {
	path := t.TempDir() + "/vectors"
	s, err := Open(path, testEmbedding())
	require.NoError(t, err)
	require.NoError(t, s.Index(context.Background(), []Document{
		{ID: "r1", Content: "cheap price"},
	}))

	reopened, err := Open(path, testEmbedding())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
