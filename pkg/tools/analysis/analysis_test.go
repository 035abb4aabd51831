package analysis

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

func reviewsEnv() *environment.Store {
	env := environment.New()
	env.Add("get_dataset_data_from_sql.my_reviews", &environment.Table{
		Columns: []string{"review", "rating"},
		Rows: []map[string]any{
			{"review": "Great product, works perfectly and the quality is excellent", "rating": int64(5)},
			{"review": "Terrible support, the app crashes constantly", "rating": int64(1)},
			{"review": "Shipping took two weeks", "rating": int64(3)},
			{"review": "Love it, best purchase this year", "rating": int64(5)},
		},
	}, nil)
	return env
}

func toolByName(t *testing.T, name string) tool.Tool {
	t.Helper()
	for _, tl := range Tools() {
		if tl.Definition().Name == name {
			return tl
		}
	}
	t.Fatalf("tool %q not provided", name)
	return nil
}

func run(t *testing.T, name string, args map[string]any, env *environment.Store) *tool.Result {
	t.Helper()
	tc := &tool.Context{Env: env, Logger: slog.Default()}
	result, err := toolByName(t, name).Execute(context.Background(), args, tc)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Success)
	return result
}

func TestAnalyzeSentiment(t *testing.T) {
	result := run(t, "analyze_sentiment",
		map[string]any{"key": "get_dataset_data_from_sql.my_reviews"}, reviewsEnv())

	data := result.Data.(*environment.JSON)
	pos := data.Value["positive_pct"].(float64)
	neg := data.Value["negative_pct"].(float64)
	neu := data.Value["neutral_pct"].(float64)

	assert.Equal(t, float64(100), pos+neg+neu)
	assert.Equal(t, float64(50), pos)
	assert.Equal(t, float64(25), neg)
	assert.Equal(t, 4, data.Value["sample_size"])
	assert.Equal(t, "review", data.Value["column"])
	assert.Equal(t, "sentiment", result.Metadata["result_key"])
	assert.Contains(t, result.Summary, "50% positive")
}

func TestAnalyzeSentiment_MissingKey(t *testing.T) {
	tc := &tool.Context{Env: environment.New(), Logger: slog.Default()}
	_, err := toolByName(t, "analyze_sentiment").Execute(
		context.Background(), map[string]any{"key": "nope"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load the data first")
}

func TestAnalyzeSentiment_WrongValueType(t *testing.T) {
	env := environment.New()
	env.Add("note", &environment.Text{Value: "hello"}, nil)

	tc := &tool.Context{Env: env, Logger: slog.Default()}
	_, err := toolByName(t, "analyze_sentiment").Execute(
		context.Background(), map[string]any{"key": "note"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a table")
}

func TestScoreSentiment_Negation(t *testing.T) {
	assert.Equal(t, 1, scoreSentiment("really good stuff"))
	assert.Equal(t, -1, scoreSentiment("this is not good"))
	assert.Equal(t, 1, scoreSentiment("not bad at all"))
	assert.Equal(t, 0, scoreSentiment("the box was blue"))
}

func TestExtractKeywords(t *testing.T) {
	result := run(t, "extract_keywords", map[string]any{
		"key":   "get_dataset_data_from_sql.my_reviews",
		"limit": float64(5),
	}, reviewsEnv())

	table := result.Data.(*environment.Table)
	assert.Equal(t, []string{"keyword", "score"}, table.Columns)
	require.NotEmpty(t, table.Rows)
	assert.LessOrEqual(t, len(table.Rows), 5)

	// Scores are ranked descending and stopwords are filtered out.
	prev := table.Rows[0]["score"].(float64)
	for _, row := range table.Rows[1:] {
		score := row["score"].(float64)
		assert.LessOrEqual(t, score, prev)
		prev = score
	}
	for _, row := range table.Rows {
		assert.NotContains(t, []string{"the", "and", "this"}, row["keyword"])
	}
	assert.Equal(t, "keywords", result.Metadata["result_key"])
}

func TestDescribeTable(t *testing.T) {
	result := run(t, "describe_table",
		map[string]any{"key": "get_dataset_data_from_sql.my_reviews"}, reviewsEnv())

	table := result.Data.(*environment.Table)
	require.Len(t, table.Rows, 2)

	byColumn := make(map[string]map[string]any)
	for _, row := range table.Rows {
		byColumn[row["column"].(string)] = row
	}

	rating := byColumn["rating"]
	require.NotNil(t, rating)
	assert.Equal(t, 4, rating["count"])
	assert.Equal(t, float64(1), rating["min"])
	assert.Equal(t, float64(5), rating["max"])
	assert.Equal(t, float64(3.5), rating["mean"])

	// Text columns get counts but no numeric stats.
	review := byColumn["review"]
	require.NotNil(t, review)
	assert.Equal(t, 4, review["distinct"])
	assert.NotContains(t, review, "mean")
}

func TestTextColumn_Fallback(t *testing.T) {
	table := &environment.Table{
		Columns: []string{"id", "comment"},
		Rows:    []map[string]any{{"id": int64(1), "comment": "fine"}},
	}
	col, err := textColumn(table, "")
	require.NoError(t, err)
	assert.Equal(t, "comment", col)

	_, err = textColumn(table, "missing")
	require.Error(t, err)
}
