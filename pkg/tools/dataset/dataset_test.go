package dataset

import (
	"context"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

func testProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := Open("sqlite3", "file:dataset_test?mode=memory&cache=shared", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.db.Exec(`
		CREATE TABLE my_reviews (id INTEGER PRIMARY KEY, review TEXT, rating INTEGER);
		INSERT INTO my_reviews (review, rating) VALUES
			('great product', 5),
			('terrible support', 1),
			('works fine', 4);
		CREATE TABLE sales_2024 (month TEXT, revenue REAL);
	`)
	require.NoError(t, err)
	return p
}

func tc() *tool.Context {
	return &tool.Context{Env: environment.New(), Logger: slog.Default()}
}

func execute(t *testing.T, tl tool.Tool, args map[string]any) *tool.Result {
	t.Helper()
	result, err := tl.Execute(context.Background(), args, tc())
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func toolByName(t *testing.T, p *Provider, name string) tool.Tool {
	t.Helper()
	for _, tl := range p.Tools() {
		if tl.Definition().Name == name {
			return tl
		}
	}
	t.Fatalf("tool %q not provided", name)
	return nil
}

func TestListDatasets(t *testing.T) {
	p := testProvider(t)
	result := execute(t, toolByName(t, p, "list_datasets"), nil)

	require.True(t, result.Success)
	table := result.Data.(*environment.Table)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "my_reviews", table.Rows[0]["dataset"])
	assert.Contains(t, table.Rows[0]["columns"], "review")
	assert.Equal(t, "sales_2024", table.Rows[1]["dataset"])
}

func TestQueryDataset(t *testing.T) {
	p := testProvider(t)
	result := execute(t, toolByName(t, p, "get_dataset_data_from_sql"), map[string]any{
		"query":      "SELECT review, rating FROM my_reviews ORDER BY id",
		"result_key": "my_reviews",
	})

	require.True(t, result.Success)
	assert.Equal(t, "my_reviews", result.Metadata["result_key"])

	table := result.Data.(*environment.Table)
	assert.Equal(t, []string{"review", "rating"}, table.Columns)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, "great product", table.Rows[0]["review"])
	assert.EqualValues(t, 5, table.Rows[0]["rating"])
}

func TestQueryDataset_RowCap(t *testing.T) {
	p := testProvider(t)
	p.maxRows = 2

	result := execute(t, toolByName(t, p, "get_dataset_data_from_sql"), map[string]any{
		"query": "SELECT * FROM my_reviews",
	})

	require.True(t, result.Success)
	table := result.Data.(*environment.Table)
	assert.Len(t, table.Rows, 2)
	assert.Equal(t, true, result.Metadata["truncated"])
	assert.Contains(t, result.Summary, "truncated")
}

func TestValidateReadOnly(t *testing.T) {
	valid := []string{
		"SELECT * FROM my_reviews",
		"select review from my_reviews;",
		"WITH recent AS (SELECT * FROM my_reviews) SELECT * FROM recent",
	}
	for _, q := range valid {
		assert.NoError(t, validateReadOnly(q), q)
	}

	invalid := []string{
		"",
		"DROP TABLE my_reviews",
		"DELETE FROM my_reviews",
		"SELECT 1; DROP TABLE my_reviews",
		"INSERT INTO my_reviews VALUES (1, 'x', 1)",
		"SELECT * FROM my_reviews; --",
		"UPDATE my_reviews SET rating = 5",
	}
	for _, q := range invalid {
		assert.Error(t, validateReadOnly(q), q)
	}
}

func TestQueryDataset_RejectsWrites(t *testing.T) {
	p := testProvider(t)
	result, err := toolByName(t, p, "get_dataset_data_from_sql").Execute(
		context.Background(), map[string]any{"query": "DROP TABLE my_reviews"}, tc())
	require.Error(t, err)
	require.Nil(t, result)

	// The table is still there.
	var count int
	require.NoError(t, p.db.QueryRow("SELECT COUNT(*) FROM my_reviews").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestNormalizeCell(t *testing.T) {
	assert.Equal(t, "hello", normalizeCell([]byte("hello")))
	assert.Equal(t, int64(5), normalizeCell(int64(5)))
	assert.Nil(t, normalizeCell(nil))
}
