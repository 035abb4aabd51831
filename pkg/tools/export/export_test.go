package export

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

func testExporter(t *testing.T) *Exporter {
	t.Helper()
	e, err := New(t.TempDir())
	require.NoError(t, err)
	return e
}

func tableEnv() *environment.Store {
	env := environment.New()
	env.Add("get_dataset_data_from_sql.my_reviews", &environment.Table{
		Columns: []string{"review", "rating"},
		Rows: []map[string]any{
			{"review": "great", "rating": int64(5)},
			{"review": "bad", "rating": int64(1)},
		},
	}, nil)
	return env
}

func export(t *testing.T, e *Exporter, env *environment.Store, args map[string]any) (*tool.Result, error) {
	t.Helper()
	tc := &tool.Context{Env: env, Logger: slog.Default()}
	return e.Tools()[0].Execute(context.Background(), args, tc)
}

func TestExportTable(t *testing.T) {
	e := testExporter(t)
	result, err := export(t, e, tableEnv(), map[string]any{
		"key":      "get_dataset_data_from_sql.my_reviews",
		"filename": "reviews",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	path := result.Metadata["path"].(string)
	assert.Equal(t, path, result.Data.(*environment.Text).Value)
	assert.Equal(t, 2, result.Metadata["rows"])

	// The workbook round-trips: header row plus two data rows.
	file, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	rows, err := file.GetRows("Sheet1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"review", "rating"}, rows[0])
	assert.Equal(t, []string{"great", "5"}, rows[1])
}

func TestExportTable_DefaultFilename(t *testing.T) {
	e := testExporter(t)
	result, err := export(t, e, tableEnv(), map[string]any{
		"key": "get_dataset_data_from_sql.my_reviews",
	})
	require.NoError(t, err)

	// The dotted key flattens into a safe file name.
	path := result.Metadata["path"].(string)
	assert.Contains(t, path, "get_dataset_data_from_sql.my_reviews.xlsx")
}

func TestExportTable_MissingKey(t *testing.T) {
	e := testExporter(t)
	_, err := export(t, e, environment.New(), map[string]any{"key": "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load the data first")
}

func TestExportTable_NotATable(t *testing.T) {
	env := environment.New()
	env.Add("note", &environment.Text{Value: "hi"}, nil)

	e := testExporter(t)
	_, err := export(t, e, env, map[string]any{"key": "note"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a table")
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeName("a/b"))
	assert.Equal(t, "my_reviews", sanitizeName("../my reviews/"))
	assert.Equal(t, "export", sanitizeName("///"))
	assert.Equal(t, "sales.2024", sanitizeName("sales.2024"))
}
