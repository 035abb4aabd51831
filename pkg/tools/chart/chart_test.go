package chart

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

func salesEnv() *environment.Store {
	env := environment.New()
	env.Add("get_dataset_data_from_sql.monthly_sales", &environment.Table{
		Columns: []string{"month", "revenue"},
		Rows: []map[string]any{
			{"month": "Jan", "revenue": float64(1200)},
			{"month": "Feb", "revenue": float64(1350)},
			{"month": "Mar", "revenue": int64(1100)},
		},
	}, nil)
	return env
}

func generate(t *testing.T, env *environment.Store, args map[string]any) (*tool.Result, error) {
	t.Helper()
	tc := &tool.Context{Env: env, Logger: slog.Default()}
	return Tools()[0].Execute(context.Background(), args, tc)
}

func TestGenerateChart(t *testing.T) {
	result, err := generate(t, salesEnv(), map[string]any{
		"type":         "bar",
		"title":        "Monthly Revenue",
		"key":          "get_dataset_data_from_sql.monthly_sales",
		"label_column": "month",
		"value_column": "revenue",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	spec := result.Data.(*environment.ChartSpec)
	assert.Equal(t, "bar", spec.Type)
	assert.Equal(t, "Monthly Revenue", spec.Title)
	assert.Equal(t, "month", spec.XAxis)
	assert.Equal(t, "revenue", spec.YAxis)
	require.Len(t, spec.Series, 1)
	assert.Equal(t, []string{"Jan", "Feb", "Mar"}, spec.Series[0].Labels)
	assert.Equal(t, []float64{1200, 1350, 1100}, spec.Series[0].Values)
	assert.Equal(t, "chart", result.Metadata["result_key"])
}

func TestGenerateChart_AxisOverrides(t *testing.T) {
	result, err := generate(t, salesEnv(), map[string]any{
		"type":         "line",
		"title":        "Trend",
		"key":          "get_dataset_data_from_sql.monthly_sales",
		"label_column": "month",
		"value_column": "revenue",
		"x_axis":       "Month (2024)",
		"y_axis":       "Revenue (USD)",
	})
	require.NoError(t, err)

	spec := result.Data.(*environment.ChartSpec)
	assert.Equal(t, "Month (2024)", spec.XAxis)
	assert.Equal(t, "Revenue (USD)", spec.YAxis)
}

func TestGenerateChart_InvalidType(t *testing.T) {
	_, err := generate(t, salesEnv(), map[string]any{
		"type":         "heatmap",
		"title":        "x",
		"key":          "get_dataset_data_from_sql.monthly_sales",
		"label_column": "month",
		"value_column": "revenue",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported chart type")
}

func TestGenerateChart_MissingColumn(t *testing.T) {
	_, err := generate(t, salesEnv(), map[string]any{
		"type":         "bar",
		"title":        "x",
		"key":          "get_dataset_data_from_sql.monthly_sales",
		"label_column": "month",
		"value_column": "profit",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"profit" not found`)
}

func TestGenerateChart_NonNumericValues(t *testing.T) {
	env := environment.New()
	env.Add("t", &environment.Table{
		Columns: []string{"label", "value"},
		Rows:    []map[string]any{{"label": "a", "value": "not a number"}},
	}, nil)

	_, err := generate(t, env, map[string]any{
		"type":         "pie",
		"title":        "x",
		"key":          "t",
		"label_column": "label",
		"value_column": "value",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not numeric")
}

func TestGenerateChart_MissingKey(t *testing.T) {
	_, err := generate(t, environment.New(), map[string]any{
		"type":         "bar",
		"title":        "x",
		"key":          "nope",
		"label_column": "a",
		"value_column": "b",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load the data first")
}
