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

// Package chart provides the generate_chart tool. It produces chart
// specifications from environment tables; rendering happens client-side.
package chart

import (
	"context"
	"fmt"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

var chartTypes = map[string]bool{
	"bar":     true,
	"line":    true,
	"pie":     true,
	"scatter": true,
}

// Tools returns the chart tool set for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: generateDef, Fn: generateChart},
	}
}

var generateDef = tool.Definition{
	Name: "generate_chart",
	Description: "Builds a chart specification from a table stored in the environment. " +
		"Supported types: bar, line, pie, scatter.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"description": "Chart type: bar, line, pie or scatter.",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Chart title.",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "Environment key of the table holding the data.",
			},
			"label_column": map[string]any{
				"type":        "string",
				"description": "Column providing category labels (the x axis).",
			},
			"value_column": map[string]any{
				"type":        "string",
				"description": "Numeric column providing the values (the y axis).",
			},
			"x_axis": map[string]any{
				"type":        "string",
				"description": "Optional x axis title. Defaults to the label column.",
			},
			"y_axis": map[string]any{
				"type":        "string",
				"description": "Optional y axis title. Defaults to the value column.",
			},
		},
		"required": []any{"type", "title", "key", "label_column", "value_column"},
	},
	Capabilities: []string{"chart"},
}

func generateChart(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	chartType, _ := args["type"].(string)
	if !chartTypes[chartType] {
		return nil, fmt.Errorf("unsupported chart type %q; use bar, line, pie or scatter", chartType)
	}
	title, _ := args["title"].(string)
	key, _ := args["key"].(string)
	labelColumn, _ := args["label_column"].(string)
	valueColumn, _ := args["value_column"].(string)

	value, ok := tc.Env.Get(key)
	if !ok {
		return nil, fmt.Errorf("no environment value under key %q; load the data first", key)
	}
	table, ok := value.(*environment.Table)
	if !ok {
		return nil, fmt.Errorf("environment value %q is %s, not a table", key, value.Tag())
	}
	if err := requireColumn(table, labelColumn); err != nil {
		return nil, err
	}
	if err := requireColumn(table, valueColumn); err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(table.Rows))
	values := make([]float64, 0, len(table.Rows))
	for i, row := range table.Rows {
		n, ok := toFloat(row[valueColumn])
		if !ok {
			return nil, fmt.Errorf("row %d of column %q is not numeric (%v)", i, valueColumn, row[valueColumn])
		}
		labels = append(labels, fmt.Sprint(row[labelColumn]))
		values = append(values, n)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("table %q has no rows to chart", key)
	}

	xAxis, _ := args["x_axis"].(string)
	if xAxis == "" {
		xAxis = labelColumn
	}
	yAxis, _ := args["y_axis"].(string)
	if yAxis == "" {
		yAxis = valueColumn
	}

	spec := &environment.ChartSpec{
		Type:  chartType,
		Title: title,
		XAxis: xAxis,
		YAxis: yAxis,
		Series: []environment.Series{
			{Name: valueColumn, Labels: labels, Values: values},
		},
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("%s chart %q with %d points", chartType, title, len(values)),
		Data:     spec,
		Metadata: map[string]any{"result_key": "chart"},
	}, nil
}

func requireColumn(table *environment.Table, column string) error {
	for _, col := range table.Columns {
		if col == column {
			return nil
		}
	}
	return fmt.Errorf("column %q not found in table", column)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
