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

// Package export provides the export_table tool, writing environment tables
// to XLSX workbooks on disk.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// Exporter writes tables into the configured export directory.
type Exporter struct {
	dir string
}

// New creates an exporter rooted at dir, creating it when absent.
func New(dir string) (*Exporter, error) {
	if dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &Exporter{dir: dir}, nil
}

// Tools returns the export tool set for registration.
func (e *Exporter) Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: exportDef, Fn: e.exportTable},
	}
}

var exportDef = tool.Definition{
	Name: "export_table",
	Description: "Writes a table stored in the environment to an XLSX file and returns " +
		"its path. Use when the user asks to export, download, or save data.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Environment key of the table to export.",
			},
			"filename": map[string]any{
				"type":        "string",
				"description": "Optional file name without extension. Defaults to the key.",
			},
		},
		"required": []any{"key"},
	},
	Capabilities: []string{"export"},
}

func (e *Exporter) exportTable(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	key, _ := args["key"].(string)
	value, ok := tc.Env.Get(key)
	if !ok {
		return nil, fmt.Errorf("no environment value under key %q; load the data first", key)
	}
	table, ok := value.(*environment.Table)
	if !ok {
		return nil, fmt.Errorf("environment value %q is %s, not a table", key, value.Tag())
	}

	name, _ := args["filename"].(string)
	if name == "" {
		name = key
	}
	path := filepath.Join(e.dir, sanitizeName(name)+".xlsx")

	file := excelize.NewFile()
	defer func() { _ = file.Close() }()

	const sheet = "Sheet1"
	header := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		header[i] = col
	}
	if err := file.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header row: %w", err)
	}
	for i, row := range table.Rows {
		cells := make([]any, len(table.Columns))
		for j, col := range table.Columns {
			cells[j] = row[col]
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to address row %d: %w", i+2, err)
		}
		if err := file.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := file.SaveAs(path); err != nil {
		return nil, fmt.Errorf("failed to save workbook: %w", err)
	}

	return &tool.Result{
		Success: true,
		Summary: fmt.Sprintf("exported %d rows to %s", len(table.Rows), path),
		Data:    &environment.Text{Value: path},
		Metadata: map[string]any{
			"result_key":  "export_path",
			"path":        path,
			"rows":        len(table.Rows),
			"exported_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

var unsafeNamePattern = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeName flattens the key into a safe file name.
func sanitizeName(name string) string {
	name = unsafeNamePattern.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "export"
	}
	return name
}
