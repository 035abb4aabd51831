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

// Package dataset provides the tools that expose the user's relational
// datasets to the agents: dataset discovery and read-only SQL retrieval.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// DefaultMaxRows caps the rows returned by one query.
const DefaultMaxRows = 10000

// Provider wraps the dataset database and exposes the dataset tools. Safe
// for concurrent use; *sql.DB pools connections internally.
type Provider struct {
	db           *sql.DB
	driver       string
	maxRows      int
	queryTimeout time.Duration
}

// Open connects to the dataset store. driver is one of sqlite3, postgres,
// mysql.
func Open(driver, dsn string, maxRows int, queryTimeout time.Duration) (*Provider, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset store: %w", err)
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Provider{
		db:           db,
		driver:       driver,
		maxRows:      maxRows,
		queryTimeout: queryTimeout,
	}, nil
}

// Close releases the connection pool.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Tools returns the dataset tool set for registration.
func (p *Provider) Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: listDatasetsDef, Fn: p.listDatasets},
		&tool.Func{Def: queryDef, Fn: p.queryDataset},
	}
}

var listDatasetsDef = tool.Definition{
	Name:        "list_datasets",
	Description: "Lists the datasets (tables) available to the current user, with their columns.",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	},
	Capabilities: []string{"sql"},
}

var queryDef = tool.Definition{
	Name: "get_dataset_data_from_sql",
	Description: "Runs a read-only SQL SELECT against the datasets and returns the rows. " +
		"Only SELECT statements are allowed. Prefer narrow queries with explicit columns.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The SELECT statement to run.",
			},
			"result_key": map[string]any{
				"type":        "string",
				"description": "Optional name for the result in the environment, e.g. the dataset name.",
			},
		},
		"required": []any{"query"},
	},
	Capabilities: []string{"sql"},
}

func (p *Provider) listDatasets(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	tables, err := p.listTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}

	rows := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		columns, err := p.listColumns(ctx, table)
		if err != nil {
			tc.Log().Warn("Failed to inspect dataset columns", "table", table, "error", err)
			columns = nil
		}
		rows = append(rows, map[string]any{
			"dataset": table,
			"columns": strings.Join(columns, ", "),
		})
	}

	data := &environment.Table{
		Columns: []string{"dataset", "columns"},
		Rows:    rows,
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("%d datasets available", len(tables)),
		Data:     data,
		Metadata: map[string]any{"result_key": "datasets"},
	}, nil
}

func (p *Provider) queryDataset(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	query, _ := args["query"].(string)
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	table := &environment.Table{Columns: columns}
	truncated := false
	for rows.Next() {
		if len(table.Rows) >= p.maxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			record[col] = normalizeCell(values[i])
		}
		table.Rows = append(table.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query iteration failed: %w", err)
	}

	summary := fmt.Sprintf("%d rows, %d columns", len(table.Rows), len(columns))
	if truncated {
		summary += fmt.Sprintf(" (truncated at %d rows)", p.maxRows)
	}

	resultKey := "result"
	if k, ok := args["result_key"].(string); ok && k != "" {
		resultKey = k
	}
	return &tool.Result{
		Success: true,
		Summary: summary,
		Data:    table,
		Metadata: map[string]any{
			"result_key": resultKey,
			"truncated":  truncated,
		},
	}, nil
}

// forbiddenPattern rejects statements that could mutate state even when they
// lead with a SELECT.
var forbiddenPattern = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|attach|pragma|vacuum|replace)\b`)

// validateReadOnly enforces the read-only contract: a single SELECT (or
// WITH ... SELECT) statement.
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}

	// A single statement only; a trailing semicolon is tolerated.
	if idx := strings.IndexByte(trimmed, ';'); idx >= 0 && strings.TrimSpace(trimmed[idx+1:]) != "" {
		return fmt.Errorf("only a single statement is allowed")
	}
	trimmed = strings.TrimSuffix(trimmed, ";")

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	if forbiddenPattern.MatchString(trimmed) {
		return fmt.Errorf("statement contains a forbidden keyword; only read-only SELECT is allowed")
	}
	return nil
}

// normalizeCell converts driver-specific scan values into JSON-friendly
// scalars.
func normalizeCell(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

func (p *Provider) listTables(ctx context.Context) ([]string, error) {
	var query string
	switch p.driver {
	case "sqlite3", "sqlite":
		query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	case "postgres":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`
	case "mysql":
		query = `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name`
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.driver)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (p *Provider) listColumns(ctx context.Context, table string) ([]string, error) {
	// LIMIT 0 yields the column set without reading data; valid on all
	// three supported engines.
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", p.quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return rows.Columns()
}

func (p *Provider) quoteIdent(name string) string {
	if p.driver == "mysql" {
		return "`" + strings.ReplaceAll(name, "`", "") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
