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

// Package environment implements the per-session key-value store that carries
// tool outputs, dataset metadata, and intermediate analysis results between
// agent steps and across turns.
//
// Values are tagged. Tables above a configurable row threshold are persisted
// in metadata-only form (schema plus a small sample) and are not restored as
// data on the next turn; the workflow reloads them from source when needed.
package environment

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tag identifies the shape of a stored value.
type Tag string

const (
	TagTable           Tag = "table"
	TagTableMetadata   Tag = "table_metadata"
	TagChartSpec       Tag = "chart_spec"
	TagScalar          Tag = "scalar"
	TagText            Tag = "text"
	TagJSON            Tag = "json"
	TagEmbeddingMatrix Tag = "embedding_matrix"
)

// Value is a tagged datum stored in the environment.
type Value interface {
	Tag() Tag
	// Summary returns a short human-readable description for prompts and logs.
	Summary() string
}

// Table is a row-oriented dataset. Each row maps column name to a scalar or
// nil.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func (t *Table) Tag() Tag { return TagTable }

func (t *Table) Summary() string {
	return fmt.Sprintf("table: %d rows x %d columns (%s)",
		len(t.Rows), len(t.Columns), strings.Join(t.Columns, ", "))
}

// Sample returns up to n leading rows.
func (t *Table) Sample(n int) []map[string]any {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}

// TableMetadata is the persistence form of a table that exceeded the
// large-table row threshold: schema plus a first-rows sample, no data.
type TableMetadata struct {
	RowCount   int               `json:"row_count"`
	Columns    []string          `json:"columns"`
	DTypes     map[string]string `json:"dtypes,omitempty"`
	SampleRows []map[string]any  `json:"sample"`
	Note       string            `json:"note"`
}

func (t *TableMetadata) Tag() Tag { return TagTableMetadata }

func (t *TableMetadata) Summary() string {
	return fmt.Sprintf("table metadata: %d rows x %d columns (data not preserved)",
		t.RowCount, len(t.Columns))
}

// ChartSpec describes a rendered chart.
type ChartSpec struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	XAxis    string   `json:"x_axis,omitempty"`
	YAxis    string   `json:"y_axis,omitempty"`
	Series   []Series `json:"series"`
	ImageURI string   `json:"image_uri,omitempty"`
}

// Series is one named data series of a chart.
type Series struct {
	Name   string    `json:"name"`
	Labels []string  `json:"labels,omitempty"`
	Values []float64 `json:"values"`
}

func (c *ChartSpec) Tag() Tag { return TagChartSpec }

func (c *ChartSpec) Summary() string {
	return fmt.Sprintf("chart_spec: %s chart %q with %d series", c.Type, c.Title, len(c.Series))
}

// Scalar is a single numeric value.
type Scalar struct {
	Value float64 `json:"value"`
}

func (s *Scalar) Tag() Tag        { return TagScalar }
func (s *Scalar) Summary() string { return fmt.Sprintf("scalar: %g", s.Value) }

// Text is a plain string value.
type Text struct {
	Value string `json:"value"`
}

func (t *Text) Tag() Tag { return TagText }

func (t *Text) Summary() string {
	preview := t.Value
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	return fmt.Sprintf("text: %q", preview)
}

// JSON is an arbitrary structured value.
type JSON struct {
	Value map[string]any `json:"value"`
}

func (j *JSON) Tag() Tag        { return TagJSON }
func (j *JSON) Summary() string { return fmt.Sprintf("json: %d keys", len(j.Value)) }

// EmbeddingMatrix holds dense vectors. Never persisted across turns; it is
// regenerated from the corpus when needed.
type EmbeddingMatrix struct {
	Vectors [][]float32 `json:"-"`
}

func (e *EmbeddingMatrix) Tag() Tag { return TagEmbeddingMatrix }

func (e *EmbeddingMatrix) Summary() string {
	dim := 0
	if len(e.Vectors) > 0 {
		dim = len(e.Vectors[0])
	}
	return fmt.Sprintf("embedding_matrix: %d x %d", len(e.Vectors), dim)
}

// ChangeOp identifies a mutation recorded in the change log.
type ChangeOp string

const (
	OpAdd     ChangeOp = "add"
	OpReplace ChangeOp = "replace"
	OpRemove  ChangeOp = "remove"
	OpClear   ChangeOp = "clear"
)

// Change is one entry of the intra-turn mutation log.
type Change struct {
	Op        ChangeOp       `json:"op"`
	Key       string         `json:"key,omitempty"`
	Tag       Tag            `json:"tag,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store is the environment. Safe for concurrent use within a turn; owned by
// exactly one turn at a time.
type Store struct {
	mu      sync.RWMutex
	values  map[string]Value
	changes []Change
	logger  *slog.Logger
}

// New creates an empty store.
func New() *Store {
	return &Store{
		values: make(map[string]Value),
		logger: slog.Default(),
	}
}

// Add inserts or replaces the value under key and records the mutation.
func (s *Store) Add(key string, value Value, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := OpAdd
	if _, exists := s.values[key]; exists {
		op = OpReplace
	}
	s.values[key] = value
	s.changes = append(s.changes, Change{
		Op: op, Key: key, Tag: value.Tag(), Metadata: metadata, Timestamp: time.Now(),
	})
}

// Get retrieves the value under key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	return value, ok
}

// GetOr retrieves the value under key, or def when absent.
func (s *Store) GetOr(key string, def Value) Value {
	if value, ok := s.Get(key); ok {
		return value
	}
	return def
}

// Remove deletes the key and records the mutation. Returns false when the key
// was absent.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.values[key]; !exists {
		return false
	}
	delete(s.values, key)
	s.changes = append(s.changes, Change{Op: OpRemove, Key: key, Timestamp: time.Now()})
	s.logger.Debug("Environment key removed", "key", key)
	return true
}

// Find returns all entries whose key matches the glob pattern. Dotted keys
// match segment-wise, so "dataset_data.*" finds every loaded dataset.
func (s *Store) Find(pattern string) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]Value)
	for key, value := range s.values {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			found[key] = value
			continue
		}
		// Also try matching with dots as path separators.
		if ok, _ := path.Match(strings.ReplaceAll(pattern, ".", "/"), strings.ReplaceAll(key, ".", "/")); ok {
			found[key] = value
		}
	}
	return found
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Items returns a copy of the key-value mapping.
func (s *Store) Items() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make(map[string]Value, len(s.values))
	for key, value := range s.values {
		items[key] = value
	}
	return items
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Clear removes every entry. The erasure is recorded for auditing.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.values)
	s.values = make(map[string]Value)
	s.changes = append(s.changes, Change{Op: OpClear, Timestamp: time.Now()})
	s.logger.Info("Environment cleared", "removed_keys", count)
}

// Changes returns the intra-turn mutation log.
func (s *Store) Changes() []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Change, len(s.changes))
	copy(out, s.changes)
	return out
}

// ResetChanges discards the mutation log. Called at turn boundaries.
func (s *Store) ResetChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = nil
}

// Describe renders the environment's keys and tags for inclusion in an agent
// prompt. Full contents are never rendered; tools read them directly.
func (s *Store) Describe() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.values) == 0 {
		return "The environment is empty."
	}

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Available environment data:\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", key, s.values[key].Summary())
	}
	return b.String()
}
