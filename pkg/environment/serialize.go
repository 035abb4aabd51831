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

package environment

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// DefaultLargeTableRowThreshold is the row count above which tables are
// persisted in metadata-only form.
const DefaultLargeTableRowThreshold = 1000

const largeTableNote = "large table, not preserved"

// sampleRowCount is the number of leading rows kept in metadata-only form.
const sampleRowCount = 5

// envelope is the self-describing wire form of one tagged value.
type envelope struct {
	Tag  Tag             `json:"tag"`
	Data json.RawMessage `json:"data"`
}

// Snapshot serializes the store to JSON for cross-turn persistence.
//
// Tables above largeTableRowThreshold are written as table_metadata records.
// Embedding matrices are skipped entirely; they are regenerated from source.
func (s *Store) Snapshot(largeTableRowThreshold int) ([]byte, error) {
	if largeTableRowThreshold <= 0 {
		largeTableRowThreshold = DefaultLargeTableRowThreshold
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]envelope, len(s.values))
	for key, value := range s.values {
		persistable := value

		switch v := value.(type) {
		case *EmbeddingMatrix:
			continue
		case *Table:
			if len(v.Rows) > largeTableRowThreshold {
				persistable = &TableMetadata{
					RowCount:   len(v.Rows),
					Columns:    v.Columns,
					DTypes:     inferDTypes(v),
					SampleRows: v.Sample(sampleRowCount),
					Note:       largeTableNote,
				}
			}
		}

		data, err := json.Marshal(persistable)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize environment key %q: %w", key, err)
		}
		out[key] = envelope{Tag: persistable.Tag(), Data: data}
	}

	return json.Marshal(out)
}

// Restore rebuilds a store from a snapshot produced by Snapshot.
//
// table_metadata entries are not restored as values: the data was not
// preserved, so the workflow must reload from source. Their keys are logged
// and dropped.
func Restore(data []byte) (*Store, error) {
	store := New()
	if len(data) == 0 {
		return store, nil
	}

	var raw map[string]envelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse environment snapshot: %w", err)
	}

	for key, env := range raw {
		value, err := decodeValue(env)
		if err != nil {
			return nil, fmt.Errorf("failed to restore environment key %q: %w", key, err)
		}
		if value == nil {
			slog.Debug("Environment key not restored, data was not preserved", "key", key)
			continue
		}
		store.values[key] = value
	}

	// Restoration is not part of the new turn's mutation log.
	store.changes = nil
	return store, nil
}

func decodeValue(env envelope) (Value, error) {
	switch env.Tag {
	case TagTable:
		var v Table
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagTableMetadata:
		// Data was dropped at snapshot time; the caller reloads from source.
		return nil, nil
	case TagChartSpec:
		var v ChartSpec
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagScalar:
		var v Scalar
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagText:
		var v Text
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagJSON:
		var v JSON
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case TagEmbeddingMatrix:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown value tag %q", env.Tag)
	}
}

// inferDTypes derives a column-to-type mapping from the first non-nil cell of
// each column.
func inferDTypes(t *Table) map[string]string {
	dtypes := make(map[string]string, len(t.Columns))
	for _, col := range t.Columns {
		dtypes[col] = "null"
		for _, row := range t.Rows {
			cell, ok := row[col]
			if !ok || cell == nil {
				continue
			}
			switch cell.(type) {
			case string:
				dtypes[col] = "string"
			case float64, float32, int, int64:
				dtypes[col] = "number"
			case bool:
				dtypes[col] = "bool"
			default:
				dtypes[col] = "object"
			}
			break
		}
	}
	return dtypes
}
