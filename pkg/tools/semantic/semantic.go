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

// Package semantic provides embedded vector search over the user's text
// corpus. It uses chromem-go, so no external vector service is needed;
// vectors live in memory with optional gob persistence.
package semantic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/philippgille/chromem-go"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

const collectionName = "corpus"

// DefaultLimit is the number of matches returned when the caller does not ask
// for a specific count.
const DefaultLimit = 5

// Document is one indexable text with optional metadata.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Store is the embedded vector index. Safe for concurrent use.
type Store struct {
	db          *chromem.DB
	collection  *chromem.Collection
	persistPath string
}

// DefaultEmbedding returns the OpenAI embedding function for the given model,
// or text-embedding-3-small when model is empty.
func DefaultEmbedding(apiKey, model string) chromem.EmbeddingFunc {
	if model == "" {
		model = string(chromem.EmbeddingModelOpenAI3Small)
	}
	return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model))
}

// Open creates the semantic store. persistPath enables gob persistence when
// non-empty; embed computes document and query vectors.
func Open(persistPath string, embed chromem.EmbeddingFunc) (*Store, error) {
	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus collection: %w", err)
	}
	return &Store{db: db, collection: collection, persistPath: persistPath}, nil
}

// Index adds documents to the corpus, replacing existing IDs.
func (s *Store) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	out := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
	}
	if err := s.collection.AddDocuments(ctx, out, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index documents: %w", err)
	}
	return nil
}

// IndexTable indexes the text column of a table, one document per row. Row
// order provides the document IDs when idColumn is empty.
func (s *Store) IndexTable(ctx context.Context, table *environment.Table, idColumn, contentColumn string) (int, error) {
	docs := make([]Document, 0, len(table.Rows))
	for i, row := range table.Rows {
		content, _ := row[contentColumn].(string)
		if content == "" {
			continue
		}
		id := fmt.Sprintf("row-%d", i)
		if idColumn != "" {
			if v, ok := row[idColumn]; ok {
				id = fmt.Sprint(v)
			}
		}
		docs = append(docs, Document{ID: id, Content: content})
	}
	if err := s.Index(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Count returns the number of indexed documents.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Close is a no-op for the in-memory store; the persistent store writes
// through on every mutation.
func (s *Store) Close() error {
	return nil
}

// Tools returns the semantic tool set for registration.
func (s *Store) Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: searchDef, Fn: s.search},
	}
}

var searchDef = tool.Definition{
	Name: "semantic_search",
	Description: "Finds the texts in the indexed corpus most similar in meaning to a query. " +
		"Use for questions about themes, topics, or content rather than exact values.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Natural-language description of what to find.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Number of matches to return. Defaults to 5.",
			},
		},
		"required": []any{"query"},
	},
	Capabilities: []string{"search"},
}

func (s *Store) search(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	limit := DefaultLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	// chromem rejects result counts above the corpus size.
	if count := s.collection.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, fmt.Errorf("the corpus is empty; nothing has been indexed yet")
	}

	matches, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	rows := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, map[string]any{
			"id":         m.ID,
			"content":    m.Content,
			"similarity": float64(m.Similarity),
		})
	}
	data := &environment.Table{
		Columns: []string{"id", "content", "similarity"},
		Rows:    rows,
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("%d semantic matches for %q", len(rows), query),
		Data:     data,
		Metadata: map[string]any{"result_key": "search_results"},
	}, nil
}
