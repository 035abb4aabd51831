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

// Package analysis provides the local analysis tools: lexicon sentiment,
// TF-IDF keyword extraction, and table statistics. All three read their
// input tables from the environment, where the dataset tools placed them.
package analysis

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// Tools returns the analysis tool set for registration.
func Tools() []tool.Tool {
	return []tool.Tool{
		&tool.Func{Def: sentimentDef, Fn: analyzeSentiment},
		&tool.Func{Def: keywordsDef, Fn: extractKeywords},
		&tool.Func{Def: describeDef, Fn: describeTable},
	}
}

var sentimentDef = tool.Definition{
	Name: "analyze_sentiment",
	Description: "Computes the positive/negative/neutral sentiment split of a text column " +
		"in a table stored in the environment. Percentages always sum to 100.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Environment key of the table to analyze.",
			},
			"column": map[string]any{
				"type":        "string",
				"description": "Text column to analyze. Defaults to the first text column.",
			},
		},
		"required": []any{"key"},
	},
	Capabilities: []string{"analysis"},
}

var keywordsDef = tool.Definition{
	Name: "extract_keywords",
	Description: "Extracts the top keywords of a text column using TF-IDF over the rows " +
		"of a table stored in the environment.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Environment key of the table to analyze.",
			},
			"column": map[string]any{
				"type":        "string",
				"description": "Text column to analyze. Defaults to the first text column.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Number of keywords to return. Defaults to 10.",
			},
		},
		"required": []any{"key"},
	},
	Capabilities: []string{"analysis"},
}

var describeDef = tool.Definition{
	Name: "describe_table",
	Description: "Summarizes a table stored in the environment: row count and per-column " +
		"statistics (count, distinct, and for numeric columns min/max/mean/stddev).",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{
				"type":        "string",
				"description": "Environment key of the table to describe.",
			},
		},
		"required": []any{"key"},
	},
	Capabilities: []string{"analysis"},
}

// tableFromEnv resolves the table argument against the environment.
func tableFromEnv(args map[string]any, tc *tool.Context) (*environment.Table, string, error) {
	key, _ := args["key"].(string)
	value, ok := tc.Env.Get(key)
	if !ok {
		return nil, key, fmt.Errorf("no environment value under key %q; load the data first", key)
	}
	table, ok := value.(*environment.Table)
	if !ok {
		return nil, key, fmt.Errorf("environment value %q is %s, not a table", key, value.Tag())
	}
	if len(table.Rows) == 0 {
		return nil, key, fmt.Errorf("table %q is empty", key)
	}
	return table, key, nil
}

// textColumn picks the analysis column: the requested one, or the first
// column whose values are strings.
func textColumn(table *environment.Table, requested string) (string, error) {
	if requested != "" {
		for _, col := range table.Columns {
			if col == requested {
				return col, nil
			}
		}
		return "", fmt.Errorf("column %q not found; available: %s",
			requested, strings.Join(table.Columns, ", "))
	}
	for _, col := range table.Columns {
		if _, ok := table.Rows[0][col].(string); ok {
			return col, nil
		}
	}
	return "", fmt.Errorf("table has no text column")
}

func columnTexts(table *environment.Table, column string) []string {
	out := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if s, ok := row[column].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func analyzeSentiment(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	table, key, err := tableFromEnv(args, tc)
	if err != nil {
		return nil, err
	}
	requested, _ := args["column"].(string)
	column, err := textColumn(table, requested)
	if err != nil {
		return nil, err
	}

	texts := columnTexts(table, column)
	if len(texts) == 0 {
		return nil, fmt.Errorf("column %q has no text values", column)
	}

	var positives, negatives, neutrals int
	for _, text := range texts {
		switch scoreSentiment(text) {
		case 1:
			positives++
		case -1:
			negatives++
		default:
			neutrals++
		}
	}

	total := len(texts)
	positivePct := math.Round(float64(positives) / float64(total) * 100)
	negativePct := math.Round(float64(negatives) / float64(total) * 100)
	// Neutral absorbs the rounding remainder so the split always sums to 100.
	neutralPct := 100 - positivePct - negativePct

	data := &environment.JSON{Value: map[string]any{
		"positive_pct": positivePct,
		"negative_pct": negativePct,
		"neutral_pct":  neutralPct,
		"sample_size":  total,
		"column":       column,
		"source_key":   key,
	}}
	return &tool.Result{
		Success: true,
		Summary: fmt.Sprintf("sentiment over %d texts: %.0f%% positive, %.0f%% negative, %.0f%% neutral",
			total, positivePct, negativePct, neutralPct),
		Data:     data,
		Metadata: map[string]any{"result_key": "sentiment"},
	}, nil
}

var positiveLexicon = wordSet(
	"good", "great", "excellent", "amazing", "awesome", "love", "loved", "best",
	"fantastic", "perfect", "happy", "wonderful", "recommend", "recommended",
	"satisfied", "helpful", "fast", "easy", "reliable", "works", "nice", "solid",
	"impressed", "quality", "smooth", "pleasant", "fine",
)

var negativeLexicon = wordSet(
	"bad", "terrible", "awful", "horrible", "worst", "hate", "hated", "broken",
	"slow", "poor", "useless", "disappointed", "disappointing", "refund",
	"defective", "fail", "failed", "failure", "unusable", "waste", "crash",
	"crashes", "overpriced", "unfair", "complaint", "frustrating", "buggy",
)

var negationWords = wordSet("not", "no", "never", "dont", "doesnt", "didnt", "wont", "cant", "isnt", "wasnt")

// scoreSentiment returns 1, -1 or 0 for one text. A negation word flips the
// polarity of the word that follows it.
func scoreSentiment(text string) int {
	words := tokenize(text)
	score := 0
	negated := false
	for _, word := range words {
		if negationWords[word] {
			negated = true
			continue
		}
		polarity := 0
		if positiveLexicon[word] {
			polarity = 1
		} else if negativeLexicon[word] {
			polarity = -1
		}
		if negated {
			polarity = -polarity
			negated = false
		}
		score += polarity
	}
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	default:
		return 0
	}
}

func extractKeywords(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	table, key, err := tableFromEnv(args, tc)
	if err != nil {
		return nil, err
	}
	requested, _ := args["column"].(string)
	column, err := textColumn(table, requested)
	if err != nil {
		return nil, err
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	documents := columnTexts(table, column)
	if len(documents) == 0 {
		return nil, fmt.Errorf("column %q has no text values", column)
	}

	keywords := tfidf(documents, limit)
	rows := make([]map[string]any, 0, len(keywords))
	for _, kw := range keywords {
		rows = append(rows, map[string]any{"keyword": kw.term, "score": round4(kw.score)})
	}

	data := &environment.Table{
		Columns: []string{"keyword", "score"},
		Rows:    rows,
	}
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		terms = append(terms, kw.term)
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("top keywords of %s.%s: %s", key, column, strings.Join(terms, ", ")),
		Data:     data,
		Metadata: map[string]any{"result_key": "keywords"},
	}, nil
}

type keyword struct {
	term  string
	score float64
}

// tfidf ranks terms by summed TF-IDF across documents.
func tfidf(documents []string, limit int) []keyword {
	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, len(documents))

	for i, doc := range documents {
		tf := make(map[string]int)
		for _, word := range tokenize(doc) {
			if stopwords[word] || len(word) < 3 {
				continue
			}
			tf[word]++
		}
		termFreqs[i] = tf
		for word := range tf {
			docFreq[word]++
		}
	}

	scores := make(map[string]float64)
	totalDocs := float64(len(documents))
	for _, tf := range termFreqs {
		docLen := 0
		for _, n := range tf {
			docLen += n
		}
		if docLen == 0 {
			continue
		}
		for word, n := range tf {
			idf := math.Log(totalDocs/float64(docFreq[word])) + 1
			scores[word] += float64(n) / float64(docLen) * idf
		}
	}

	ranked := make([]keyword, 0, len(scores))
	for term, score := range scores {
		ranked = append(ranked, keyword{term: term, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].term < ranked[j].term
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func describeTable(ctx context.Context, args map[string]any, tc *tool.Context) (*tool.Result, error) {
	table, key, err := tableFromEnv(args, tc)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(table.Columns))
	for _, col := range table.Columns {
		stats := map[string]any{"column": col}

		var numbers []float64
		distinct := make(map[string]bool)
		nonNull := 0
		for _, row := range table.Rows {
			cell, ok := row[col]
			if !ok || cell == nil {
				continue
			}
			nonNull++
			distinct[fmt.Sprint(cell)] = true
			if n, ok := toFloat(cell); ok {
				numbers = append(numbers, n)
			}
		}
		stats["count"] = nonNull
		stats["distinct"] = len(distinct)

		if len(numbers) > 0 && len(numbers) == nonNull {
			min, max, mean, stddev := summarize(numbers)
			stats["min"] = round4(min)
			stats["max"] = round4(max)
			stats["mean"] = round4(mean)
			stats["stddev"] = round4(stddev)
		}
		rows = append(rows, stats)
	}

	data := &environment.Table{
		Columns: []string{"column", "count", "distinct", "min", "max", "mean", "stddev"},
		Rows:    rows,
	}
	return &tool.Result{
		Success:  true,
		Summary:  fmt.Sprintf("described %s: %d rows, %d columns", key, len(table.Rows), len(table.Columns)),
		Data:     data,
		Metadata: map[string]any{"result_key": "description"},
	}, nil
}

func summarize(values []float64) (min, max, mean, stddev float64) {
	min, max = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean = sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	stddev = math.Sqrt(variance / float64(len(values)))
	return min, max, mean, stddev
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

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

var tokenPattern = regexp.MustCompile(`[a-z0-9']+`)

func tokenize(text string) []string {
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for i, w := range words {
		words[i] = strings.ReplaceAll(w, "'", "")
	}
	return words
}

var stopwords = wordSet(
	"the", "and", "for", "are", "but", "was", "with", "this", "that", "have",
	"has", "had", "its", "it's", "they", "them", "their", "you", "your", "our",
	"from", "very", "just", "too", "also", "can", "will", "would", "could",
	"should", "been", "being", "than", "then", "when", "what", "which", "who",
	"all", "any", "some", "out", "about", "into", "over", "after", "before",
	"not", "more", "most", "other", "because", "does", "did", "get", "got",
)

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
