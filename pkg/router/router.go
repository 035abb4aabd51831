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

// Package router classifies incoming queries into a workflow tier. A cheap
// heuristic handles the clear-cut cases; ambiguous queries go to a small LLM
// call with structured output. Classification never fails the turn: when the
// model is unreachable the heuristic verdict stands.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/datalens-ai/datalens/pkg/model"
)

// Tier is the workflow tier of a turn.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

// Decision is the router's verdict for one query.
type Decision struct {
	Tier           Tier     `json:"tier"`
	Specialist     string   `json:"specialist,omitempty"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	Entities       []string `json:"entities,omitempty"`
	SuggestedTools []string `json:"suggested_tools,omitempty"`
}

// Classifier routes queries. The LLM should be a cheap, fast model; it is
// only consulted when the heuristic is not confident.
type Classifier struct {
	llm    model.LLM
	logger *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// New creates a Classifier. llm may be nil, in which case the heuristic
// verdict is always final.
func New(llm model.LLM, opts ...Option) *Classifier {
	c := &Classifier{
		llm:    llm,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	conversationalPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|good (morning|afternoon|evening)|who are you|what can you do|how are you|what time)`)

	// Anaphora and follow-up markers: the query leans on the previous turn.
	followUpPattern = regexp.MustCompile(`(?i)\b(that|those|these|it|them|this one|the same|more detail|elaborate|examples? of|expand on|previous|earlier|again|as before|what about)\b`)

	dataPattern = regexp.MustCompile(`(?i)\b(dataset|data|table|sql|query|sentiment|trend|chart|plot|graph|visuali[sz]e|analy[sz]e|compare|correlat|cluster|review|summar|export|keyword|distribution|top \d+|average|count|percent)\b`)
)

// specialistHints maps query signals to the specialist the complex tier
// should start from. First match wins.
var specialistHints = []struct {
	pattern    *regexp.Regexp
	specialist string
	tools      []string
}{
	{regexp.MustCompile(`(?i)\b(sentiment|complain|opinion|satisfaction|feel)\b`), "sentiment_analysis", []string{"get_dataset_data_from_sql", "analyze_sentiment"}},
	{regexp.MustCompile(`(?i)\b(trend|over time|season|growth|decline|forecast)\b`), "trend_analysis", []string{"get_dataset_data_from_sql", "describe_table"}},
	{regexp.MustCompile(`(?i)\b(chart|plot|graph|visuali[sz]e|draw)\b`), "visualization", []string{"generate_chart"}},
	{regexp.MustCompile(`(?i)\b(search|find reviews|what (do|did) customers|look up|research)\b`), "research", []string{"semantic_search", "web_search"}},
	{regexp.MustCompile(`(?i)\b(dataset|table|schema|load|sql|columns)\b`), "data_discovery", []string{"list_datasets", "get_dataset_data_from_sql"}},
}

// Classify routes one query. historyLen is the number of prior messages in
// the session.
func (c *Classifier) Classify(ctx context.Context, query string, historyLen int) (*Decision, error) {
	if decision, confident := c.heuristic(query, historyLen); confident {
		return decision, nil
	}
	if c.llm == nil {
		decision, _ := c.heuristic(query, historyLen)
		return decision, nil
	}
	return c.classifyLLM(ctx, query, historyLen)
}

// heuristic produces a verdict from surface signals. The second return
// reports whether the verdict is strong enough to skip the LLM.
func (c *Classifier) heuristic(query string, historyLen int) (*Decision, bool) {
	hasData := dataPattern.MatchString(query)

	if conversationalPattern.MatchString(query) && !hasData {
		return &Decision{
			Tier:       TierSimple,
			Confidence: 0.9,
			Reasoning:  "conversational query with no data signals",
		}, true
	}

	if historyLen > 0 && followUpPattern.MatchString(query) && !hasData {
		return &Decision{
			Tier:       TierMedium,
			Confidence: 0.8,
			Reasoning:  "follow-up referencing the previous turn",
		}, true
	}

	if hasData {
		decision := &Decision{
			Tier:       TierComplex,
			Specialist: "data_discovery",
			Confidence: 0.75,
			Reasoning:  "query requires data retrieval or analysis",
			Entities:   extractEntities(query),
		}
		for _, hint := range specialistHints {
			if hint.pattern.MatchString(query) {
				decision.Specialist = hint.specialist
				decision.SuggestedTools = hint.tools
				break
			}
		}
		return decision, true
	}

	// No clear signal either way; let the LLM decide.
	return &Decision{
		Tier:       TierComplex,
		Specialist: "general",
		Confidence: 0.5,
		Reasoning:  "no strong heuristic signal",
	}, false
}

const classifierPrompt = `You are a query router for a data analysis assistant.
Classify the user's query into exactly one tier:
- "simple": conversational or definitional, no data access needed.
- "medium": a follow-up that only needs the prior conversation, no new data.
- "complex": requires loading datasets, running analysis, or producing charts.

Respond with a single JSON object:
{"tier": "...", "specialist": "...", "confidence": 0.0-1.0, "reasoning": "...", "entities": ["..."]}

Valid specialists: data_discovery, sentiment_analysis, trend_analysis,
research, visualization, general. Use "" for simple and medium tiers.`

var classifierSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tier":       map[string]any{"type": "string", "enum": []string{"simple", "medium", "complex"}},
		"specialist": map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
		"reasoning":  map[string]any{"type": "string"},
		"entities":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"tier", "specialist", "confidence", "reasoning", "entities"},
	"additionalProperties": false,
}

func (c *Classifier) classifyLLM(ctx context.Context, query string, historyLen int) (*Decision, error) {
	temperature := 0.0
	req := &model.Request{
		SystemInstruction: classifierPrompt,
		Messages: []*model.Message{
			model.NewUserMessage(query),
		},
		Config: &model.GenerateConfig{
			Temperature:        &temperature,
			ResponseMIMEType:   "application/json",
			ResponseSchema:     classifierSchema,
			ResponseSchemaName: "router_decision",
		},
	}
	if historyLen > 0 {
		req.SystemInstruction += "\n\nThe session already has prior messages; follow-ups referring to them are \"medium\"."
	}

	agg := &model.Aggregator{}
	var streamErr error
	for resp, err := range c.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			streamErr = err
			break
		}
		agg.Add(resp)
	}
	if streamErr != nil {
		// Fall back to the heuristic verdict rather than failing the turn.
		c.logger.Warn("Router LLM call failed, using heuristic", "error", streamErr)
		decision, _ := c.heuristic(query, historyLen)
		return decision, nil
	}

	var decision Decision
	if err := json.Unmarshal([]byte(agg.Final().Text), &decision); err != nil {
		c.logger.Warn("Router returned invalid JSON, using heuristic", "error", err)
		fallback, _ := c.heuristic(query, historyLen)
		return fallback, nil
	}
	if decision.Tier != TierSimple && decision.Tier != TierMedium && decision.Tier != TierComplex {
		fallback, _ := c.heuristic(query, historyLen)
		return fallback, nil
	}
	if decision.Tier == TierComplex && decision.Specialist == "" {
		decision.Specialist = "data_discovery"
	}
	return &decision, nil
}

// extractEntities pulls dataset-like identifiers from the query: quoted
// names and snake_case tokens.
func extractEntities(query string) []string {
	var entities []string
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.Trim(s, `"'`)
		if s != "" && !seen[s] {
			seen[s] = true
			entities = append(entities, s)
		}
	}

	for _, match := range regexp.MustCompile(`"([^"]+)"|'([^']+)'`).FindAllStringSubmatch(query, -1) {
		add(match[1] + match[2])
	}
	for _, token := range regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`).FindAllString(query, -1) {
		add(token)
	}
	return entities
}
