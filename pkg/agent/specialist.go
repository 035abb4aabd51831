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

package agent

// Specialist parameterizes one agent of the graph: its prompt, its curated
// tool subset, and its loop bounds. Specialists are configuration records,
// not types; all of them run through the same Runner.
type Specialist struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// SystemPrompt fixes behavior and breadth. The environment description
	// is appended at runtime.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`

	// Capabilities select the tool subset this specialist may call.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`

	// MaxIterations bounds the ReAct loop. Zero selects the runner default.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// Temperature overrides the model default when non-nil.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// ResponseSchema, when set, forces the final message into structured
	// output validated against this JSON schema.
	ResponseSchema     map[string]any `json:"response_schema,omitempty" yaml:"response_schema,omitempty"`
	ResponseSchemaName string         `json:"response_schema_name,omitempty" yaml:"response_schema_name,omitempty"`
}

const envUsageNote = `
When a tool has already stored data in the environment, reference it by key
instead of reloading it. Keep your final answer focused on the task you were
given.`

// Defaults returns the built-in specialist set. The graph layout is
// coordinator -> specialists -> report_writer; the coordinator itself is
// driven by the orchestrator.
func Defaults() []*Specialist {
	return []*Specialist{
		{
			Name:        "data_discovery",
			Description: "Finds and loads relevant datasets, inspects schemas, and runs SQL to retrieve data.",
			SystemPrompt: `You are a data discovery specialist. Your job is to locate the datasets
relevant to the task, inspect their schemas, and load the rows needed by
downstream analysis. Use list_datasets first when you are unsure what exists,
then get_dataset_data_from_sql with a targeted SELECT. Prefer narrow queries
over loading whole tables.` + envUsageNote,
			Capabilities:  []string{"sql", "search"},
			MaxIterations: 8,
		},
		{
			Name:        "sentiment_analysis",
			Description: "Computes sentiment distributions over review text and explains the drivers.",
			SystemPrompt: `You are a sentiment analysis specialist. Given review text already loaded in
the environment (or loadable via SQL), run analyze_sentiment and report the
positive/negative/neutral split as percentages. Always state the percentages
explicitly; they must sum to 100. Call out the dominant themes behind each
bucket when keyword data is available.` + envUsageNote,
			Capabilities:  []string{"sql", "analysis"},
			MaxIterations: 8,
		},
		{
			Name:        "trend_analysis",
			Description: "Detects trends, seasonality, and outliers in tabular data over time.",
			SystemPrompt: `You are a trend analysis specialist. Use describe_table for distributions and
SQL aggregation for time bucketing. Report direction, magnitude, and any
notable inflection points. Quantify claims with the numbers you computed.` + envUsageNote,
			Capabilities:  []string{"sql", "analysis"},
			MaxIterations: 8,
		},
		{
			Name:        "research",
			Description: "Answers questions needing external context via semantic and web search.",
			SystemPrompt: `You are a research specialist. Use semantic_search over the review corpus for
questions about what customers said, and web_search for external facts. Quote
short supporting snippets and keep citations attached to claims.` + envUsageNote,
			Capabilities:  []string{"search"},
			MaxIterations: 8,
		},
		{
			Name:        "visualization",
			Description: "Turns tabular results into chart specifications.",
			SystemPrompt: `You are a visualization specialist. Build chart specifications with
generate_chart from tables already present in the environment. Pick the chart
type that fits the data shape (bar for categories, line for time series, pie
only for small share breakdowns). One clear chart beats three mediocre ones.` + envUsageNote,
			Capabilities:  []string{"chart"},
			MaxIterations: 6,
		},
		{
			Name:        "report_writer",
			Description: "Synthesizes gathered findings into the final user-facing answer.",
			SystemPrompt: `You are a report writer. Synthesize the findings gathered by other
specialists, available in the environment and in the conversation, into a
clear, well-structured answer for the user. Do not call tools. Do not invent
numbers; only report what was actually computed. Lead with the direct answer,
then supporting detail.`,
			Capabilities:  []string{},
			MaxIterations: 2,
		},
		{
			Name:        "general",
			Description: "Handles conversational and definitional queries without data access.",
			SystemPrompt: `You are a helpful data analysis assistant. Answer conversational and
definitional questions directly and briefly. You have no tools; if the
question actually needs data, say what data would be required.`,
			Capabilities:  []string{},
			MaxIterations: 1,
		},
	}
}

// ByName indexes a specialist slice for graph lookup.
func ByName(specialists []*Specialist) map[string]*Specialist {
	m := make(map[string]*Specialist, len(specialists))
	for _, s := range specialists {
		m[s.Name] = s
	}
	return m
}
