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

// Package config defines the runtime configuration: structure, defaults,
// validation, and loading from YAML with environment expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Session       SessionConfig       `yaml:"session"`
	Guardrails    GuardrailsConfig    `yaml:"guardrails"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadTimeout and WriteTimeout bound request handling. WriteTimeout
	// must exceed the turn timeout or streams get cut off mid-turn.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LLMConfig configures the language model provider.
type LLMConfig struct {
	// Provider is one of: openai, anthropic, mock.
	Provider string `yaml:"provider"`

	// Model is the default model, used by complex-tier specialists.
	Model string `yaml:"default_model"`

	// RouterModel, SimpleModel, and MediumModel route cheaper models to
	// classification and the direct tiers. Empty falls back to Model.
	RouterModel string `yaml:"router_model"`
	SimpleModel string `yaml:"simple_model"`
	MediumModel string `yaml:"medium_model"`

	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	// MaxRetries bounds provider retry attempts on transient failures.
	MaxRetries int `yaml:"max_retries"`
}

// OrchestratorConfig bounds a single turn's execution.
type OrchestratorConfig struct {
	// MaxGraphDepth caps nesting in the execution tree.
	MaxGraphDepth int `yaml:"max_graph_depth"`

	// TurnTimeoutSeconds is the wall-clock budget for one turn.
	TurnTimeoutSeconds int `yaml:"turn_timeout_seconds"`

	// HistoryWindow is how many prior messages are loaded into prompts.
	HistoryWindow int `yaml:"history_window"`

	// LargeTableRowThreshold is the row count above which tables persist
	// as metadata-only snapshots.
	LargeTableRowThreshold int `yaml:"large_table_row_threshold"`

	// ToolCallBudgetPerTurn caps total tool invocations in one turn.
	ToolCallBudgetPerTurn int `yaml:"tool_call_budget_per_turn"`

	// MaxAgentIterations caps ReAct loop iterations per specialist.
	MaxAgentIterations int `yaml:"max_agent_iterations"`
}

// TurnTimeout returns the turn budget as a duration.
func (c OrchestratorConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend"`

	SQL SessionSQLConfig `yaml:"sql"`
}

// SessionSQLConfig configures the SQL session backend.
type SessionSQLConfig struct {
	// Driver is one of: sqlite, postgres, mysql.
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	// Path is the database file for sqlite.
	Path string `yaml:"path"`

	MaxConns int `yaml:"max_conns"`
	MaxIdle  int `yaml:"max_idle"`
}

// SetDefaults fills in missing SQL settings.
func (c *SessionSQLConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "datalens.db"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
}

// Validate checks the SQL settings.
func (c *SessionSQLConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("sqlite requires a path")
		}
	case "postgres", "mysql":
		if c.Host == "" || c.Database == "" {
			return fmt.Errorf("%s requires host and database", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported session driver: %s", c.Driver)
	}
	return nil
}

// ConnectionString builds the driver DSN.
func (c *SessionSQLConfig) ConnectionString() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Username, c.Password, c.Host, c.Port, c.Database)
	default:
		return c.Path
	}
}

// GuardrailsConfig configures input/output screening.
type GuardrailsConfig struct {
	PIIRedaction      *bool `yaml:"pii_redaction"`
	InjectionBlocking *bool `yaml:"injection_blocking"`
}

// PIIEnabled reports whether PII redaction is on (default true).
func (c GuardrailsConfig) PIIEnabled() bool {
	return c.PIIRedaction == nil || *c.PIIRedaction
}

// InjectionEnabled reports whether injection blocking is on (default true).
func (c GuardrailsConfig) InjectionEnabled() bool {
	return c.InjectionBlocking == nil || *c.InjectionBlocking
}

// ToolsConfig configures the built-in tool suite.
type ToolsConfig struct {
	Datasets  DatasetsConfig  `yaml:"datasets"`
	WebSearch WebSearchConfig `yaml:"web_search"`
	Semantic  SemanticConfig  `yaml:"semantic"`
	Export    ExportConfig    `yaml:"export"`
}

// DatasetsConfig points the dataset tools at the analytical database.
type DatasetsConfig struct {
	// Driver is one of: sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// MaxRows caps rows returned by a single query.
	MaxRows int `yaml:"max_rows"`

	// QueryTimeout bounds a single query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// WebSearchConfig configures the web search tool.
type WebSearchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxResults int    `yaml:"max_results"`
}

// SemanticConfig configures the embedding-backed semantic search tool.
type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`

	// PersistPath stores the vector collections on disk. Empty keeps them
	// in memory.
	PersistPath string `yaml:"persist_path"`

	// EmbeddingModel names the embedding model used for indexing.
	EmbeddingModel string `yaml:"embedding_model"`
}

// ExportConfig configures the table export tool.
type ExportConfig struct {
	// Dir is where exported files are written.
	Dir string `yaml:"dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of: DEBUG, INFO, WARN, ERROR.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`

	// File, when set, appends logs to a file instead of stderr.
	File string `yaml:"file"`
}

// ObservabilityConfig configures metrics.
type ObservabilityConfig struct {
	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// SetDefaults fills in all unset options.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Must outlast the turn budget so SSE streams are not cut off.
		c.Server.WriteTimeout = 10 * time.Minute
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RouterModel == "" {
		c.LLM.RouterModel = c.LLM.Model
	}
	if c.LLM.SimpleModel == "" {
		c.LLM.SimpleModel = c.LLM.Model
	}
	if c.LLM.MediumModel == "" {
		c.LLM.MediumModel = c.LLM.Model
	}

	if c.Orchestrator.MaxGraphDepth == 0 {
		c.Orchestrator.MaxGraphDepth = 10
	}
	if c.Orchestrator.TurnTimeoutSeconds == 0 {
		c.Orchestrator.TurnTimeoutSeconds = 300
	}
	if c.Orchestrator.HistoryWindow == 0 {
		c.Orchestrator.HistoryWindow = 10
	}
	if c.Orchestrator.LargeTableRowThreshold == 0 {
		c.Orchestrator.LargeTableRowThreshold = 1000
	}
	if c.Orchestrator.ToolCallBudgetPerTurn == 0 {
		c.Orchestrator.ToolCallBudgetPerTurn = 50
	}
	if c.Orchestrator.MaxAgentIterations == 0 {
		c.Orchestrator.MaxAgentIterations = 10
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.Backend == "sql" {
		c.Session.SQL.SetDefaults()
	}

	if c.Tools.Datasets.MaxRows == 0 {
		c.Tools.Datasets.MaxRows = 10000
	}
	if c.Tools.Datasets.QueryTimeout == 0 {
		c.Tools.Datasets.QueryTimeout = 30 * time.Second
	}
	if c.Tools.WebSearch.MaxResults == 0 {
		c.Tools.WebSearch.MaxResults = 5
	}
	if c.Tools.Export.Dir == "" {
		c.Tools.Export.Dir = "exports"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("unsupported llm provider: %s (supported: openai, anthropic, mock)", c.LLM.Provider)
	}
	if c.LLM.Provider != "mock" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
	}

	if c.Orchestrator.MaxGraphDepth < 1 {
		return fmt.Errorf("orchestrator.max_graph_depth must be positive")
	}
	if c.Orchestrator.TurnTimeoutSeconds < 1 {
		return fmt.Errorf("orchestrator.turn_timeout_seconds must be positive")
	}
	if c.Orchestrator.HistoryWindow < 0 {
		return fmt.Errorf("orchestrator.history_window cannot be negative")
	}
	if c.Orchestrator.ToolCallBudgetPerTurn < 1 {
		return fmt.Errorf("orchestrator.tool_call_budget_per_turn must be positive")
	}

	switch c.Session.Backend {
	case "memory":
	case "sql":
		if err := c.Session.SQL.Validate(); err != nil {
			return fmt.Errorf("session.sql: %w", err)
		}
	default:
		return fmt.Errorf("unsupported session backend: %s (supported: memory, sql)", c.Session.Backend)
	}

	if c.Tools.WebSearch.Enabled && c.Tools.WebSearch.APIKey == "" {
		return fmt.Errorf("tools.web_search.api_key is required when web search is enabled")
	}

	return nil
}
