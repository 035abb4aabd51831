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

package main

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/datalens-ai/datalens/pkg/agent"
	"github.com/datalens-ai/datalens/pkg/config"
	"github.com/datalens-ai/datalens/pkg/guardrail"
	"github.com/datalens-ai/datalens/pkg/model"
	"github.com/datalens-ai/datalens/pkg/model/anthropic"
	"github.com/datalens-ai/datalens/pkg/model/mock"
	"github.com/datalens-ai/datalens/pkg/model/openai"
	"github.com/datalens-ai/datalens/pkg/observability"
	"github.com/datalens-ai/datalens/pkg/orchestrator"
	"github.com/datalens-ai/datalens/pkg/session"
	"github.com/datalens-ai/datalens/pkg/tool"
	"github.com/datalens-ai/datalens/pkg/tools/analysis"
	"github.com/datalens-ai/datalens/pkg/tools/chart"
	"github.com/datalens-ai/datalens/pkg/tools/dataset"
	"github.com/datalens-ai/datalens/pkg/tools/export"
	"github.com/datalens-ai/datalens/pkg/tools/semantic"
	"github.com/datalens-ai/datalens/pkg/tools/websearch"
)

// engine bundles everything one serve/chat run needs, with its teardown.
type engine struct {
	cfg          *config.Config
	llm          model.LLM
	sessions     session.Service
	registry     *tool.Registry
	orchestrator *orchestrator.Orchestrator
	metrics      *observability.Metrics

	closers []func() error
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			slog.Warn("Shutdown cleanup failed", "error", err)
		}
	}
}

// loadConfig reads the config file, or returns defaults when no path is set.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}
	return config.LoadFile(ctx, path)
}

// buildEngine assembles the full stack from config.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	e := &engine{cfg: cfg}

	llm, err := buildLLM(cfg, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	e.llm = llm
	e.closers = append(e.closers, llm.Close)

	tiers, err := e.buildTierLLMs(cfg, llm)
	if err != nil {
		e.Close()
		return nil, err
	}

	sessions, err := buildSessions(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.sessions = sessions
	e.closers = append(e.closers, sessions.Close)

	registry, err := e.buildRegistry(ctx, cfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.registry = registry

	if cfg.Observability.MetricsEnabled {
		e.metrics = observability.New()
	}

	guard := guardrail.New(
		guardrail.WithPIIRedaction(cfg.Guardrails.PIIEnabled()),
		guardrail.WithInjectionBlocking(cfg.Guardrails.InjectionEnabled()),
	)

	e.orchestrator = orchestrator.New(llm, registry, sessions,
		orchestrator.WithGuardrail(guard),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithLimits(orchestrator.Limits{
			MaxGraphDepth:          cfg.Orchestrator.MaxGraphDepth,
			TurnTimeout:            cfg.Orchestrator.TurnTimeout(),
			HistoryWindow:          cfg.Orchestrator.HistoryWindow,
			LargeTableRowThreshold: cfg.Orchestrator.LargeTableRowThreshold,
			ToolCallBudget:         cfg.Orchestrator.ToolCallBudgetPerTurn,
		}),
		orchestrator.WithSpecialists(buildSpecialists(cfg)),
		orchestrator.WithTierLLMs(tiers),
	)
	return e, nil
}

func buildLLM(cfg *config.Config, modelID string) (model.LLM, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			Model:       modelID,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			BaseURL:     cfg.LLM.BaseURL,
			MaxRetries:  cfg.LLM.MaxRetries,
		})
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.LLM.APIKey,
			Model:       modelID,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			BaseURL:     cfg.LLM.BaseURL,
			MaxRetries:  cfg.LLM.MaxRetries,
		})
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}

// buildTierLLMs creates one provider per distinct tier model, reusing the
// default instance when a tier runs on the same model.
func (e *engine) buildTierLLMs(cfg *config.Config, fallback model.LLM) (orchestrator.TierLLMs, error) {
	built := map[string]model.LLM{cfg.LLM.Model: fallback}
	instance := func(modelID string) (model.LLM, error) {
		if modelID == "" {
			return fallback, nil
		}
		if llm, ok := built[modelID]; ok {
			return llm, nil
		}
		llm, err := buildLLM(cfg, modelID)
		if err != nil {
			return nil, err
		}
		built[modelID] = llm
		e.closers = append(e.closers, llm.Close)
		return llm, nil
	}

	var tiers orchestrator.TierLLMs
	var err error
	if tiers.Router, err = instance(cfg.LLM.RouterModel); err != nil {
		return tiers, fmt.Errorf("router model: %w", err)
	}
	if tiers.Simple, err = instance(cfg.LLM.SimpleModel); err != nil {
		return tiers, fmt.Errorf("simple model: %w", err)
	}
	if tiers.Medium, err = instance(cfg.LLM.MediumModel); err != nil {
		return tiers, fmt.Errorf("medium model: %w", err)
	}
	return tiers, nil
}

func buildSessions(cfg *config.Config) (session.Service, error) {
	switch cfg.Session.Backend {
	case "memory":
		return session.NewMemoryService(), nil
	case "sql":
		sqlCfg := cfg.Session.SQL
		return session.OpenSQLService(sqlCfg.Driver, sqlCfg.ConnectionString(), sqlCfg.MaxConns, sqlCfg.MaxIdle)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Session.Backend)
	}
}

// buildSpecialists applies the configured iteration cap to specialists that
// use the default.
func buildSpecialists(cfg *config.Config) []*agent.Specialist {
	specialists := agent.Defaults()
	if cfg.Orchestrator.MaxAgentIterations == agent.DefaultMaxIterations {
		return specialists
	}
	for _, s := range specialists {
		if s.MaxIterations > cfg.Orchestrator.MaxAgentIterations {
			s.MaxIterations = cfg.Orchestrator.MaxAgentIterations
		}
	}
	return specialists
}

// buildRegistry registers the tool suite enabled by config.
func (e *engine) buildRegistry(ctx context.Context, cfg *config.Config) (*tool.Registry, error) {
	registry := tool.NewRegistry()

	register := func(tools []tool.Tool) error {
		for _, t := range tools {
			if err := registry.Register(t); err != nil {
				return err
			}
		}
		return nil
	}

	if cfg.Tools.Datasets.DSN != "" {
		driver := cfg.Tools.Datasets.Driver
		if driver == "" || driver == "sqlite" {
			driver = "sqlite3"
		}
		provider, err := dataset.Open(driver, cfg.Tools.Datasets.DSN,
			cfg.Tools.Datasets.MaxRows, cfg.Tools.Datasets.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("dataset tools: %w", err)
		}
		e.closers = append(e.closers, provider.Close)
		if err := register(provider.Tools()); err != nil {
			return nil, err
		}
	} else {
		slog.Info("No dataset DSN configured, SQL tools disabled")
	}

	if err := register(analysis.Tools()); err != nil {
		return nil, err
	}
	if err := register(chart.Tools()); err != nil {
		return nil, err
	}

	if cfg.Tools.WebSearch.Enabled {
		search, err := websearch.New(cfg.Tools.WebSearch.BaseURL, cfg.Tools.WebSearch.APIKey,
			websearch.WithMaxResults(cfg.Tools.WebSearch.MaxResults))
		if err != nil {
			return nil, fmt.Errorf("web search tool: %w", err)
		}
		if err := register(search.Tools()); err != nil {
			return nil, err
		}
	}

	if cfg.Tools.Semantic.Enabled {
		embed := semantic.DefaultEmbedding(cfg.LLM.APIKey, cfg.Tools.Semantic.EmbeddingModel)
		store, err := semantic.Open(cfg.Tools.Semantic.PersistPath, embed)
		if err != nil {
			return nil, fmt.Errorf("semantic tools: %w", err)
		}
		e.closers = append(e.closers, store.Close)
		if err := register(store.Tools()); err != nil {
			return nil, err
		}
	}

	exporter, err := export.New(cfg.Tools.Export.Dir)
	if err != nil {
		return nil, fmt.Errorf("export tool: %w", err)
	}
	if err := register(exporter.Tools()); err != nil {
		return nil, err
	}

	slog.Info("Tool registry ready", "tools", registry.Names())
	return registry, nil
}
