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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/datalens-ai/datalens/pkg/config"
	"github.com/datalens-ai/datalens/pkg/config/provider"
	"github.com/datalens-ai/datalens/pkg/server"
)

// ServeCmd starts the HTTP/SSE server.
type ServeCmd struct {
	Host  string `help:"Host to bind (overrides config)."`
	Port  int    `help:"Port to listen on (overrides config)."`
	Watch bool   `help:"Watch the config file and reload on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// A reloaded config is picked up on the next lifecycle iteration.
	var pending atomic.Pointer[config.Config]
	reload := make(chan struct{}, 1)

	cfg := config.Default()
	if cli.Config != "" {
		source, err := provider.NewFileProvider(cli.Config)
		if err != nil {
			return fmt.Errorf("failed to open config: %w", err)
		}
		loader := config.NewLoader(source, config.WithOnChange(func(next *config.Config) {
			pending.Store(next)
			select {
			case reload <- struct{}{}:
			default:
			}
		}))
		defer func() { _ = loader.Close() }()

		cfg, err = loader.Load(ctx)
		if err != nil {
			return err
		}

		if c.Watch {
			go func() {
				if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
					slog.Error("Config watch stopped", "error", err)
				}
			}()
		}
	}

	for {
		if next := pending.Swap(nil); next != nil {
			cfg = next
		}
		c.applyOverrides(cfg)

		done, err := c.serveOnce(ctx, cfg, reload)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		slog.Info("Restarting with reloaded configuration")
	}
}

// applyOverrides lets flags win over the config file.
func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
}

// serveOnce runs one server lifecycle. Returns done=true on shutdown, false
// when a config reload asks for a restart.
func (c *ServeCmd) serveOnce(ctx context.Context, cfg *config.Config, reload <-chan struct{}) (bool, error) {
	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer e.Close()

	srv := server.New(cfg.Server, e.orchestrator,
		server.WithMetrics(e.metrics),
		server.WithLogger(slog.Default()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return true, err
	case <-ctx.Done():
		return true, shutdown(srv)
	case <-reload:
		if err := shutdown(srv); err != nil {
			slog.Warn("Shutdown before reload failed", "error", err)
		}
		return false, nil
	}
}

func shutdown(srv *server.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
