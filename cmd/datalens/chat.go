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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/datalens-ai/datalens/pkg/events"
	"github.com/datalens-ai/datalens/pkg/orchestrator"
)

// ChatCmd runs a single query against the engine and streams the answer to
// the terminal.
type ChatCmd struct {
	Message []string `arg:"" help:"The query to run."`

	Session string `short:"s" help:"Session ID for follow-up context."`
	User    string `short:"u" help:"User ID."`
	Verbose bool   `short:"v" help:"Show routing, steps, and tool calls."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer func() { _ = loader.Close() }()
	}

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	bus := events.NewBus(64)
	go e.orchestrator.Run(ctx, &orchestrator.Request{
		Message:   strings.Join(c.Message, " "),
		SessionID: c.Session,
		UserID:    c.User,
	}, bus)

	for event := range bus.Events(ctx) {
		switch event.Kind {
		case events.KindContent:
			fmt.Print(event.ContentChunk())
		case events.KindComplete:
			fmt.Println()
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "session: %v\n", event.Data["message_id"])
			}
		case events.KindError:
			fmt.Println()
			return fmt.Errorf("turn failed: %v", event.Data["error"])
		case events.KindRouting:
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "[routing] %v (%.2f)\n",
					event.Data["specialist"], event.Data["confidence"])
			}
		case events.KindToolCall:
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "[tool] %v\n", event.Data["tool_name"])
			}
		case events.KindStepError:
			if c.Verbose {
				fmt.Fprintf(os.Stderr, "[step error] %v\n", event.Data["error"])
			}
		}
	}

	if ctx.Err() != nil {
		bus.Cancel()
		return ctx.Err()
	}
	return nil
}
