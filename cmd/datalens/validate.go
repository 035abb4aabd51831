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
)

// ValidateCmd checks that a configuration file loads, defaults, and
// validates.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	cfg, loader, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer func() { _ = loader.Close() }()

	fmt.Printf("%s is valid\n", cli.Config)
	fmt.Printf("  llm:       %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("  sessions:  %s\n", cfg.Session.Backend)
	fmt.Printf("  server:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  web search: %v, semantic: %v\n",
		cfg.Tools.WebSearch.Enabled, cfg.Tools.Semantic.Enabled)
	return nil
}
