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

package tool

import (
	"errors"
	"fmt"

	"github.com/datalens-ai/datalens/pkg/registry"
)

var (
	// ErrDuplicateTool is returned when registering an already-known name.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned when looking up an unregistered name.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Registry holds tool descriptors keyed by name. Populated at startup and
// read-only afterwards; no synchronization is needed on the hot path beyond
// the registry's own locking.
type Registry struct {
	tools *registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{tools: registry.NewBaseRegistry[Tool]()}
}

// Register adds a tool. Fails with ErrDuplicateTool when the name exists.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if _, ok := r.tools.Get(def.Name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	return r.tools.Register(def.Name, t)
}

// Get retrieves a tool. Fails with ErrUnknownTool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// ListFor returns the tools whose capability set is contained in the given
// capabilities, in name order. Each specialist sees only its curated subset.
func (r *Registry) ListFor(capabilities []string) []Tool {
	var out []Tool
	for _, t := range r.tools.List() {
		if t.Definition().HasCapabilities(capabilities) {
			out = append(out, t)
		}
	}
	return out
}

// DefinitionsFor renders the capability-filtered subset as LLM-facing
// definitions.
func (r *Registry) DefinitionsFor(capabilities []string) []Definition {
	tools := r.ListFor(capabilities)
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	return r.tools.Names()
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return r.tools.Count()
}
