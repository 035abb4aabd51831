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

// Package tool defines the tool contract: descriptors that render tools to
// the LLM as callable functions, the process-global registry, and the invoker
// that validates arguments and wraps every execution in a timer and an error
// boundary.
package tool

import (
	"context"
	"log/slog"

	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/events"
)

// Definition describes a tool. Parameters is a JSON-Schema-shaped object
// ({"type": "object", "properties": {...}, "required": [...]}) used both to
// validate invocations and to render the tool to the LLM.
type Definition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// HasCapabilities reports whether every capability of the tool is contained
// in the given set. Tools with an empty capability set are visible to
// everyone.
func (d Definition) HasCapabilities(capabilities []string) bool {
	allowed := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		allowed[c] = true
	}
	for _, c := range d.Capabilities {
		if !allowed[c] {
			return false
		}
	}
	return true
}

// ToolCall is a tool invocation intent emitted by the LLM.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Result is the uniform outcome of a tool invocation.
type Result struct {
	Success    bool              `json:"success"`
	Summary    string            `json:"summary"`
	Data       environment.Value `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Context carries the per-turn facilities handlers may use. Handlers must
// not retain references to the environment beyond the call.
type Context struct {
	Env    *environment.Store
	UserID string
	Logger *slog.Logger

	// PublishStatus lets long-running tools surface progress to the caller.
	// May be nil.
	PublishStatus func(status, message string)
}

// Log returns the context logger, falling back to the default.
func (c *Context) Log() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Progress publishes a status update if a publisher is attached.
func (c *Context) Progress(status, message string) {
	if c != nil && c.PublishStatus != nil {
		c.PublishStatus(status, message)
	}
}

// Tool is the contract every tool implements. Execute may be long-running
// and must honor ctx cancellation.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args map[string]any, tc *Context) (*Result, error)
}

func (f *Func) Definition() Definition { return f.Def }

func (f *Func) Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
	return f.Fn(ctx, args, tc)
}

// StatusPublisher adapts an event bus into the Context.PublishStatus shape.
func StatusPublisher(bus *events.Bus) func(status, message string) {
	return func(status, message string) {
		_ = bus.Publish(events.NewStatus(status, message))
	}
}

var _ Tool = (*Func)(nil)
