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
	"context"
	"fmt"
	"time"
)

// Invoker executes tools from a registry with argument validation, timing,
// and an error boundary. Any failure, including a handler panic, is
// converted into a Result with Success=false so the agent loop can feed the
// error back to the LLM as an observation.
type Invoker struct {
	registry *Registry
}

func NewInvoker(registry *Registry) *Invoker {
	return &Invoker{registry: registry}
}

// Invoke runs the named tool. The returned Result is never nil.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any, tc *Context) *Result {
	start := time.Now()

	t, err := inv.registry.Get(name)
	if err != nil {
		return failure(start, err.Error())
	}

	if err := ValidateArgs(t.Definition(), args); err != nil {
		return failure(start, err.Error())
	}

	result, err := inv.execute(ctx, t, args, tc)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		tc.Log().Warn("Tool execution failed", "tool", name, "error", err)
		return &Result{
			Success:    false,
			Summary:    fmt.Sprintf("Tool execution failed: %s", err.Error()),
			Error:      err.Error(),
			DurationMs: elapsed,
		}
	}
	if result == nil {
		result = &Result{Success: true}
	}
	result.DurationMs = elapsed
	return result
}

// execute isolates the handler call so a panic cannot take down the turn.
func (inv *Invoker) execute(ctx context.Context, t Tool, args map[string]any, tc *Context) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Execute(ctx, args, tc)
}

func failure(start time.Time, msg string) *Result {
	return &Result{
		Success:    false,
		Summary:    fmt.Sprintf("Tool execution failed: %s", msg),
		Error:      msg,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// ValidateArgs checks required parameters are present and provided values
// match the declared JSON-schema types. Validation failures carry
// ErrInvalidArguments.
func ValidateArgs(def Definition, args map[string]any) error {
	if def.Parameters == nil {
		return nil
	}

	properties, _ := def.Parameters["properties"].(map[string]any)

	if required, ok := def.Parameters["required"].([]any); ok {
		for _, entry := range required {
			name, _ := entry.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required parameter %q for tool %s",
					ErrInvalidArguments, name, def.Name)
			}
		}
	} else if required, ok := def.Parameters["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required parameter %q for tool %s",
					ErrInvalidArguments, name, def.Name)
			}
		}
	}

	for name, value := range args {
		schema, ok := properties[name].(map[string]any)
		if !ok {
			continue // undeclared parameters pass through to the handler
		}
		declared, _ := schema["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !typeMatches(declared, value) {
			return fmt.Errorf("%w: parameter %q of tool %s must be %s, got %T",
				ErrInvalidArguments, name, def.Name, declared, value)
		}
	}

	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			// JSON decodes every number to float64.
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string, []float64:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
