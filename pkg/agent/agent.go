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

// Package agent implements the specialist ReAct loop: prompt assembly, the
// LLM call with transport retries, tool execution with observation feedback,
// and structured-output validation. One Runner drives every specialist; the
// specialists themselves are configuration records.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/datalens-ai/datalens/pkg/backoff"
	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/events"
	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/model"
	"github.com/datalens-ai/datalens/pkg/observability"
	"github.com/datalens-ai/datalens/pkg/tool"
)

const (
	// DefaultMaxIterations bounds the ReAct loop when the specialist does
	// not override it.
	DefaultMaxIterations = 10

	// llmMaxAttempts bounds transport retries per LLM call.
	llmMaxAttempts = 3

	// toolResultPreviewLen caps the serialized output carried by
	// tool_result events.
	toolResultPreviewLen = 500
)

// ErrInvalidOutput is returned when a structured-output specialist failed to
// produce schema-conforming JSON even after the corrective retry.
var ErrInvalidOutput = errors.New("llm output did not match the requested schema")

// ErrBudgetExhausted is fed back to the LLM as an observation when the
// per-turn tool-call budget runs out.
var ErrBudgetExhausted = errors.New("tool call budget exhausted")

// ToolBudget is the shared per-turn tool-call allowance. All specialists of
// one turn draw from the same budget.
type ToolBudget struct {
	mu        sync.Mutex
	remaining int
}

// NewToolBudget creates a budget of n calls. Negative n means unlimited.
func NewToolBudget(n int) *ToolBudget {
	return &ToolBudget{remaining: n}
}

// Take consumes one call from the budget. Returns false when exhausted.
func (b *ToolBudget) Take() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining == 0 {
		return false
	}
	if b.remaining > 0 {
		b.remaining--
	}
	return true
}

// Remaining returns the calls left, -1 for unlimited.
func (b *ToolBudget) Remaining() int {
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// StepCounter numbers agent steps across the whole turn so that step_order
// is globally monotonic even across specialists.
type StepCounter struct {
	mu sync.Mutex
	n  int
}

func (c *StepCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.n
	c.n++
	return n
}

// Invoke executes one tool call. The second return reports whether the
// result was served from the per-turn deduplication cache.
type Invoke func(ctx context.Context, name string, args map[string]any, tc *tool.Context) (*tool.Result, bool)

// Peek reports a cached result for a tool call without executing it. Calls
// answered by Peek do not emit events or tree nodes: the runner resolves the
// cache before opening a tool node, so tool_call is only published for calls
// that actually run.
type Peek func(name string, args map[string]any) (*tool.Result, bool)

// Task is one unit of specialist work within a turn.
type Task struct {
	Specialist *Specialist

	// Input is the current user message or the handoff message from the
	// previous specialist.
	Input string

	// History is the truncated conversation window preceding Input.
	History []*model.Message

	Env    *environment.Store
	Bus    *events.Bus
	Tree   *exectree.Tree
	UserID string

	// ParentNodeID anchors this specialist's subtree. Empty attaches under
	// the tree's current parent.
	ParentNodeID string

	Budget *ToolBudget
	Steps  *StepCounter

	// Invoke overrides the runner's invoker, letting the orchestrator wrap
	// tool execution with deduplication. Nil uses the registry directly.
	Invoke Invoke

	// Peek resolves the deduplication cache before a call is announced.
	// Nil means no cache.
	Peek Peek

	// StreamContent mirrors the specialist's token deltas onto the content
	// channel. Set for the specialist whose output is the user-facing
	// answer, so the final message streams instead of arriving whole.
	StreamContent bool
}

// StepResult is the outcome of one specialist run.
type StepResult struct {
	// Text is the specialist's final message.
	Text string

	// Structured is the parsed object when the specialist ran in
	// structured-output mode.
	Structured map[string]any

	Iterations int
	ToolCalls  int

	// Capped reports that the iteration limit ended the loop.
	Capped bool
}

// Handoff reads a handoff directive from the structured output, if present.
func (r *StepResult) Handoff() (specialist, message string, ok bool) {
	if r == nil || r.Structured == nil {
		return "", "", false
	}
	specialist, _ = r.Structured["handoff_to"].(string)
	message, _ = r.Structured["handoff_message"].(string)
	return specialist, message, specialist != ""
}

// Runner executes specialist tasks. Safe for concurrent use across turns.
type Runner struct {
	llm      model.LLM
	registry *tool.Registry
	invoker  *tool.Invoker
	metrics  *observability.Metrics
	logger   *slog.Logger

	// sleep is replaceable in tests to skip real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner over an LLM and a tool registry.
func NewRunner(llm model.LLM, registry *tool.Registry, opts ...Option) *Runner {
	r := &Runner{
		llm:      llm,
		registry: registry,
		invoker:  tool.NewInvoker(registry),
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the specialist loop until the LLM returns plain text, the
// iteration cap is hit, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, task *Task) (*StepResult, error) {
	spec := task.Specialist
	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	messages := make([]*model.Message, 0, len(task.History)+1)
	messages = append(messages, task.History...)
	messages = append(messages, model.NewUserMessage(task.Input))

	defs := r.registry.DefinitionsFor(spec.Capabilities)
	result := &StepResult{}
	correctiveUsed := false
	var lastText string

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations = iteration + 1

		stepOrder := 0
		if task.Steps != nil {
			stepOrder = task.Steps.Next()
		}
		nodeOpts := []exectree.StartOption{}
		if task.ParentNodeID != "" {
			nodeOpts = append(nodeOpts, exectree.WithParent(task.ParentNodeID))
		}
		stepID := task.Tree.StartNode(spec.Name, exectree.KindAgent, task.Input, nodeOpts...)
		_ = task.Bus.Publish(events.NewAgentStepStart(stepID, spec.Name, stepOrder))

		final, err := r.generate(ctx, task, stepID, r.buildRequest(spec, messages, defs, task.Env))
		if err != nil {
			_ = task.Tree.FailNode(stepID, err.Error(), nil)
			r.observeStep(spec.Name, "failed")
			return nil, err
		}
		lastText = final.Text

		if final.HasToolCalls() {
			messages = append(messages, final.ToMessage())
			observations, calls := r.runToolCalls(ctx, task, stepID, final.ToolCalls)
			result.ToolCalls += calls
			messages = append(messages, observations...)

			_ = task.Tree.CompleteNode(stepID, final.Text, nil, map[string]any{
				"tool_calls": len(final.ToolCalls),
			})
			_ = task.Bus.Publish(events.NewAgentStepComplete(stepID, spec.Name, final.Text, false))
			r.observeStep(spec.Name, "completed")
			continue
		}

		// Plain-text final answer.
		if spec.ResponseSchema == nil {
			_ = task.Tree.CompleteNode(stepID, final.Text, nil, nil)
			_ = task.Bus.Publish(events.NewAgentStepComplete(stepID, spec.Name, final.Text, false))
			r.observeStep(spec.Name, "completed")
			result.Text = final.Text
			return result, nil
		}

		// Structured mode: the final message must parse against the schema.
		structured, parseErr := r.parseStructured(final.Text, spec.ResponseSchema)
		if parseErr == nil {
			_ = task.Tree.CompleteNode(stepID, final.Text, nil, map[string]any{
				"structured_output": structured,
			})
			_ = task.Bus.Publish(events.NewAgentStepComplete(stepID, spec.Name, final.Text, true))
			r.observeStep(spec.Name, "completed")
			result.Text = final.Text
			result.Structured = structured
			return result, nil
		}

		if correctiveUsed {
			_ = task.Tree.FailNode(stepID, "structured_output_mismatch: "+parseErr.Error(), nil)
			_ = task.Bus.Publish(events.NewStepError(spec.Name, "structured output mismatch"))
			r.observeStep(spec.Name, "failed")
			return nil, fmt.Errorf("%w: %s", ErrInvalidOutput, parseErr.Error())
		}
		correctiveUsed = true
		r.logger.Warn("Structured output parse failed, retrying once",
			"agent", spec.Name, "error", parseErr)
		messages = append(messages, final.ToMessage(), model.NewUserMessage(
			"Your previous reply was not a valid JSON object matching the required schema: "+
				parseErr.Error()+". Reply again with only the JSON object."))
		_ = task.Tree.CompleteNode(stepID, final.Text, nil, nil)
		_ = task.Bus.Publish(events.NewAgentStepComplete(stepID, spec.Name, final.Text, false))
		r.observeStep(spec.Name, "completed")
	}

	// Iteration cap: whatever the LLM last produced becomes the output.
	_ = task.Bus.Publish(events.NewStepError(spec.Name,
		fmt.Sprintf("maximum iterations (%d) reached", maxIterations)))
	r.logger.Warn("Specialist hit iteration cap", "agent", spec.Name, "max_iterations", maxIterations)
	result.Text = lastText
	result.Capped = true
	return result, nil
}

// buildRequest assembles the chat request: system prompt plus the rendered
// environment description, the history window, and the tool subset.
func (r *Runner) buildRequest(spec *Specialist, messages []*model.Message, defs []tool.Definition, env *environment.Store) *model.Request {
	system := spec.SystemPrompt
	if env != nil {
		system += "\n\n" + env.Describe()
	}

	cfg := &model.GenerateConfig{}
	if spec.Temperature != nil {
		temp := *spec.Temperature
		cfg.Temperature = &temp
	}
	if spec.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = spec.ResponseSchema
		cfg.ResponseSchemaName = spec.ResponseSchemaName
	}

	return &model.Request{
		Messages:          messages,
		Tools:             defs,
		Config:            cfg,
		SystemInstruction: system,
	}
}

// generate performs one LLM call, streaming deltas to the bus and retrying
// transport failures with exponential backoff.
func (r *Runner) generate(ctx context.Context, task *Task, stepID string, req *model.Request) (*model.Response, error) {
	policy := backoff.LLMPolicy()

	var lastErr error
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		start := time.Now()
		agg := &model.Aggregator{}
		var streamErr error

		for resp, err := range r.llm.GenerateContent(ctx, req, true) {
			if err != nil {
				streamErr = err
				break
			}
			agg.Add(resp)
			if resp.Partial && resp.Text != "" {
				_ = task.Bus.Publish(events.NewAgentStepContent(stepID, resp.Text))
				if task.StreamContent {
					_ = task.Bus.Publish(events.NewContent(resp.Text))
				}
			}
		}

		final := agg.Final()
		promptTokens, completionTokens := 0, 0
		if final.Usage != nil {
			promptTokens, completionTokens = final.Usage.PromptTokens, final.Usage.CompletionTokens
		}
		r.metrics.ObserveLLMRequest(streamErr, time.Since(start), promptTokens, completionTokens)

		if streamErr == nil {
			return final, nil
		}
		lastErr = streamErr

		if !errors.Is(streamErr, model.ErrUnavailable) || attempt == llmMaxAttempts {
			break
		}
		wait := backoff.Compute(policy, attempt)
		r.logger.Warn("LLM call failed, backing off",
			"agent", task.Specialist.Name, "attempt", attempt, "wait", wait, "error", streamErr)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// runToolCalls executes the calls of one LLM step in emission order and
// returns the observation messages for the next iteration.
func (r *Runner) runToolCalls(ctx context.Context, task *Task, stepID string, calls []tool.ToolCall) ([]*model.Message, int) {
	spec := task.Specialist
	tc := &tool.Context{
		Env:           task.Env,
		UserID:        task.UserID,
		Logger:        r.logger,
		PublishStatus: tool.StatusPublisher(task.Bus),
	}
	invoke := task.Invoke
	if invoke == nil {
		invoke = func(ctx context.Context, name string, args map[string]any, tc *tool.Context) (*tool.Result, bool) {
			return r.invoker.Invoke(ctx, name, args, tc), false
		}
	}

	observations := make([]*model.Message, 0, len(calls))
	executed := 0
	for _, call := range calls {
		if !task.Budget.Take() {
			r.logger.Warn("Tool call budget exhausted", "agent", spec.Name, "tool", call.Name)
			observations = append(observations, model.NewToolMessage(call.ID, call.Name,
				ErrBudgetExhausted.Error()+"; finish with what you have"))
			continue
		}

		// Deduplicated within the turn: reuse the result silently, before
		// the call is announced on the bus or in the tree.
		if task.Peek != nil {
			if cached, ok := task.Peek(call.Name, call.Args); ok {
				observations = append(observations, model.NewToolMessage(call.ID, call.Name, observationText(cached)))
				r.storeResult(task.Env, call.Name, cached)
				continue
			}
		}
		executed++

		// The node is opened and tool_call published before the call runs,
		// so any progress the tool streams arrives after its cause and the
		// node's duration covers the actual runtime.
		nodeID := task.Tree.StartNode(call.Name, exectree.KindTool,
			summarizeArgs(call.Args), exectree.WithParent(stepID))
		_ = task.Bus.Publish(events.NewToolCall(call.Name, call.Args, spec.Name))

		start := time.Now()
		result, _ := invoke(ctx, call.Name, call.Args, tc)
		r.metrics.ObserveToolCall(call.Name, result.Success, time.Since(start))

		if result.Success {
			r.storeResult(task.Env, call.Name, result)
			_ = task.Tree.CompleteNode(nodeID, result.Summary, result.Data, result.Metadata)
		} else {
			_ = task.Tree.FailNode(nodeID, result.Error, result.Metadata)
		}
		_ = task.Bus.Publish(events.NewToolResult(call.Name, result.Summary, preview(result)))

		observations = append(observations, model.NewToolMessage(call.ID, call.Name, observationText(result)))
	}
	return observations, executed
}

// storeResult inserts a successful tool payload into the environment under
// <tool_name>.<result_key>.
func (r *Runner) storeResult(env *environment.Store, toolName string, result *tool.Result) {
	if env == nil || result == nil || !result.Success || result.Data == nil {
		return
	}
	key := "result"
	if result.Metadata != nil {
		if k, ok := result.Metadata["result_key"].(string); ok && k != "" {
			key = k
		}
	}
	env.Add(toolName+"."+key, result.Data, map[string]any{"tool": toolName})
}

func (r *Runner) observeStep(agent, status string) {
	r.metrics.ObserveAgentStep(agent, status)
}

// observationText renders a tool result as the observation fed back to the
// LLM. Failures are surfaced so the model can recover or switch tools.
func observationText(result *tool.Result) string {
	if !result.Success {
		return "Tool failed: " + result.Error
	}
	if result.Data != nil {
		return result.Summary + "\n" + result.Data.Summary()
	}
	return result.Summary
}

// preview serializes the result payload and truncates it for the tool_result
// event.
func preview(result *tool.Result) string {
	text := result.Summary
	if result.Data != nil {
		if raw, err := json.Marshal(result.Data); err == nil {
			text = string(raw)
		}
	}
	if len(text) > toolResultPreviewLen {
		text = text[:toolResultPreviewLen] + "..."
	}
	return text
}

func summarizeArgs(args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

// parseStructured extracts a JSON object from the model's final message,
// tolerating markdown code fences, and validates it against the specialist's
// response schema. A well-formed object that violates the schema is as wrong
// as broken JSON and goes through the same corrective retry.
func (r *Runner) parseStructured(text string, schema map[string]any) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if schema != nil {
		compiled, err := compileSchema(schema)
		if err != nil {
			// A schema that does not compile is a specialist definition
			// bug, not a model failure; validation is skipped.
			r.logger.Warn("Response schema does not compile, skipping validation", "error", err)
			return out, nil
		}
		if err := compiled.Validate(out); err != nil {
			return nil, fmt.Errorf("schema violation: %w", err)
		}
	}
	return out, nil
}

// schemaCache holds compiled response schemas keyed by their JSON encoding.
var schemaCache sync.Map

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("response.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
