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

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/datalens-ai/datalens/pkg/agent"
	"github.com/datalens-ai/datalens/pkg/events"
	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/session"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// coordinatorSchema is the structured decision the coordinator must emit at
// each graph step.
var coordinatorSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []string{"delegate", "tool", "synthesize", "respond"},
		},
		"specialist": map[string]any{"type": "string"},
		"task":       map[string]any{"type": "string"},
		"tool_name":  map[string]any{"type": "string"},
		"arguments":  map[string]any{"type": "object"},
		"answer":     map[string]any{"type": "string"},
		"reasoning":  map[string]any{"type": "string"},
	},
	"required": []string{"action", "reasoning"},
}

const coordinatorPromptTemplate = `You are the coordinator of a data analysis agent team.
Decide the single next step toward answering the user's query. Available
specialists:
%s

Respond with one JSON object:
{"action": "...", "reasoning": "..."} plus the fields for that action:
- "delegate": set "specialist" and a "task" under 100 words.
- "tool": set "tool_name" and "arguments" to run one tool directly.
- "synthesize": all needed findings are gathered; the report writer takes over.
- "respond": set "answer" when the query needs no data work at all.

Delegate to one specialist at a time. Prefer "synthesize" once the findings
cover the query; do not re-delegate work that has already been done.`

// newCoordinator builds the coordinator specialist over the configured team.
// The specialist list is sorted so the prompt is stable across turns.
func (o *Orchestrator) newCoordinator() *agent.Specialist {
	names := make([]string, 0, len(o.specialists))
	for name := range o.specialists {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		spec := o.specialists[name]
		if spec.Name == "report_writer" || spec.Name == "general" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", spec.Name, spec.Description))
	}
	return &agent.Specialist{
		Name:               "coordinator",
		Description:        "Plans the next graph step.",
		SystemPrompt:       fmt.Sprintf(coordinatorPromptTemplate, strings.Join(lines, "\n")),
		Capabilities:       []string{},
		MaxIterations:      1,
		ResponseSchema:     coordinatorSchema,
		ResponseSchemaName: "coordinator_decision",
	}
}

// graphResult summarizes a complex-tier execution.
type graphResult struct {
	answer    string
	toolCalls int
	dedupHits int
	depth     int

	// streamed is true when the answer already went out as content deltas
	// during synthesis, so the caller must not re-publish it whole.
	streamed bool
}

// runGraph drives the complex tier: a bounded coordinator loop over the
// specialist team, with cycle detection and per-turn tool deduplication.
func (o *Orchestrator) runGraph(ctx context.Context, bus *events.Bus, turn *turnState, query string, history []*session.Message) (*graphResult, error) {
	budget := agent.NewToolBudget(o.limits.ToolCallBudget)
	steps := &agent.StepCounter{}
	dedup := newDedupCache(o.invoker)
	coordinator := o.newCoordinator()
	window := o.historyWindow(history)

	result := &graphResult{}
	visited := make(map[string]bool)
	var findings []string

	baseTask := func(input string) *agent.Task {
		return &agent.Task{
			Input:        input,
			History:      window,
			Env:          turn.env,
			Bus:          bus,
			Tree:         turn.tree,
			UserID:       turn.userID,
			ParentNodeID: turn.tree.RootID(),
			Budget:       budget,
			Steps:        steps,
			Invoke:       dedup.invoke,
			Peek:         dedup.peek,
		}
	}

	for depth := 1; depth <= o.limits.MaxGraphDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.depth = depth

		coordInput := query
		if len(findings) > 0 {
			coordInput = query + "\n\nFindings so far:\n" + strings.Join(findings, "\n")
		}
		task := baseTask(coordInput)
		task.Specialist = coordinator

		step, err := o.runner.Run(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		result.toolCalls += step.ToolCalls

		decision := step.Structured
		action, _ := decision["action"].(string)

		switch action {
		case "respond":
			answer, _ := decision["answer"].(string)
			if answer != "" {
				result.answer = answer
				result.dedupHits = dedup.hitCount()
				return result, nil
			}
			// An empty direct answer degenerates to synthesis.
			fallthrough

		case "synthesize":
			answer, streamed, err := o.synthesize(ctx, bus, turn, query, findings, baseTask)
			if err != nil {
				return nil, err
			}
			result.answer = answer
			result.streamed = streamed
			result.dedupHits = dedup.hitCount()
			return result, nil

		case "tool":
			name, _ := decision["tool_name"].(string)
			args, _ := decision["arguments"].(map[string]any)
			summary := o.runDirectTool(ctx, bus, turn, dedup, budget, name, args)
			findings = append(findings, fmt.Sprintf("[%s] %s", name, summary))
			result.toolCalls++

		case "delegate":
			name, _ := decision["specialist"].(string)
			taskText, _ := decision["task"].(string)
			spec, ok := o.specialists[name]
			if !ok {
				findings = append(findings,
					fmt.Sprintf("[coordinator] no specialist named %q; choose another action", name))
				continue
			}

			// Cycle guard: the same specialist may not receive the same
			// handoff twice in one turn.
			cycleKey := name + "|" + hashText(taskText)
			if visited[cycleKey] {
				o.logger.Warn("Handoff cycle detected, forcing synthesis",
					"specialist", name, "depth", depth)
				_ = bus.Publish(events.NewStepError("coordinator", "handoff cycle detected"))
				answer, streamed, err := o.synthesize(ctx, bus, turn, query, findings, baseTask)
				if err != nil {
					return nil, err
				}
				result.answer = answer
				result.streamed = streamed
				result.dedupHits = dedup.hitCount()
				return result, nil
			}
			visited[cycleKey] = true

			task := baseTask(taskText)
			task.Specialist = spec
			step, err := o.runner.Run(ctx, task)
			if err != nil {
				return nil, fmt.Errorf("specialist %s: %w", name, err)
			}
			result.toolCalls += step.ToolCalls
			findings = append(findings, fmt.Sprintf("[%s] %s", name, step.Text))

		default:
			findings = append(findings,
				fmt.Sprintf("[coordinator] unrecognized action %q; choose delegate, tool, synthesize, or respond", action))
		}
	}

	// Depth exhausted: force synthesis from whatever was gathered.
	o.logger.Warn("Graph depth limit reached, forcing synthesis",
		"max_depth", o.limits.MaxGraphDepth)
	_ = bus.Publish(events.NewStepError("coordinator",
		fmt.Sprintf("graph depth limit (%d) reached", o.limits.MaxGraphDepth)))
	answer, streamed, err := o.synthesize(ctx, bus, turn, query, findings, baseTask)
	if err != nil {
		return nil, err
	}
	result.answer = answer
	result.streamed = streamed
	result.dedupHits = dedup.hitCount()
	return result, nil
}

// synthesize runs the report writer over the gathered findings, streaming its
// deltas as content. The second return reports whether the answer streamed.
func (o *Orchestrator) synthesize(ctx context.Context, bus *events.Bus, turn *turnState, query string, findings []string, baseTask func(string) *agent.Task) (string, bool, error) {
	writer, ok := o.specialists["report_writer"]
	if !ok {
		// Team without a writer: join the findings directly.
		return strings.Join(findings, "\n\n"), false, nil
	}

	input := "User query: " + query
	if len(findings) > 0 {
		input += "\n\nFindings:\n" + strings.Join(findings, "\n")
	}

	_ = bus.Publish(events.NewStatus(events.StatusGeneratingResponse, "Preparing answer"))

	task := baseTask(input)
	task.Specialist = writer
	task.StreamContent = true
	step, err := o.runner.Run(ctx, task)
	if err != nil {
		return "", false, fmt.Errorf("report writer: %w", err)
	}

	// Annotate the root with the synthesis summary.
	_ = turn.tree.Annotate(turn.tree.RootID(), firstLine(step.Text))
	return step.Text, true, nil
}

// runDirectTool executes the coordinator's tool shortcut outside any
// specialist loop.
func (o *Orchestrator) runDirectTool(ctx context.Context, bus *events.Bus, turn *turnState, dedup *dedupCache, budget *agent.ToolBudget, name string, args map[string]any) string {
	if !budget.Take() {
		return "tool call budget exhausted"
	}

	if cached, ok := dedup.peek(name, args); ok {
		return cached.Summary
	}

	tc := &tool.Context{
		Env:           turn.env,
		Logger:        o.logger,
		PublishStatus: tool.StatusPublisher(bus),
	}
	nodeID := turn.tree.StartNode(name, exectree.KindTool, fmt.Sprintf("%v", args),
		exectree.WithParent(turn.tree.RootID()))
	_ = bus.Publish(events.NewToolCall(name, args, "coordinator"))
	result, _ := dedup.invoke(ctx, name, args, tc)
	if result.Success {
		if result.Data != nil {
			turn.env.Add(name+".result", result.Data, map[string]any{"tool": name})
		}
		_ = turn.tree.CompleteNode(nodeID, result.Summary, result.Data, result.Metadata)
	} else {
		_ = turn.tree.FailNode(nodeID, result.Error, result.Metadata)
	}
	_ = bus.Publish(events.NewToolResult(name, result.Summary, result.Summary))
	return result.Summary
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(s))))
	return hex.EncodeToString(sum[:8])
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
