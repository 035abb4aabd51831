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

// Package orchestrator is the top-level control loop of a turn: session
// restore, guardrail check, tier classification, tier execution, synthesis,
// and persistence. Every turn ends with exactly one terminal event on the
// bus, complete or error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datalens-ai/datalens/pkg/agent"
	"github.com/datalens-ai/datalens/pkg/backoff"
	"github.com/datalens-ai/datalens/pkg/environment"
	"github.com/datalens-ai/datalens/pkg/events"
	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/guardrail"
	"github.com/datalens-ai/datalens/pkg/model"
	"github.com/datalens-ai/datalens/pkg/observability"
	"github.com/datalens-ai/datalens/pkg/router"
	"github.com/datalens-ai/datalens/pkg/session"
	"github.com/datalens-ai/datalens/pkg/tool"
	"github.com/datalens-ai/datalens/pkg/utils"
)

// Limits are the per-turn resource bounds.
type Limits struct {
	MaxGraphDepth          int
	TurnTimeout            time.Duration
	HistoryWindow          int
	LargeTableRowThreshold int
	ToolCallBudget         int
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxGraphDepth:          10,
		TurnTimeout:            300 * time.Second,
		HistoryWindow:          10,
		LargeTableRowThreshold: 1000,
		ToolCallBudget:         50,
	}
}

// Request is one incoming turn.
type Request struct {
	Message   string
	SessionID string
	UserID    string
}

// Orchestrator drives turns. Safe for concurrent use across sessions; turns
// of one session must be serialized by the caller.
type Orchestrator struct {
	llm         model.LLM
	routerLLM   model.LLM
	simpleLLM   model.LLM
	mediumLLM   model.LLM
	runner      *agent.Runner
	classifier  *router.Classifier
	guard       *guardrail.Guardrail
	sessions    session.Service
	registry    *tool.Registry
	invoker     *tool.Invoker
	specialists map[string]*agent.Specialist
	metrics     *observability.Metrics
	logger      *slog.Logger
	limits      Limits
	tokens      *utils.TokenCounter

	sleep func(context.Context, time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithGuardrail(g *guardrail.Guardrail) Option {
	return func(o *Orchestrator) { o.guard = g }
}

func WithClassifier(c *router.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithLimits(limits Limits) Option {
	return func(o *Orchestrator) { o.limits = limits }
}

func WithSpecialists(specialists []*agent.Specialist) Option {
	return func(o *Orchestrator) { o.specialists = agent.ByName(specialists) }
}

// TierLLMs routes cheaper models to classification and the direct tiers.
// Nil entries keep the default model.
type TierLLMs struct {
	Router model.LLM
	Simple model.LLM
	Medium model.LLM
}

func WithTierLLMs(tiers TierLLMs) Option {
	return func(o *Orchestrator) {
		if tiers.Router != nil {
			o.routerLLM = tiers.Router
		}
		if tiers.Simple != nil {
			o.simpleLLM = tiers.Simple
		}
		if tiers.Medium != nil {
			o.mediumLLM = tiers.Medium
		}
	}
}

// New creates an Orchestrator.
func New(llm model.LLM, registry *tool.Registry, sessions session.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:         llm,
		routerLLM:   llm,
		simpleLLM:   llm,
		mediumLLM:   llm,
		registry:    registry,
		invoker:     tool.NewInvoker(registry),
		sessions:    sessions,
		specialists: agent.ByName(agent.Defaults()),
		logger:      slog.Default(),
		limits:      DefaultLimits(),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = router.New(o.routerLLM, router.WithLogger(o.logger))
	}
	o.runner = agent.NewRunner(llm, registry,
		agent.WithMetrics(o.metrics), agent.WithLogger(o.logger))

	// Token counting is best-effort; without BPE tables the window falls
	// back to message counts.
	if counter, err := utils.NewTokenCounter(llm.Name()); err == nil {
		o.tokens = counter
	} else {
		o.logger.Warn("Token counter unavailable, history window is message-count only", "error", err)
	}
	return o
}

// Run executes one turn, publishing every state change to the bus. It always
// publishes exactly one terminal event and never returns before doing so.
func (o *Orchestrator) Run(ctx context.Context, req *Request, bus *events.Bus) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.limits.TurnTimeout)
	defer cancel()

	// Consumer disconnect propagates as cancellation into the engine.
	go func() {
		select {
		case <-bus.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	turn, err := o.runTurn(ctx, req, bus)
	if err != nil {
		o.failTurn(req, bus, turn, err)
		return
	}
	o.metrics.ObserveTurn(string(turn.decision.Tier), time.Since(start))
}

// turnState carries the mutable pieces of one in-flight turn so the error
// path can still persist what exists.
type turnState struct {
	sessionID   string
	userID      string
	assistantID string
	tree        *exectree.Tree
	env         *environment.Store
	decision    *router.Decision
}

func (o *Orchestrator) runTurn(ctx context.Context, req *Request, bus *events.Bus) (*turnState, error) {
	turn := &turnState{
		decision: &router.Decision{Tier: router.TierComplex},
	}

	// Phase R1: ingest and restore.
	_ = bus.Publish(events.NewConnected())
	_ = bus.Publish(events.NewStatus(events.StatusInitializing, "Starting up"))

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	turn.sessionID = sessionID
	turn.userID = req.UserID

	if _, err := o.sessions.GetOrCreate(ctx, sessionID, req.UserID); err != nil {
		return turn, fmt.Errorf("session restore: %w", err)
	}

	history, err := o.sessions.Messages(ctx, sessionID, o.limits.HistoryWindow)
	if err != nil {
		return turn, fmt.Errorf("history load: %w", err)
	}

	turn.env = o.restoreEnvironment(ctx, sessionID)
	turn.tree = exectree.New(req.Message)

	if err := o.sessions.AppendMessage(ctx, &session.Message{
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   req.Message,
	}); err != nil {
		return turn, fmt.Errorf("append user message: %w", err)
	}

	assistant := &session.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      model.RoleAssistant,
	}
	if err := o.sessions.AppendMessage(ctx, assistant); err != nil {
		return turn, fmt.Errorf("append assistant message: %w", err)
	}
	turn.assistantID = assistant.ID

	// Phase R2: input guardrail.
	query := req.Message
	if o.guard != nil {
		_ = bus.Publish(events.NewStatus(events.StatusSecurityCheck, "Checking query"))
		verdict := o.guard.CheckInput(ctx, query)
		if !verdict.Allowed {
			o.logger.Warn("Query blocked by guardrail",
				"session_id", sessionID, "reason", verdict.Reason)
			return turn, fmt.Errorf("%w: %s", errSafetyViolation, verdict.Reason)
		}
		query = verdict.Sanitized
	}

	// Phase R3: tier classification.
	_ = bus.Publish(events.NewStatus(events.StatusRouting, "Classifying query"))
	decision, err := o.classifier.Classify(ctx, query, len(history))
	if err != nil {
		return turn, fmt.Errorf("classification: %w", err)
	}
	turn.decision = decision

	routedTo := decision.Specialist
	if routedTo == "" {
		routedTo = string(decision.Tier)
	}
	_ = bus.Publish(events.NewRouting(routedTo, decision.Confidence, decision.Reasoning, decision.Entities))

	decisionNode := turn.tree.StartNode("routing", exectree.KindDecision, query)
	_ = turn.tree.CompleteNode(decisionNode, decision.Reasoning, nil, map[string]any{
		"structured_output": map[string]any{
			"tier":       string(decision.Tier),
			"specialist": decision.Specialist,
			"confidence": decision.Confidence,
		},
	})

	// Phase R4: execute the tier.
	var answer string
	var graph *graphResult
	switch decision.Tier {
	case router.TierSimple:
		answer, err = o.directAnswer(ctx, o.simpleLLM, bus, query, nil)
	case router.TierMedium:
		answer, err = o.directAnswer(ctx, o.mediumLLM, bus, query, o.historyWindow(history))
	default:
		graph, err = o.runGraph(ctx, bus, turn, query, history)
		if err == nil {
			answer = graph.answer
		}
	}
	if err != nil {
		return turn, err
	}

	// Phase R5: synthesis and finalization.
	if o.guard != nil {
		verdict := o.guard.CheckOutput(ctx, answer)
		if verdict.Redactions > 0 {
			_ = bus.Publish(events.NewStatus(events.StatusSecurityPostproc, "Response redacted"))
			answer = verdict.Sanitized
		}
	}

	// The report writer streams its deltas as content during synthesis;
	// answers that never streamed (a coordinator "respond", a writerless
	// team) go out whole here.
	if decision.Tier == router.TierComplex && (graph == nil || !graph.streamed) {
		_ = bus.Publish(events.NewStatus(events.StatusGeneratingResponse, "Preparing answer"))
		_ = bus.Publish(events.NewContent(answer))
	}

	_ = turn.tree.CompleteNode(turn.tree.RootID(), answer, nil, nil)
	metadata := o.finalMetadata(turn, graph)
	o.persist(context.WithoutCancel(ctx), turn, answer, metadata)

	_ = bus.Publish(events.NewComplete(turn.assistantID, answer, metadata))
	return turn, nil
}

// directAnswer serves the simple and medium tiers: one streamed call to the
// tier's model, no tools. history is nil for the simple tier.
func (o *Orchestrator) directAnswer(ctx context.Context, llm model.LLM, bus *events.Bus, query string, history []*model.Message) (string, error) {
	system := "You are a friendly data analysis assistant. Answer briefly and helpfully."
	if len(history) > 0 {
		system += " Use the prior conversation to resolve references in the question."
	}

	messages := make([]*model.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, model.NewUserMessage(query))

	req := &model.Request{
		Messages:          messages,
		SystemInstruction: system,
	}

	policy := backoff.LLMPolicy()
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		start := time.Now()
		agg := &model.Aggregator{}
		var streamErr error

		for resp, err := range llm.GenerateContent(ctx, req, true) {
			if err != nil {
				streamErr = err
				break
			}
			agg.Add(resp)
			if resp.Partial && resp.Text != "" {
				_ = bus.Publish(events.NewContent(resp.Text))
			}
		}

		final := agg.Final()
		promptTokens, completionTokens := 0, 0
		if final.Usage != nil {
			promptTokens, completionTokens = final.Usage.PromptTokens, final.Usage.CompletionTokens
		}
		o.metrics.ObserveLLMRequest(streamErr, time.Since(start), promptTokens, completionTokens)

		if streamErr == nil {
			return final.Text, nil
		}
		lastErr = streamErr
		if !errors.Is(streamErr, model.ErrUnavailable) || attempt == 3 {
			break
		}
		if err := o.sleep(ctx, backoff.Compute(policy, attempt)); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// historyWindow converts persisted messages into the model form, trimmed to
// the token budget when a counter is available.
func (o *Orchestrator) historyWindow(history []*session.Message) []*model.Message {
	const historyTokenBudget = 4000

	out := make([]*model.Message, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" {
			continue
		}
		out = append(out, &model.Message{Role: msg.Role, Content: msg.Content})
	}

	if o.tokens == nil || len(out) == 0 {
		return out
	}

	counted := make([]utils.Message, len(out))
	for i, msg := range out {
		counted[i] = utils.Message{Role: string(msg.Role), Content: msg.Content}
	}
	fitted := o.tokens.FitWithinLimit(counted, historyTokenBudget)
	if len(fitted) == len(out) {
		return out
	}
	return out[len(out)-len(fitted):]
}

func (o *Orchestrator) restoreEnvironment(ctx context.Context, sessionID string) *environment.Store {
	snapshot, err := o.sessions.LoadEnvironment(ctx, sessionID)
	if err != nil {
		o.logger.Warn("Environment snapshot load failed, starting empty",
			"session_id", sessionID, "error", err)
		return environment.New()
	}
	env, err := environment.Restore(snapshot)
	if err != nil {
		o.logger.Warn("Environment snapshot corrupt, starting empty",
			"session_id", sessionID, "error", err)
		return environment.New()
	}
	return env
}

// persist writes the turn's outcome: the assistant message, the flattened
// step records, and the environment snapshot. Persistence failures are
// logged, never fatal.
func (o *Orchestrator) persist(ctx context.Context, turn *turnState, answer string, metadata map[string]any) {
	if turn.assistantID != "" {
		if err := o.sessions.UpdateMessage(ctx, turn.assistantID, answer, metadata); err != nil {
			o.logger.Error("Failed to finalize assistant message",
				"session_id", turn.sessionID, "message_id", turn.assistantID, "error", err)
		}
		if turn.tree != nil {
			if err := o.sessions.SaveSteps(ctx, turn.sessionID, turn.tree.StepRecords(turn.assistantID)); err != nil {
				o.logger.Error("Failed to persist step records",
					"session_id", turn.sessionID, "error", err)
			}
		}
	}

	if turn.env != nil {
		snapshot, err := turn.env.Snapshot(o.limits.LargeTableRowThreshold)
		if err == nil {
			err = o.sessions.SaveEnvironment(ctx, turn.sessionID, snapshot)
		}
		if err != nil {
			o.logger.Error("Failed to snapshot environment",
				"session_id", turn.sessionID, "error", err)
		} else if err := o.sessions.SaveExtraMetadata(ctx, turn.sessionID, map[string]any{
			"context_saved_at": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			o.logger.Warn("Failed to record context_saved_at",
				"session_id", turn.sessionID, "error", err)
		}
	}
}

func (o *Orchestrator) finalMetadata(turn *turnState, graph *graphResult) map[string]any {
	stats := turn.tree.Stats()
	metadata := map[string]any{
		"workflow":    string(turn.decision.Tier),
		"duration_ms": stats.TotalDurationMs,
		"total_steps": stats.TotalNodes - 1,
		"routing": map[string]any{
			"tier":       string(turn.decision.Tier),
			"specialist": turn.decision.Specialist,
			"confidence": turn.decision.Confidence,
		},
	}
	if graph != nil {
		metadata["completed_steps"] = completedSteps(turn.tree)
		metadata["tools_used"] = graph.toolCalls
		metadata["deduplicated_tool_calls"] = graph.dedupHits
		metadata["graph_depth"] = graph.depth
	}
	return metadata
}

func completedSteps(tree *exectree.Tree) []map[string]any {
	var steps []map[string]any
	for _, node := range tree.Nodes() {
		if node.Kind == exectree.KindQuery || node.Status == exectree.StatusRunning {
			continue
		}
		steps = append(steps, map[string]any{
			"name":        node.Name,
			"kind":        string(node.Kind),
			"status":      string(node.Status),
			"duration_ms": node.DurationMs,
		})
	}
	return steps
}

// errSafetyViolation marks guardrail rejections for reason mapping.
var errSafetyViolation = errors.New("safety violation")

// failTurn is phase R6: classify the failure, mark the tree, persist what
// exists, and emit the terminal error event.
func (o *Orchestrator) failTurn(req *Request, bus *events.Bus, turn *turnState, err error) {
	reason := classifyError(err)
	o.logger.Error("Turn failed",
		"session_id", turn.sessionID, "reason", reason, "error", err)
	o.metrics.ObserveTurnError(reason)

	if turn.tree != nil {
		_ = turn.tree.FailNode(turn.tree.RootID(), reason, nil)
	}

	// Persist partial records and the environment so the user can retry.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.persist(ctx, turn, "", map[string]any{"error": reason})

	_ = bus.Publish(events.NewError(reason))
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return events.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return events.ReasonTimeout
	case errors.Is(err, model.ErrUnavailable):
		return events.ReasonLLMUnavailable
	case errors.Is(err, agent.ErrInvalidOutput):
		return events.ReasonLLMInvalidOutput
	case errors.Is(err, tool.ErrUnknownTool), errors.Is(err, tool.ErrDuplicateTool):
		return events.ReasonToolRegistryCorrupt
	case errors.Is(err, errSafetyViolation):
		return events.ReasonSafetyViolation
	default:
		return events.ReasonInternal
	}
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
