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

// Package events defines the streaming event protocol between the engine and
// the caller, and the ordered bus that carries it.
package events

import (
	"time"
)

// Kind discriminates the event union.
type Kind string

const (
	KindConnected         Kind = "connected"
	KindStatus            Kind = "status"
	KindRouting           Kind = "routing"
	KindAgentStepStart    Kind = "agent_step_start"
	KindAgentStepContent  Kind = "agent_step_content"
	KindAgentStepComplete Kind = "agent_step_complete"
	KindToolCall          Kind = "tool_call"
	KindToolResult        Kind = "tool_result"
	KindContent           Kind = "content"
	KindStepError         Kind = "step_error"
	KindError             Kind = "error"
	KindComplete          Kind = "complete"
)

// Coarse progress statuses carried by status events.
const (
	StatusInitializing       = "initializing"
	StatusSecurityCheck      = "security_check"
	StatusRouting            = "routing"
	StatusGeneratingResponse = "generating_response"
	StatusSecurityPostproc   = "security_postprocess"
)

// Fatal error reasons carried by terminal error events.
const (
	ReasonCancelled           = "cancelled"
	ReasonTimeout             = "timeout"
	ReasonLLMUnavailable      = "llm_unavailable"
	ReasonLLMInvalidOutput    = "llm_invalid_output"
	ReasonToolRegistryCorrupt = "tool_registry_corrupt"
	ReasonSafetyViolation     = "safety_violation"
	ReasonInternal            = "internal"
)

// Event is one element of the stream. The wire form is
// {"type": <kind>, "data": <payload>}.
type Event struct {
	Kind Kind           `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// IsTerminal reports whether the event ends the turn.
func (e *Event) IsTerminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// IsDelta reports whether the event is a token-level delta that may be
// coalesced under backpressure.
func (e *Event) IsDelta() bool {
	return e.Kind == KindContent || e.Kind == KindAgentStepContent
}

func NewConnected() *Event {
	return &Event{Kind: KindConnected}
}

func NewStatus(status, message string) *Event {
	return &Event{Kind: KindStatus, Data: map[string]any{
		"status":  status,
		"message": message,
	}}
}

func NewRouting(specialist string, confidence float64, reasoning string, entities []string) *Event {
	return &Event{Kind: KindRouting, Data: map[string]any{
		"specialist": specialist,
		"confidence": confidence,
		"reasoning":  reasoning,
		"entities":   entities,
	}}
}

func NewAgentStepStart(stepID, agentName string, stepOrder int) *Event {
	return &Event{Kind: KindAgentStepStart, Data: map[string]any{
		"step_id":    stepID,
		"agent_name": agentName,
		"step_order": stepOrder,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}}
}

func NewAgentStepContent(stepID, chunk string) *Event {
	return &Event{Kind: KindAgentStepContent, Data: map[string]any{
		"step_id":       stepID,
		"content_chunk": chunk,
	}}
}

func NewAgentStepComplete(stepID, agentName, content string, isStructured bool) *Event {
	return &Event{Kind: KindAgentStepComplete, Data: map[string]any{
		"step_id":       stepID,
		"agent_name":    agentName,
		"content":       content,
		"is_structured": isStructured,
	}}
}

func NewToolCall(toolName string, arguments map[string]any, agentName string) *Event {
	return &Event{Kind: KindToolCall, Data: map[string]any{
		"tool_name":  toolName,
		"arguments":  arguments,
		"agent_name": agentName,
	}}
}

func NewToolResult(toolName, outputSummary, truncatedOutput string) *Event {
	return &Event{Kind: KindToolResult, Data: map[string]any{
		"tool_name":        toolName,
		"output_summary":   outputSummary,
		"truncated_output": truncatedOutput,
	}}
}

func NewContent(delta string) *Event {
	return &Event{Kind: KindContent, Data: map[string]any{
		"content": delta,
	}}
}

func NewStepError(step, errMsg string) *Event {
	return &Event{Kind: KindStepError, Data: map[string]any{
		"step":  step,
		"error": errMsg,
	}}
}

func NewError(reason string) *Event {
	return &Event{Kind: KindError, Data: map[string]any{
		"error": reason,
	}}
}

func NewComplete(messageID, message string, metadata map[string]any) *Event {
	return &Event{Kind: KindComplete, Data: map[string]any{
		"message_id": messageID,
		"message":    message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"metadata":   metadata,
	}}
}

// ContentChunk extracts the text of a delta event, empty for other kinds.
func (e *Event) ContentChunk() string {
	switch e.Kind {
	case KindContent:
		if s, ok := e.Data["content"].(string); ok {
			return s
		}
	case KindAgentStepContent:
		if s, ok := e.Data["content_chunk"].(string); ok {
			return s
		}
	}
	return ""
}

// setContentChunk replaces the text of a delta event. Used by coalescing.
func (e *Event) setContentChunk(chunk string) {
	switch e.Kind {
	case KindContent:
		e.Data["content"] = chunk
	case KindAgentStepContent:
		e.Data["content_chunk"] = chunk
	}
}

// StepID returns the step identifier of agent-step events, empty otherwise.
func (e *Event) StepID() string {
	if s, ok := e.Data["step_id"].(string); ok {
		return s
	}
	return ""
}
