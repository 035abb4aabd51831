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

// Package model defines the LLM provider interface.
//
// Design:
//   - Unified GenerateContent method with a stream boolean parameter
//   - Returns iter.Seq2[*Response, error] for both streaming and non-streaming
//   - Streaming uses the Partial flag to distinguish chunks from the
//     aggregated final response
//   - Aggregator pattern for accumulating streaming text and tool calls
package model

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/datalens-ai/datalens/pkg/tool"
)

// ErrUnavailable marks provider failures that persisted through retries.
// Callers inspect it to classify the turn's terminal error.
var ErrUnavailable = errors.New("llm unavailable")

// LLM is the interface for language models.
//
// Key design principles:
//   - Single GenerateContent method handles both streaming and non-streaming
//   - Returns iter.Seq2 which yields one or more Response objects
//   - For non-streaming: yields exactly one Response
//   - For streaming: yields partial Responses (Partial=true), then the final
//     aggregated Response (Partial=false)
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type (e.g., "openai", "anthropic").
	Provider() Provider

	// GenerateContent produces responses for the given request.
	//
	// When stream=false:
	//   - Yields exactly one Response with complete content
	//   - Response.Partial will be false
	//
	// When stream=true:
	//   - Yields multiple partial Responses with Partial=true
	//   - Finally yields the aggregated Response with Partial=false
	//   - The aggregated response is for session persistence
	//   - Partial responses are for real-time streaming to the client
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the LLM.
	Close() error
}

// Provider identifies the LLM provider.
// Used for model-specific message formatting.
type Provider string

const (
	// ProviderOpenAI represents OpenAI models (GPT-4o, etc.)
	// Tool results are separate "tool" role messages.
	ProviderOpenAI Provider = "openai"

	// ProviderAnthropic represents Anthropic models (Claude)
	// Tool results must be paired with tool_use in the same message.
	ProviderAnthropic Provider = "anthropic"

	// ProviderMock represents a scripted in-memory model used by tests.
	ProviderMock Provider = "mock"

	// ProviderUnknown for unrecognized providers.
	ProviderUnknown Provider = "unknown"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn in provider-neutral form. Providers
// translate it into their own wire format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []tool.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID pairs a RoleTool message with the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name for RoleTool messages.
	Name string `json:"name,omitempty"`
}

// NewUserMessage builds a user turn.
func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant turn.
func NewAssistantMessage(content string) *Message {
	return &Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage builds a tool observation turn answering callID.
func NewToolMessage(callID, name, content string) *Message {
	return &Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history.
	Messages []*Message

	// Tools available for the model to call.
	Tools []tool.Definition

	// Config contains generation configuration.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	// Temperature controls randomness (0-2).
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float64

	// StopSequences terminates generation.
	StopSequences []string

	// ResponseMIMEType for structured output (e.g., "application/json").
	ResponseMIMEType string

	// ResponseSchema for structured output.
	ResponseSchema map[string]any

	// ResponseSchemaName identifies the schema for providers that require it.
	// Used by OpenAI's json_schema format. Default: "response".
	ResponseSchemaName string

	// ResponseSchemaStrict enables strict schema validation.
	// Default: true (nil means true).
	ResponseSchemaStrict *bool

	// Metadata contains additional key-value pairs for LLM providers.
	Metadata map[string]string
}

// Clone creates a deep copy of the GenerateConfig so callers can adjust
// per-call settings without mutating shared state.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}

	clone := *c

	if c.Temperature != nil {
		temp := *c.Temperature
		clone.Temperature = &temp
	}
	if c.MaxTokens != nil {
		maxTok := *c.MaxTokens
		clone.MaxTokens = &maxTok
	}
	if c.TopP != nil {
		topP := *c.TopP
		clone.TopP = &topP
	}
	if c.StopSequences != nil {
		clone.StopSequences = make([]string, len(c.StopSequences))
		copy(clone.StopSequences, c.StopSequences)
	}
	if c.ResponseSchema != nil {
		clone.ResponseSchema = deepCopyMap(c.ResponseSchema)
	}
	if c.ResponseSchemaStrict != nil {
		strict := *c.ResponseSchemaStrict
		clone.ResponseSchemaStrict = &strict
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

// Response contains the result of an LLM call.
type Response struct {
	// Text is the generated text content.
	Text string

	// Partial indicates whether this is a streaming chunk (true) or the
	// final response (false). In streaming mode:
	//   - Partial=true: delta chunk for real-time display
	//   - Partial=false: aggregated final response for persistence
	Partial bool

	// TurnComplete indicates whether the model has finished its turn.
	TurnComplete bool

	// ToolCalls requested by the model.
	ToolCalls []tool.ToolCall

	// Usage statistics.
	Usage *Usage

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason

	// ErrorCode for provider-specific errors.
	ErrorCode string

	// ErrorMessage for provider-specific error messages.
	ErrorMessage string
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonContent   FinishReason = "content_filter"
	FinishReasonError     FinishReason = "error"
)

// HasToolCalls returns whether the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ToMessage converts a final Response into an assistant history message.
func (r *Response) ToMessage() *Message {
	if r == nil {
		return nil
	}
	return &Message{Role: RoleAssistant, Content: r.Text, ToolCalls: r.ToolCalls}
}

// Aggregator accumulates streaming partial responses into a single final
// response suitable for session persistence.
type Aggregator struct {
	text      strings.Builder
	toolCalls []tool.ToolCall
	usage     *Usage
	finish    FinishReason
}

// Add folds a partial response into the aggregate.
func (a *Aggregator) Add(r *Response) {
	if r == nil {
		return
	}
	a.text.WriteString(r.Text)
	if len(r.ToolCalls) > 0 {
		a.toolCalls = append(a.toolCalls, r.ToolCalls...)
	}
	if r.Usage != nil {
		a.usage = r.Usage
	}
	if r.FinishReason != "" {
		a.finish = r.FinishReason
	}
}

// Final returns the aggregated response with Partial=false.
func (a *Aggregator) Final() *Response {
	finish := a.finish
	if finish == "" {
		if len(a.toolCalls) > 0 {
			finish = FinishReasonToolCalls
		} else {
			finish = FinishReasonStop
		}
	}
	return &Response{
		Text:         a.text.String(),
		Partial:      false,
		TurnComplete: true,
		ToolCalls:    a.toolCalls,
		Usage:        a.usage,
		FinishReason: finish,
	}
}
