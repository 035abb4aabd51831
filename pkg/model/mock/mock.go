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

// Package mock provides a scripted in-memory LLM for tests. Each call to
// GenerateContent consumes the next scripted turn; streaming turns are
// chunked into word-sized partials before the aggregated final.
package mock

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/datalens-ai/datalens/pkg/model"
	"github.com/datalens-ai/datalens/pkg/tool"
)

// Turn is one scripted model response.
type Turn struct {
	// Text is the text the model produces.
	Text string

	// ToolCalls the model requests, if any.
	ToolCalls []tool.ToolCall

	// Err, when set, makes the call fail instead of producing a response.
	Err error
}

// LLM is a scripted model. Turns are consumed in order; when the script is
// exhausted, calls fail with ErrUnavailable so tests never hang.
type LLM struct {
	mu       sync.Mutex
	name     string
	turns    []Turn
	calls    int
	requests []*model.Request
}

// New creates a scripted model with the given turns.
func New(turns ...Turn) *LLM {
	return &LLM{name: "mock-model", turns: turns}
}

// Append adds turns to the script.
func (m *LLM) Append(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Calls returns how many times GenerateContent has been invoked.
func (m *LLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the requests seen so far, for assertions on prompts.
func (m *LLM) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or nil.
func (m *LLM) LastRequest() *model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

func (m *LLM) Name() string {
	return m.name
}

func (m *LLM) Provider() model.Provider {
	return model.ProviderMock
}

func (m *LLM) Close() error {
	return nil
}

func (m *LLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var turn Turn
	exhausted := m.calls >= len(m.turns)
	if !exhausted {
		turn = m.turns[m.calls]
	}
	m.calls++
	m.mu.Unlock()

	return func(yield func(*model.Response, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if exhausted {
			yield(nil, fmt.Errorf("%w: script exhausted", model.ErrUnavailable))
			return
		}
		if turn.Err != nil {
			yield(nil, turn.Err)
			return
		}

		finish := model.FinishReasonStop
		if len(turn.ToolCalls) > 0 {
			finish = model.FinishReasonToolCalls
		}

		usage := &model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

		if stream {
			// The text and tool calls arrive as partials; the closing
			// response carries only usage and the finish reason, mirroring
			// how the real providers stream.
			for _, chunk := range chunkWords(turn.Text) {
				if !yield(&model.Response{Text: chunk, Partial: true}, nil) {
					return
				}
			}
			if len(turn.ToolCalls) > 0 {
				if !yield(&model.Response{Partial: true, ToolCalls: turn.ToolCalls}, nil) {
					return
				}
			}
			yield(&model.Response{
				TurnComplete: true,
				FinishReason: finish,
				Usage:        usage,
			}, nil)
			return
		}

		yield(&model.Response{
			Text:         turn.Text,
			Partial:      false,
			TurnComplete: true,
			ToolCalls:    turn.ToolCalls,
			FinishReason: finish,
			Usage:        usage,
		}, nil)
	}
}

// chunkWords splits text into word-boundary chunks, keeping separators.
func chunkWords(text string) []string {
	if text == "" {
		return nil
	}
	words := strings.SplitAfter(text, " ")
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

var _ model.LLM = (*LLM)(nil)
