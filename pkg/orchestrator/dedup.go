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
	"encoding/json"
	"sync"

	"github.com/datalens-ai/datalens/pkg/tool"
)

// dedupCache serves identical (tool, canonicalized arguments) invocations
// from cache within one turn. Only successful results are cached; a failed
// call may legitimately succeed on retry.
type dedupCache struct {
	invoker *tool.Invoker

	mu      sync.Mutex
	results map[string]*tool.Result
	hits    int
}

func newDedupCache(invoker *tool.Invoker) *dedupCache {
	return &dedupCache{
		invoker: invoker,
		results: make(map[string]*tool.Result),
	}
}

// peek satisfies agent.Peek: it reports a cached result without executing
// the call, so callers can skip the tool_call/tool_result event pair and the
// tree node for deduplicated invocations.
func (d *dedupCache) peek(name string, args map[string]any) (*tool.Result, bool) {
	key := d.key(name, args)
	if key == "" {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.results[key]; ok {
		d.hits++
		return cached, true
	}
	return nil, false
}

// invoke satisfies agent.Invoke. The second return is true when the result
// came from cache.
func (d *dedupCache) invoke(ctx context.Context, name string, args map[string]any, tc *tool.Context) (*tool.Result, bool) {
	key := d.key(name, args)

	if key != "" {
		d.mu.Lock()
		if cached, ok := d.results[key]; ok {
			d.hits++
			d.mu.Unlock()
			return cached, true
		}
		d.mu.Unlock()
	}

	result := d.invoker.Invoke(ctx, name, args, tc)

	if result.Success && key != "" {
		d.mu.Lock()
		d.results[key] = result
		d.mu.Unlock()
	}
	return result, false
}

// key canonicalizes the invocation. encoding/json emits map keys in sorted
// order, so identical argument sets collide regardless of insertion order.
func (d *dedupCache) key(name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return name + "\x00" + string(raw)
}

func (d *dedupCache) hitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits
}
