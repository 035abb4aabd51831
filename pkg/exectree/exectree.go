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

// Package exectree records every agent turn, tool call, and routing decision
// of one engine turn as a rooted ordered tree.
//
// The tree is append-only: nodes are never deleted, and a finalized node's
// fields are immutable apart from a synthesis annotation. The tree is created
// per turn and discarded once its step records are persisted.
package exectree

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalens-ai/datalens/pkg/environment"
)

// Kind classifies a node.
type Kind string

const (
	KindQuery     Kind = "query"
	KindAgent     Kind = "agent"
	KindTool      Kind = "tool"
	KindDecision  Kind = "decision"
	KindSynthesis Kind = "synthesis"
)

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Node is one entry of the tree.
type Node struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id,omitempty"`
	Kind              Kind              `json:"kind"`
	Name              string            `json:"name"`
	Status            Status            `json:"status"`
	StartedAt         time.Time         `json:"started_at"`
	EndedAt           time.Time         `json:"ended_at,omitzero"`
	DurationMs        int64             `json:"duration_ms"`
	InputSummary      string            `json:"input_summary,omitempty"`
	OutputSummary     string            `json:"output_summary,omitempty"`
	InputData         environment.Value `json:"input_data,omitempty"`
	OutputData        environment.Value `json:"output_data,omitempty"`
	Error             string            `json:"error,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	SummaryAnnotation string            `json:"summary_annotation,omitempty"`
}

// Stats aggregates the tree for the terminal event's metadata.
type Stats struct {
	TotalNodes      int           `json:"total_nodes"`
	CountsByStatus  map[Status]int `json:"counts_by_status"`
	TotalDuration   time.Duration `json:"-"`
	TotalDurationMs int64         `json:"total_duration_ms"`
}

// StepRecord is the flattened persistence projection of one finalized
// non-root node.
type StepRecord struct {
	MessageID        string         `json:"message_id"`
	AgentName        string         `json:"agent_name"`
	StepOrder        int            `json:"step_order"`
	ToolCall         string         `json:"tool_call,omitempty"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	RawOutput        string         `json:"raw_output,omitempty"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Tree is the per-turn execution log. Safe for concurrent use: parallel
// sub-tasks may open and close nodes, the tree serializes all mutations.
type Tree struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	order       []string
	rootID      string
	parentStack []string
}

// StartOption customizes StartNode.
type StartOption func(*startOptions)

type startOptions struct {
	parentID  string
	inputData environment.Value
	metadata  map[string]any
}

// WithParent attaches the node under an explicit parent instead of the
// current one. Required for fan-out sub-tasks.
func WithParent(parentID string) StartOption {
	return func(o *startOptions) { o.parentID = parentID }
}

// WithInputData attaches the full input payload to the node.
func WithInputData(data environment.Value) StartOption {
	return func(o *startOptions) { o.inputData = data }
}

// WithMetadata attaches a metadata bag to the node.
func WithMetadata(metadata map[string]any) StartOption {
	return func(o *startOptions) { o.metadata = metadata }
}

// New creates a tree whose root is the query node, already running.
func New(query string) *Tree {
	root := &Node{
		ID:           newNodeID(),
		Kind:         KindQuery,
		Name:         "query",
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		InputSummary: truncate(query, 200),
	}
	return &Tree{
		nodes:       map[string]*Node{root.ID: root},
		order:       []string{root.ID},
		rootID:      root.ID,
		parentStack: []string{root.ID},
	}
}

// RootID returns the id of the query node.
func (t *Tree) RootID() string {
	return t.rootID
}

// StartNode creates a running child node under the current parent (or the
// parent chosen via WithParent) and makes it the current parent.
func (t *Tree) StartNode(name string, kind Kind, inputSummary string, opts ...StartOption) string {
	options := startOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parentID := options.parentID
	if parentID == "" {
		parentID = t.parentStack[len(t.parentStack)-1]
	}

	node := &Node{
		ID:           newNodeID(),
		ParentID:     parentID,
		Kind:         kind,
		Name:         name,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		InputSummary: truncate(inputSummary, 200),
		InputData:    options.inputData,
		Metadata:     options.metadata,
	}
	t.nodes[node.ID] = node
	t.order = append(t.order, node.ID)

	// Explicit-parent nodes do not move the cursor; they belong to a
	// parallel branch.
	if options.parentID == "" {
		t.parentStack = append(t.parentStack, node.ID)
	}

	return node.ID
}

// CompleteNode finalizes the node as completed, stamps timing, and pops the
// current parent back to the node's parent.
func (t *Tree) CompleteNode(nodeID, outputSummary string, outputData environment.Value, metadata map[string]any) error {
	return t.finalize(nodeID, StatusCompleted, outputSummary, outputData, "", metadata)
}

// FailNode finalizes the node as failed.
func (t *Tree) FailNode(nodeID, errMsg string, metadata map[string]any) error {
	return t.finalize(nodeID, StatusFailed, "", nil, errMsg, metadata)
}

// SkipNode marks the node skipped without timing.
func (t *Tree) SkipNode(nodeID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if node.Status != StatusRunning && node.Status != StatusPending {
		return fmt.Errorf("node %q already finalized with status %s", nodeID, node.Status)
	}
	node.Status = StatusSkipped
	node.OutputSummary = reason
	t.popParentLocked(nodeID)
	return nil
}

func (t *Tree) finalize(nodeID string, status Status, outputSummary string, outputData environment.Value, errMsg string, metadata map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if node.Status != StatusRunning && node.Status != StatusPending {
		return fmt.Errorf("node %q already finalized with status %s", nodeID, node.Status)
	}

	now := time.Now()
	node.Status = status
	node.EndedAt = now
	node.DurationMs = now.Sub(node.StartedAt).Milliseconds()
	node.OutputSummary = truncate(outputSummary, 500)
	node.OutputData = outputData
	node.Error = errMsg
	if metadata != nil {
		if node.Metadata == nil {
			node.Metadata = metadata
		} else {
			for k, v := range metadata {
				node.Metadata[k] = v
			}
		}
	}

	t.popParentLocked(nodeID)
	return nil
}

func (t *Tree) popParentLocked(nodeID string) {
	for i := len(t.parentStack) - 1; i > 0; i-- {
		if t.parentStack[i] == nodeID {
			t.parentStack = append(t.parentStack[:i], t.parentStack[i+1:]...)
			return
		}
	}
}

// Annotate attaches a synthesis annotation to a finalized node. This is the
// only permitted mutation after finalization.
func (t *Tree) Annotate(nodeID, annotation string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	node.SummaryAnnotation = annotation
	return nil
}

// Node returns a copy of the node.
func (t *Tree) Node(nodeID string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Nodes returns copies of all nodes in insertion order.
func (t *Tree) Nodes() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Stats aggregates node counts and total root duration.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		TotalNodes:     len(t.order),
		CountsByStatus: make(map[Status]int),
	}
	for _, id := range t.order {
		stats.CountsByStatus[t.nodes[id].Status]++
	}

	root := t.nodes[t.rootID]
	end := root.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	stats.TotalDuration = end.Sub(root.StartedAt)
	stats.TotalDurationMs = stats.TotalDuration.Milliseconds()
	return stats
}

// Depth returns the longest root-to-leaf path length, counting edges.
func (t *Tree) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	depths := map[string]int{t.rootID: 0}
	max := 0
	// order is topological: parents precede children.
	for _, id := range t.order {
		node := t.nodes[id]
		if node.ParentID == "" {
			continue
		}
		d := depths[node.ParentID] + 1
		depths[id] = d
		if d > max {
			max = d
		}
	}
	return max
}

// treeDict is the nested JSON form of the tree.
type treeDict struct {
	Node
	Children []*treeDict `json:"children,omitempty"`
}

// ToDict produces a JSON-serializable nested representation for persistence
// and UI rendering.
func (t *Tree) ToDict() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	byID := make(map[string]*treeDict, len(t.order))
	var root *treeDict
	for _, id := range t.order {
		entry := &treeDict{Node: *t.nodes[id]}
		byID[id] = entry
		if id == t.rootID {
			root = entry
		} else if parent, ok := byID[entry.ParentID]; ok {
			parent.Children = append(parent.Children, entry)
		}
	}

	return map[string]any{
		"root":       root,
		"node_count": len(t.order),
	}
}

// StepRecords flattens every finalized non-root node into persistence form.
// Step order follows insertion order.
func (t *Tree) StepRecords(messageID string) []StepRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]StepRecord, 0, len(t.order))
	order := 0
	for _, id := range t.order {
		node := t.nodes[id]
		if id == t.rootID {
			continue
		}
		switch node.Status {
		case StatusCompleted, StatusFailed, StatusSkipped:
		default:
			continue
		}

		record := StepRecord{
			MessageID: messageID,
			AgentName: agentNameFor(node, t.nodes),
			StepOrder: order,
			RawOutput: node.OutputSummary,
			Status:    node.Status,
			CreatedAt: node.StartedAt,
		}
		if node.Kind == KindTool {
			record.ToolCall = node.Name
		}
		if node.Metadata != nil {
			if structured, ok := node.Metadata["structured_output"].(map[string]any); ok {
				record.StructuredOutput = structured
			}
		}
		if node.Status == StatusFailed && node.Error != "" {
			record.RawOutput = node.Error
		}
		records = append(records, record)
		order++
	}
	return records
}

// agentNameFor resolves the owning agent of a node: the node itself when it
// is an agent node, otherwise the nearest agent ancestor.
func agentNameFor(node *Node, nodes map[string]*Node) string {
	for current := node; current != nil; {
		if current.Kind == KindAgent {
			return current.Name
		}
		parent, ok := nodes[current.ParentID]
		if !ok {
			break
		}
		current = parent
	}
	return node.Name
}

func newNodeID() string {
	return uuid.New().String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
