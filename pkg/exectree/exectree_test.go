package exectree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_StartCompleteNesting(t *testing.T) {
	tree := New("summarize sentiment for my_reviews")

	agentID := tree.StartNode("sentiment_analysis", KindAgent, "summarize sentiment")
	toolID := tree.StartNode("analyze_sentiment", KindTool, `{"dataset":"my_reviews"}`)

	tool, ok := tree.Node(toolID)
	require.True(t, ok)
	assert.Equal(t, agentID, tool.ParentID)
	assert.Equal(t, StatusRunning, tool.Status)

	require.NoError(t, tree.CompleteNode(toolID, "72% positive", nil, nil))
	require.NoError(t, tree.CompleteNode(agentID, "sentiment summarized", nil, nil))

	tool, _ = tree.Node(toolID)
	agent, _ := tree.Node(agentID)
	assert.Equal(t, StatusCompleted, tool.Status)
	assert.False(t, tool.EndedAt.IsZero())
	assert.GreaterOrEqual(t, tool.DurationMs, int64(0))

	// Timing invariant: a child never starts before its parent.
	assert.False(t, tool.StartedAt.Before(agent.StartedAt))
}

func TestTree_CursorPopsToParent(t *testing.T) {
	tree := New("query")

	first := tree.StartNode("coordinator", KindAgent, "")
	require.NoError(t, tree.CompleteNode(first, "done", nil, nil))

	// After completing the first agent the cursor is back at the root, so
	// the next node is a sibling, not a child.
	second := tree.StartNode("report_writer", KindAgent, "")
	node, _ := tree.Node(second)
	assert.Equal(t, tree.RootID(), node.ParentID)
}

func TestTree_ExplicitParentDoesNotMoveCursor(t *testing.T) {
	tree := New("query")
	agentID := tree.StartNode("research", KindAgent, "")

	// Fan-out: two tool nodes under the same agent from parallel sub-tasks.
	tool1 := tree.StartNode("web_search", KindTool, "", WithParent(agentID))
	tool2 := tree.StartNode("semantic_search", KindTool, "", WithParent(agentID))

	n1, _ := tree.Node(tool1)
	n2, _ := tree.Node(tool2)
	assert.Equal(t, agentID, n1.ParentID)
	assert.Equal(t, agentID, n2.ParentID)

	require.NoError(t, tree.CompleteNode(tool1, "", nil, nil))
	require.NoError(t, tree.FailNode(tool2, "connection refused", nil))

	// The cursor stayed on the agent node throughout.
	next := tree.StartNode("synthesize", KindSynthesis, "")
	n3, _ := tree.Node(next)
	assert.Equal(t, agentID, n3.ParentID)
}

func TestTree_FinalizedNodesAreImmutable(t *testing.T) {
	tree := New("query")
	id := tree.StartNode("coordinator", KindAgent, "")
	require.NoError(t, tree.CompleteNode(id, "done", nil, nil))

	assert.Error(t, tree.CompleteNode(id, "again", nil, nil))
	assert.Error(t, tree.FailNode(id, "late failure", nil))

	// Synthesis annotation is the one permitted post-finalization mutation.
	require.NoError(t, tree.Annotate(id, "used in final report"))
	node, _ := tree.Node(id)
	assert.Equal(t, "used in final report", node.SummaryAnnotation)
	assert.Equal(t, StatusCompleted, node.Status)
}

func TestTree_FailedNodeDoesNotFailAncestors(t *testing.T) {
	tree := New("query")
	agentID := tree.StartNode("research", KindAgent, "")
	toolID := tree.StartNode("web_search", KindTool, "")

	require.NoError(t, tree.FailNode(toolID, "timeout", nil))

	agent, _ := tree.Node(agentID)
	assert.Equal(t, StatusRunning, agent.Status)
}

func TestTree_Stats(t *testing.T) {
	tree := New("query")
	a := tree.StartNode("coordinator", KindAgent, "")
	b := tree.StartNode("get_dataset_data_from_sql", KindTool, "")
	require.NoError(t, tree.CompleteNode(b, "", nil, nil))
	c := tree.StartNode("analyze_sentiment", KindTool, "")
	require.NoError(t, tree.FailNode(c, "bad input", nil))
	d := tree.StartNode("generate_chart", KindTool, "")
	require.NoError(t, tree.SkipNode(d, "no chart requested"))
	require.NoError(t, tree.CompleteNode(a, "", nil, nil))

	stats := tree.Stats()
	assert.Equal(t, 5, stats.TotalNodes)
	assert.Equal(t, 1, stats.CountsByStatus[StatusFailed])
	assert.Equal(t, 1, stats.CountsByStatus[StatusSkipped])
	assert.Equal(t, 2, stats.CountsByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.CountsByStatus[StatusRunning]) // root
	assert.GreaterOrEqual(t, stats.TotalDurationMs, int64(0))
}

func TestTree_Depth(t *testing.T) {
	tree := New("query")
	assert.Equal(t, 0, tree.Depth())

	tree.StartNode("coordinator", KindAgent, "")
	assert.Equal(t, 1, tree.Depth())

	tree.StartNode("sentiment_analysis", KindAgent, "")
	tree.StartNode("analyze_sentiment", KindTool, "")
	assert.Equal(t, 3, tree.Depth())
}

func TestTree_StepRecords(t *testing.T) {
	tree := New("query")
	agentID := tree.StartNode("sentiment_analysis", KindAgent, "")
	toolID := tree.StartNode("analyze_sentiment", KindTool, "")
	require.NoError(t, tree.CompleteNode(toolID, "72% positive", nil, nil))
	require.NoError(t, tree.CompleteNode(agentID, "summary text", nil,
		map[string]any{"structured_output": map[string]any{"positive": 72.0}}))

	// Still-running nodes are excluded.
	tree.StartNode("report_writer", KindAgent, "")

	records := tree.StepRecords("msg-123")
	require.Len(t, records, 2)

	assert.Equal(t, "msg-123", records[0].MessageID)
	assert.Equal(t, "analyze_sentiment", records[0].ToolCall)
	assert.Equal(t, "sentiment_analysis", records[0].AgentName)
	assert.Equal(t, 0, records[0].StepOrder)

	assert.Equal(t, "sentiment_analysis", records[1].AgentName)
	assert.Empty(t, records[1].ToolCall)
	assert.Equal(t, map[string]any{"positive": 72.0}, records[1].StructuredOutput)
	assert.Equal(t, 1, records[1].StepOrder)
}

func TestTree_ToDict(t *testing.T) {
	tree := New("query")
	agentID := tree.StartNode("coordinator", KindAgent, "")
	require.NoError(t, tree.CompleteNode(agentID, "done", nil, nil))

	dict := tree.ToDict()
	assert.Equal(t, 2, dict["node_count"])

	root, ok := dict["root"].(*treeDict)
	require.True(t, ok)
	assert.Equal(t, KindQuery, root.Kind)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "coordinator", root.Children[0].Name)
}

func TestTree_ConcurrentFanOut(t *testing.T) {
	tree := New("query")
	agentID := tree.StartNode("research", KindAgent, "")

	done := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			id := tree.StartNode("web_search", KindTool, "", WithParent(agentID))
			_ = tree.CompleteNode(id, "", nil, nil)
			done <- id
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	stats := tree.Stats()
	assert.Equal(t, 10, stats.TotalNodes)
	assert.Equal(t, 8, stats.CountsByStatus[StatusCompleted])
}
