package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/model"
	"github.com/datalens-ai/datalens/pkg/model/mock"
)

func TestClassify_Heuristics(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		historyLen int
		wantTier   Tier
		wantSpec   string
	}{
		{
			name:     "greeting is simple",
			query:    "Hello, what time is it?",
			wantTier: TierSimple,
		},
		{
			name:     "capability question is simple",
			query:    "What can you do?",
			wantTier: TierSimple,
		},
		{
			name:       "follow-up with history is medium",
			query:      "Give me examples of that.",
			historyLen: 2,
			wantTier:   TierMedium,
		},
		{
			name:     "sentiment query is complex",
			query:    "Summarize sentiment for dataset my_reviews.",
			wantTier: TierComplex,
			wantSpec: "sentiment_analysis",
		},
		{
			name:     "trend query picks trend specialist",
			query:    "How did sales trend over time last quarter?",
			wantTier: TierComplex,
			wantSpec: "trend_analysis",
		},
		{
			name:     "chart query picks visualization",
			query:    "Plot revenue by region as a chart.",
			wantTier: TierComplex,
			wantSpec: "visualization",
		},
		{
			name:     "generic data query picks discovery",
			query:    "Show me the columns of the orders table.",
			wantTier: TierComplex,
			wantSpec: "data_discovery",
		},
	}

	classifier := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := classifier.Classify(context.Background(), tt.query, tt.historyLen)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTier, decision.Tier)
			if tt.wantSpec != "" {
				assert.Equal(t, tt.wantSpec, decision.Specialist)
			}
			assert.GreaterOrEqual(t, decision.Confidence, 0.7)
			assert.NotEmpty(t, decision.Reasoning)
		})
	}
}

func TestClassify_FollowUpWithoutHistoryIsNotMedium(t *testing.T) {
	classifier := New(nil)
	decision, err := classifier.Classify(context.Background(), "Tell me more about that.", 0)
	require.NoError(t, err)
	assert.NotEqual(t, TierMedium, decision.Tier)
}

func TestClassify_EntityExtraction(t *testing.T) {
	classifier := New(nil)
	decision, err := classifier.Classify(context.Background(),
		`Analyze sentiment in my_reviews and compare with "holiday sales"`, 0)
	require.NoError(t, err)
	assert.Contains(t, decision.Entities, "my_reviews")
	assert.Contains(t, decision.Entities, "holiday sales")
}

func TestClassify_AmbiguousGoesToLLM(t *testing.T) {
	llm := mock.New(mock.Turn{
		Text: `{"tier": "complex", "specialist": "research", "confidence": 0.85, "reasoning": "needs corpus lookup", "entities": ["pricing"]}`,
	})
	classifier := New(llm)

	decision, err := classifier.Classify(context.Background(),
		"Why do people keep mentioning pricing?", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, llm.Calls())
	assert.Equal(t, TierComplex, decision.Tier)
	assert.Equal(t, "research", decision.Specialist)
	assert.InDelta(t, 0.85, decision.Confidence, 0.001)
	assert.Contains(t, decision.Entities, "pricing")

	req := llm.LastRequest()
	require.NotNil(t, req.Config)
	assert.Equal(t, "application/json", req.Config.ResponseMIMEType)
}

func TestClassify_ConfidentHeuristicSkipsLLM(t *testing.T) {
	llm := mock.New()
	classifier := New(llm)

	decision, err := classifier.Classify(context.Background(), "Hello there!", 0)
	require.NoError(t, err)
	assert.Equal(t, TierSimple, decision.Tier)
	assert.Zero(t, llm.Calls())
}

func TestClassify_LLMFailureFallsBack(t *testing.T) {
	llm := mock.New(mock.Turn{Err: fmt.Errorf("%w: down", model.ErrUnavailable)})
	classifier := New(llm)

	decision, err := classifier.Classify(context.Background(),
		"Why do people keep mentioning pricing?", 0)
	require.NoError(t, err)
	assert.Equal(t, TierComplex, decision.Tier)
}

func TestClassify_LLMInvalidJSONFallsBack(t *testing.T) {
	llm := mock.New(mock.Turn{Text: "not a json verdict"})
	classifier := New(llm)

	decision, err := classifier.Classify(context.Background(),
		"Why do people keep mentioning pricing?", 0)
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, TierComplex, decision.Tier)
}

func TestClassify_Deterministic(t *testing.T) {
	classifier := New(nil)
	first, err := classifier.Classify(context.Background(), "Summarize sentiment for dataset my_reviews.", 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := classifier.Classify(context.Background(), "Summarize sentiment for dataset my_reviews.", 0)
		require.NoError(t, err)
		assert.Equal(t, first.Tier, next.Tier)
		assert.Equal(t, first.Specialist, next.Specialist)
	}
}
