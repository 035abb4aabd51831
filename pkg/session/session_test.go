package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/model"
)

// The memory and sqlite services must satisfy the same contract.
func services(t *testing.T) map[string]Service {
	t.Helper()

	sqlSvc, err := OpenSQLService("sqlite", ":memory:", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlSvc.Close() })

	return map[string]Service{
		"memory": NewMemoryService(),
		"sqlite": sqlSvc,
	}
}

func TestService_GetOrCreate(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := svc.GetSession(ctx, "sess-1")
			assert.ErrorIs(t, err, ErrNotFound)

			created, err := svc.GetOrCreate(ctx, "sess-1", "user-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", created.ID)
			assert.Equal(t, "user-1", created.UserID)

			again, err := svc.GetOrCreate(ctx, "sess-1", "user-1")
			require.NoError(t, err)
			assert.Equal(t, created.ID, again.ID)

			got, err := svc.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-1", got.ID)
		})
	}
}

func TestService_MessageHistory(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				role := model.RoleUser
				if i%2 == 1 {
					role = model.RoleAssistant
				}
				require.NoError(t, svc.AppendMessage(ctx, &Message{
					ID:        fmt.Sprintf("msg-%d", i),
					SessionID: "sess-1",
					Role:      role,
					Content:   fmt.Sprintf("turn %d", i),
				}))
			}

			all, err := svc.Messages(ctx, "sess-1", 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "turn 0", all[0].Content)
			assert.Equal(t, "turn 4", all[4].Content)

			// Windowed: most recent 2, still chronological.
			window, err := svc.Messages(ctx, "sess-1", 2)
			require.NoError(t, err)
			require.Len(t, window, 2)
			assert.Equal(t, "turn 3", window[0].Content)
			assert.Equal(t, "turn 4", window[1].Content)
		})
	}
}

func TestService_UpdateMessage(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, svc.AppendMessage(ctx, &Message{
				ID:        "msg-1",
				SessionID: "sess-1",
				Role:      model.RoleAssistant,
				Content:   "",
			}))

			meta := map[string]any{"specialist": "sentiment"}
			require.NoError(t, svc.UpdateMessage(ctx, "msg-1", "final answer", meta))

			msgs, err := svc.Messages(ctx, "sess-1", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "final answer", msgs[0].Content)
			assert.Equal(t, "sentiment", msgs[0].Metadata["specialist"])

			err = svc.UpdateMessage(ctx, "no-such-message", "x", nil)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestService_Steps(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := svc.GetOrCreate(ctx, "sess-1", "user-1")
			require.NoError(t, err)

			steps := []exectree.StepRecord{
				{
					MessageID: "msg-1",
					AgentName: "data_discovery",
					StepOrder: 0,
					ToolCall:  "list_datasets",
					Status:    exectree.StatusCompleted,
					CreatedAt: time.Now(),
				},
				{
					MessageID:        "msg-1",
					AgentName:        "sentiment",
					StepOrder:        1,
					Status:           exectree.StatusFailed,
					RawOutput:        "tool execution failed",
					StructuredOutput: map[string]any{"score": 0.2},
					CreatedAt:        time.Now(),
				},
			}
			require.NoError(t, svc.SaveSteps(ctx, "sess-1", steps))

			got, err := svc.Steps(ctx, "msg-1")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "list_datasets", got[0].ToolCall)
			assert.Equal(t, exectree.StatusFailed, got[1].Status)
			assert.Equal(t, 0.2, got[1].StructuredOutput["score"])
		})
	}
}

func TestService_EnvironmentSnapshot(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// No snapshot yet.
			snapshot, err := svc.LoadEnvironment(ctx, "sess-1")
			require.NoError(t, err)
			assert.Nil(t, snapshot)

			require.NoError(t, svc.SaveEnvironment(ctx, "sess-1", []byte(`{"k":"v"}`)))
			snapshot, err = svc.LoadEnvironment(ctx, "sess-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"k":"v"}`, string(snapshot))

			// Replaced, not appended.
			require.NoError(t, svc.SaveEnvironment(ctx, "sess-1", []byte(`{"k":"v2"}`)))
			snapshot, err = svc.LoadEnvironment(ctx, "sess-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"k":"v2"}`, string(snapshot))
		})
	}
}

func TestService_SaveExtraMetadata(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := svc.GetOrCreate(ctx, "sess-1", "user-1")
			require.NoError(t, err)

			require.NoError(t, svc.SaveExtraMetadata(ctx, "sess-1", map[string]any{"tier": "complex"}))
			require.NoError(t, svc.SaveExtraMetadata(ctx, "sess-1", map[string]any{"turns": float64(3)}))

			sess, err := svc.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, "complex", sess.Metadata["tier"])
			assert.Equal(t, float64(3), sess.Metadata["turns"])
		})
	}
}
