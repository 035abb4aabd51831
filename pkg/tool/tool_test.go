package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalens-ai/datalens/pkg/environment"
)

func echoTool(name string, capabilities ...string) *Func {
	return &Func{
		Def: Definition{
			Name:        name,
			Description: "echoes its input",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
					"count":   map[string]any{"type": "integer"},
				},
				"required": []any{"message"},
			},
			Capabilities: capabilities,
		},
		Fn: func(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
			return &Result{
				Success: true,
				Summary: fmt.Sprintf("echoed %v", args["message"]),
				Data:    &environment.Text{Value: args["message"].(string)},
			}, nil
		},
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))

	err := reg.Register(echoTool("echo"))
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_ListFor(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("get_dataset_data_from_sql", "sql")))
	require.NoError(t, reg.Register(echoTool("semantic_search", "search")))
	require.NoError(t, reg.Register(echoTool("analyze_sentiment", "analysis")))
	require.NoError(t, reg.Register(echoTool("shared"))) // no capabilities: visible to all

	names := func(tools []Tool) []string {
		var out []string
		for _, tl := range tools {
			out = append(out, tl.Definition().Name)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"get_dataset_data_from_sql", "shared"},
		names(reg.ListFor([]string{"sql"})))
	assert.ElementsMatch(t, []string{"semantic_search", "analyze_sentiment", "shared"},
		names(reg.ListFor([]string{"search", "analysis"})))
	assert.ElementsMatch(t, []string{"shared"}, names(reg.ListFor(nil)))
}

func TestInvoker_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))
	inv := NewInvoker(reg)

	result := inv.Invoke(context.Background(), "echo",
		map[string]any{"message": "hi"}, &Context{Env: environment.New()})

	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "echoed hi", result.Summary)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))
}

func TestInvoker_UnknownTool(t *testing.T) {
	inv := NewInvoker(NewRegistry())

	result := inv.Invoke(context.Background(), "nope", nil, &Context{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestInvoker_ValidationFailsBeforeHandler(t *testing.T) {
	called := false
	reg := NewRegistry()
	tool := echoTool("echo")
	inner := tool.Fn
	tool.Fn = func(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
		called = true
		return inner(ctx, args, tc)
	}
	require.NoError(t, reg.Register(tool))
	inv := NewInvoker(reg)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{name: "missing required", args: map[string]any{}, want: "missing required parameter"},
		{name: "wrong type", args: map[string]any{"message": 42}, want: "must be string"},
		{name: "non-integer count", args: map[string]any{"message": "hi", "count": 1.5}, want: "must be integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			result := inv.Invoke(context.Background(), "echo", tt.args, &Context{})
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tt.want)
			assert.False(t, called, "handler must not run on validation failure")
		})
	}

	// JSON numbers arrive as float64; integral values pass integer checks.
	result := inv.Invoke(context.Background(), "echo",
		map[string]any{"message": "hi", "count": float64(3)}, &Context{})
	assert.True(t, result.Success)
}

func TestInvoker_ErrorBoundary(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Func{
		Def: Definition{Name: "failing"},
		Fn: func(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
			return nil, errors.New("connection refused")
		},
	}))
	require.NoError(t, reg.Register(&Func{
		Def: Definition{Name: "panicking"},
		Fn: func(ctx context.Context, args map[string]any, tc *Context) (*Result, error) {
			panic("boom")
		},
	}))
	inv := NewInvoker(reg)

	result := inv.Invoke(context.Background(), "failing", nil, &Context{})
	assert.False(t, result.Success)
	assert.Equal(t, "connection refused", result.Error)
	assert.Equal(t, "Tool execution failed: connection refused", result.Summary)

	result = inv.Invoke(context.Background(), "panicking", nil, &Context{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panic: boom")
}

func TestValidateArgs_NoSchema(t *testing.T) {
	assert.NoError(t, ValidateArgs(Definition{Name: "free"}, map[string]any{"anything": 1}))
}
