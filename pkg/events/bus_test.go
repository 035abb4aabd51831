package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, bus *Bus) []*Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []*Event
	for event := range bus.Events(ctx) {
		out = append(out, event)
	}
	return out
}

func TestBus_OrderingAndTerminal(t *testing.T) {
	bus := NewBus(8)

	require.NoError(t, bus.Publish(NewConnected()))
	require.NoError(t, bus.Publish(NewStatus(StatusInitializing, "starting")))
	require.NoError(t, bus.Publish(NewContent("Hello")))
	require.NoError(t, bus.Publish(NewContent(" world")))
	require.NoError(t, bus.Publish(NewComplete("msg-1", "Hello world", nil)))

	got := drain(t, bus)
	require.Len(t, got, 5)

	kinds := make([]Kind, len(got))
	for i, e := range got {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []Kind{KindConnected, KindStatus, KindContent, KindContent, KindComplete}, kinds)
}

func TestBus_RejectsAfterTerminal(t *testing.T) {
	bus := NewBus(8)
	require.NoError(t, bus.Publish(NewError(ReasonInternal)))

	err := bus.Publish(NewContent("late"))
	assert.ErrorIs(t, err, ErrTerminated)

	got := drain(t, bus)
	require.Len(t, got, 1)
	assert.Equal(t, KindError, got[0].Kind)
}

func TestBus_ContentConsistencyUnderBackpressure(t *testing.T) {
	bus := NewBus(4)

	// Flood the bus with deltas without a consumer; deltas beyond capacity
	// must coalesce rather than drop.
	var want strings.Builder
	for i := 0; i < 100; i++ {
		chunk := "token "
		want.WriteString(chunk)
		require.NoError(t, bus.Publish(NewContent(chunk)))
	}
	require.NoError(t, bus.Publish(NewComplete("msg-1", want.String(), nil)))

	var got strings.Builder
	events := drain(t, bus)
	for _, event := range events {
		if event.Kind == KindContent {
			got.WriteString(event.ContentChunk())
		}
	}

	assert.Equal(t, want.String(), got.String())
	// Fewer delta events than published, but every byte preserved.
	assert.Less(t, len(events), 101)
}

func TestBus_CoalescingRespectsStepBoundaries(t *testing.T) {
	bus := NewBus(2)

	require.NoError(t, bus.Publish(NewAgentStepContent("step-1", "aaa")))
	require.NoError(t, bus.Publish(NewAgentStepContent("step-1", "bbb")))
	// Different step: must not merge into step-1's delta.
	require.NoError(t, bus.Publish(NewAgentStepContent("step-2", "ccc")))
	require.NoError(t, bus.Publish(NewComplete("msg-1", "", nil)))

	byStep := map[string]string{}
	for _, event := range drain(t, bus) {
		if event.Kind == KindAgentStepContent {
			byStep[event.StepID()] += event.ContentChunk()
		}
	}
	assert.Equal(t, "aaabbb", byStep["step-1"])
	assert.Equal(t, "ccc", byStep["step-2"])
}

func TestBus_NonDeltaEventsPreservedUnderBackpressure(t *testing.T) {
	bus := NewBus(2)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(NewContent("x")))
	}
	require.NoError(t, bus.Publish(NewToolCall("web_search", map[string]any{"q": "test"}, "research")))
	require.NoError(t, bus.Publish(NewToolResult("web_search", "3 results", "")))
	require.NoError(t, bus.Publish(NewComplete("msg-1", "", nil)))

	var sawToolCall, sawToolResult bool
	for _, event := range drain(t, bus) {
		switch event.Kind {
		case KindToolCall:
			sawToolCall = true
		case KindToolResult:
			sawToolResult = true
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
}

func TestBus_ConsumerCancellation(t *testing.T) {
	bus := NewBus(8)
	require.NoError(t, bus.Publish(NewConnected()))

	ctx := context.Background()
	for range bus.Events(ctx) {
		break // consumer disconnects after the first event
	}

	assert.True(t, bus.Cancelled())
	select {
	case <-bus.Done():
	default:
		t.Fatal("Done() should be closed after consumer cancellation")
	}

	err := bus.Publish(NewContent("after disconnect"))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestBus_NextUnblocksOnPublish(t *testing.T) {
	bus := NewBus(8)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = bus.Publish(NewStatus(StatusRouting, "classifying"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event, ok := bus.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, KindStatus, event.Kind)
}
