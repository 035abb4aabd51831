package utils

import (
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError bool
	}{
		{name: "GPT-4o model", model: "gpt-4o"},
		{name: "GPT-4 model", model: "gpt-4"},
		{name: "Claude model (uses fallback)", model: "claude-3-5-sonnet"},
		{name: "Unknown model (uses fallback)", model: "unknown-model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("NewTokenCounter() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if counter != nil && counter.GetModel() != tt.model {
				t.Errorf("NewTokenCounter() model = %v, want %v", counter.GetModel(), tt.model)
			}
		})
	}
}

func TestTokenCounter_Count(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{name: "Empty string", text: "", minTokens: 0, maxTokens: 0},
		{name: "Simple sentence", text: "Hello, world!", minTokens: 3, maxTokens: 5},
		{
			name:      "Longer text",
			text:      "Summarize sentiment across the most recent product reviews in the corpus.",
			minTokens: 10,
			maxTokens: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count() = %v, want between %v and %v for text: %q",
					count, tt.minTokens, tt.maxTokens, tt.text)
			}
		})
	}
}

func TestTokenCounter_CountMessages(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	empty := counter.CountMessages(nil)
	if empty != 3 {
		t.Errorf("CountMessages(nil) = %d, want 3 (reply priming)", empty)
	}

	conversation := []Message{
		{Role: "user", Content: "What is the top customer complaint?"},
		{Role: "assistant", Content: "The top complaint is pricing."},
		{Role: "user", Content: "Give me examples of that."},
	}
	count := counter.CountMessages(conversation)
	if count < 15 || count > 40 {
		t.Errorf("CountMessages() = %d, want between 15 and 40", count)
	}
}

func TestTokenCounter_FitWithinLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	messages := []Message{
		{Role: "user", Content: "Message 1"},
		{Role: "assistant", Content: "Response 1"},
		{Role: "user", Content: "Message 2"},
		{Role: "assistant", Content: "Response 2"},
		{Role: "user", Content: "Message 3"},
	}

	tests := []struct {
		name         string
		maxTokens    int
		expectEmpty  bool
		expectAllFit bool
	}{
		{name: "Very low limit", maxTokens: 5, expectEmpty: true},
		{name: "Moderate limit", maxTokens: 50},
		{name: "High limit", maxTokens: 1000, expectAllFit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fitted := counter.FitWithinLimit(messages, tt.maxTokens)

			if tt.expectEmpty && len(fitted) > 0 {
				t.Errorf("FitWithinLimit() expected empty result, got %d messages", len(fitted))
			}
			if tt.expectAllFit && len(fitted) != len(messages) {
				t.Errorf("FitWithinLimit() expected all messages to fit, got %d/%d",
					len(fitted), len(messages))
			}

			if len(fitted) > 0 {
				if tokenCount := counter.CountMessages(fitted); tokenCount > tt.maxTokens {
					t.Errorf("FitWithinLimit() result has %d tokens, exceeds limit of %d",
						tokenCount, tt.maxTokens)
				}
				// Most recent messages must be preserved.
				if fitted[len(fitted)-1].Content != messages[len(messages)-1].Content {
					t.Error("FitWithinLimit() should preserve most recent messages")
				}
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "Empty string", text: "", want: 0},
		{name: "4 characters", text: "test", want: 1},
		{name: "10 characters", text: "hellohello", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}
