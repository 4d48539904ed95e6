package util

import "testing"

func TestSplitReasoning(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		reasoning string
		answer    string
	}{
		{
			name:   "no blocks",
			input:  "  The answer is 42 ",
			answer: "The answer is 42",
		},
		{
			name:      "think block",
			input:     "<think>add 40 and 2</think>\n42",
			reasoning: "add 40 and 2",
			answer:    "42",
		},
		{
			name:      "thinking block spanning lines",
			input:     "<THINKING>\nstep one\nstep two\n</THINKING>B",
			reasoning: "step one\nstep two",
			answer:    "B",
		},
		{
			name:      "several blocks",
			input:     "<think>first</think>Paris<think>second</think>",
			reasoning: "first\n\nsecond",
			answer:    "Paris",
		},
		{
			name:      "cjk block",
			input:     "<思考>想一想</思考>答案是42",
			reasoning: "想一想",
			answer:    "答案是42",
		},
		{
			name:   "unclosed block is kept",
			input:  "<think>never closed",
			answer: "<think>never closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasoning, answer := SplitReasoning(tt.input)
			if reasoning != tt.reasoning {
				t.Errorf("reasoning = %q, want %q", reasoning, tt.reasoning)
			}
			if answer != tt.answer {
				t.Errorf("answer = %q, want %q", answer, tt.answer)
			}
		})
	}
}

func TestCombineReasoningAndContent(t *testing.T) {
	if got := CombineReasoningAndContent("", "42"); got != "42" {
		t.Errorf("Expected content unchanged without reasoning, got %q", got)
	}

	combined := CombineReasoningAndContent("add the numbers", "42")
	if combined != "<think>\nadd the numbers\n</think>\n\n42" {
		t.Errorf("Unexpected combined output: %q", combined)
	}

	// Stripping the tags again recovers the answer
	if got := StripThinkTags(combined); got != "42" {
		t.Errorf("Expected StripThinkTags to recover the answer, got %q", got)
	}
}
