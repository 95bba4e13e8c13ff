package dialect

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/codec"
)

// Aggregator consumes a full set of codec events for a non-streaming request
// and produces the outbound dialect's response body (spec §4.E "Canonical →
// outbound dialect", response-shaping side).
//
// Grounded on other_examples 39a5ae97_xilu0-AIClient-2-API's
// claude.NewAggregatorWithEstimate / aggregator.Add / aggregator.Build shape.
type Aggregator struct {
	state *StreamState
}

func NewAggregator(model string) *Aggregator {
	return &Aggregator{state: NewStreamState(model, nil)}
}

// Add folds one codec event into the aggregator's state.
func (a *Aggregator) Add(ev codec.Event) {
	a.state.Ingest(ev)
}

// SetUsage records the upstream's final token accounting.
func (a *Aggregator) SetUsage(u Usage) {
	a.state.SetUsage(u)
}

// Text returns the accumulated assistant text.
func (a *Aggregator) Text() string {
	return a.state.accumulatedText
}

// BuildOpenAI produces a chat.completion object (spec §8 scenario 1).
func (a *Aggregator) BuildOpenAI(model string, now time.Time) map[string]any {
	usage := a.state.GetFinalUsage()
	finish := "stop"
	if a.state.GetStopReason() == "error" {
		finish = "error"
	}
	return map[string]any{
		"id":      "chatcmpl-" + uuid.NewString()[:24],
		"object":  "chat.completion",
		"created": now.Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": a.state.accumulatedText,
				},
				"finish_reason": finish,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		},
	}
}

// BuildAnthropic produces a messages object with text and tool_use content
// blocks (spec §8 end-to-end scenarios, §9 tool-call merge).
func (a *Aggregator) BuildAnthropic(model string) map[string]any {
	usage := a.state.GetFinalUsage()

	var content []any
	if a.state.accumulatedText != "" {
		content = append(content, map[string]any{"type": "text", "text": a.state.accumulatedText})
	}
	for _, tc := range a.state.FinalToolCalls() {
		input := any(map[string]any{})
		if len(tc.Input) > 0 {
			var v any
			if err := json.Unmarshal(tc.Input, &v); err == nil {
				input = v
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    NormalizeToolUseID(tc.ID),
			"name":  tc.Name,
			"input": input,
		})
	}
	if content == nil {
		content = []any{}
	}

	return map[string]any{
		"id":            "msg_" + uuid.NewString()[:24],
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   a.state.GetStopReason(),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":                usage.InputTokens,
			"output_tokens":               usage.OutputTokens,
			"cache_creation_input_tokens": usage.CacheCreationInputTokens,
			"cache_read_input_tokens":     usage.CacheReadInputTokens,
		},
	}
}
