package dialect

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/codec"
)

// flusher is satisfied by http.ResponseWriter; kept local so this package
// doesn't import net/http.
type flusher interface {
	Flush()
}

// AnthropicEncoder drives the canonical stream → Anthropic SSE encoding
// (spec §4.E "Canonical stream → Anthropic SSE").
type AnthropicEncoder struct {
	w         io.Writer
	state     *StreamState
	messageID string
	started   bool
}

func NewAnthropicEncoder(w io.Writer, model string, state *StreamState) *AnthropicEncoder {
	return &AnthropicEncoder{w: w, state: state, messageID: "msg_" + uuid.NewString()[:24]}
}

func (e *AnthropicEncoder) flush() {
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
}

func (e *AnthropicEncoder) writeEvent(eventType string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", eventType, body); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *AnthropicEncoder) ensureStarted(model string) error {
	if e.started {
		return nil
	}
	e.started = true
	return e.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

// HandleEvent feeds one codec event in and writes whatever SSE events it
// produces immediately (only text deltas stream live; tool calls are
// buffered until Close per spec §5 ordering guarantees).
func (e *AnthropicEncoder) HandleEvent(model string, ev codec.Event) error {
	if err := e.ensureStarted(model); err != nil {
		return err
	}
	text, isText := e.state.Ingest(ev)
	if !isText || text == "" {
		return nil
	}
	if !e.state.HasOpenContentBlock() {
		e.state.MarkContentBlockOpen()
		if err := e.writeEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
	}
	return e.writeEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

// Close finalizes the stream: closes any open text block, emits buffered
// tool-use blocks, message_delta, and message_stop (spec §4.E).
func (e *AnthropicEncoder) Close(model string) error {
	if err := e.ensureStarted(model); err != nil {
		return err
	}
	if e.state.HasOpenContentBlock() {
		if err := e.writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}); err != nil {
			return err
		}
		e.state.MarkContentBlockClosed()
	}

	toolCalls := e.state.FinalToolCalls()
	for i, tc := range toolCalls {
		index := i + 1
		if err := e.writeEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": index,
			"content_block": map[string]any{
				"type": "tool_use", "id": NormalizeToolUseID(tc.ID), "name": tc.Name, "input": map[string]any{},
			},
		}); err != nil {
			return err
		}
		partial := string(tc.Input)
		if partial == "" {
			partial = tc.RawInput
		}
		if err := e.writeEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
		}); err != nil {
			return err
		}
		if err := e.writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": index}); err != nil {
			return err
		}
	}

	if !e.state.WasMessageDeltaEmitted() {
		e.state.MarkMessageDeltaEmitted()
		usage := e.state.GetFinalUsage()
		if err := e.writeEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": e.state.GetStopReason()},
			"usage": map[string]any{
				"input_tokens":                usage.InputTokens,
				"output_tokens":               usage.OutputTokens,
				"cache_creation_input_tokens": usage.CacheCreationInputTokens,
				"cache_read_input_tokens":     usage.CacheReadInputTokens,
			},
		}); err != nil {
			return err
		}
	}

	return e.writeEvent("message_stop", map[string]any{"type": "message_stop"})
}

// WriteError emits a dialect-appropriate in-band error event and should be
// followed by closing the connection (spec §7 StreamMidFailure).
func (e *AnthropicEncoder) WriteError(message string) error {
	e.state.MarkStreamError()
	return e.writeEvent("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "api_error", "message": message},
	})
}
