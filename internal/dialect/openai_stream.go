package dialect

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/codec"
)

// OpenAIEncoder drives the canonical stream → OpenAI SSE encoding (spec
// §4.E "Canonical stream → OpenAI SSE").
type OpenAIEncoder struct {
	w         io.Writer
	state     *StreamState
	completionID string
	created   int64
	started   bool
}

func NewOpenAIEncoder(w io.Writer, state *StreamState, now time.Time) *OpenAIEncoder {
	return &OpenAIEncoder{w: w, state: state, completionID: "chatcmpl-" + uuid.NewString()[:24], created: now.Unix()}
}

func (e *OpenAIEncoder) flush() {
	if f, ok := e.w.(flusher); ok {
		f.Flush()
	}
}

func (e *OpenAIEncoder) writeChunk(model string, delta map[string]any, finishReason *string, usage *Usage) error {
	choice := map[string]any{"index": 0, "delta": delta, "finish_reason": finishReason}
	chunk := map[string]any{
		"id": e.completionID, "object": "chat.completion.chunk",
		"created": e.created, "model": model,
		"choices": []any{choice},
	}
	if usage != nil {
		chunk["usage"] = map[string]any{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.InputTokens + usage.OutputTokens,
		}
	}
	body, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", body); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *OpenAIEncoder) ensureStarted(model string) error {
	if e.started {
		return nil
	}
	e.started = true
	return e.writeChunk(model, map[string]any{"role": "assistant"}, nil, nil)
}

// HandleEvent feeds one codec event in; only text deltas produce chunks.
func (e *OpenAIEncoder) HandleEvent(model string, ev codec.Event) error {
	if err := e.ensureStarted(model); err != nil {
		return err
	}
	text, isText := e.state.Ingest(ev)
	if !isText || text == "" {
		return nil
	}
	return e.writeChunk(model, map[string]any{"content": text}, nil, nil)
}

// Close emits the terminal chunk with finish_reason and usage, then the
// literal `data: [DONE]` line (spec §4.E).
func (e *OpenAIEncoder) Close(model string) error {
	if err := e.ensureStarted(model); err != nil {
		return err
	}
	finish := "stop"
	if e.state.GetStopReason() == "error" {
		finish = "error"
	}
	usage := e.state.GetFinalUsage()
	if err := e.writeChunk(model, map[string]any{}, &finish, &usage); err != nil {
		return err
	}
	_, err := fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flush()
	return err
}

// WriteError emits a dialect-appropriate in-band error event (spec §7
// StreamMidFailure).
func (e *OpenAIEncoder) WriteError(message string) error {
	e.state.MarkStreamError()
	body, err := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": "api_error"},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", body); err != nil {
		return err
	}
	e.flush()
	return nil
}
