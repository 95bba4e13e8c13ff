package dialect

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/codec"
)

// inflightToolCall accumulates a codec tool-call's start/delta/stop events
// until the call closes.
type inflightToolCall struct {
	id     string
	name   string
	input  string
	closed bool
}

// StreamState is shared conversion state both SSE encoders drive off of: it
// consumes codec events as they arrive, buffers text and tool calls, and
// produces the final merged+deduped tool-call set and usage at stream end
// (spec §4.E, §5 "buffering all tool-call events until end-of-stream").
//
// Grounded on other_examples 39a5ae97_xilu0-AIClient-2-API's claude.Converter
// stateful-flag shape.
type StreamState struct {
	model  string
	logger *slog.Logger

	accumulatedText string
	openToolCalls   map[string]*inflightToolCall
	toolOrder       []string
	closedToolCalls []ToolCall

	hasOpenContentBlock   bool
	contentBlockClosed    bool
	messageDeltaEmitted   bool
	streamErrored         bool
	usage                 Usage
}

func NewStreamState(model string, logger *slog.Logger) *StreamState {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamState{model: model, logger: logger, openToolCalls: make(map[string]*inflightToolCall)}
}

// Ingest folds one codec event into the accumulated state. It returns the
// text delta to emit immediately (Anthropic/OpenAI both stream text live);
// tool calls are never returned here, only accumulated.
func (s *StreamState) Ingest(ev codec.Event) (textDelta string, ok bool) {
	switch ev.Kind {
	case codec.EventContentDelta:
		s.accumulatedText += ev.Text
		return ev.Text, true

	case codec.EventToolCallStart:
		call := &inflightToolCall{id: ev.ToolUseID, name: ev.ToolName, input: ev.InputDelta}
		s.openToolCalls[ev.ToolUseID] = call
		s.toolOrder = append(s.toolOrder, ev.ToolUseID)
		if ev.StopOnStart {
			s.closeToolCall(ev.ToolUseID)
		}
		return "", false

	case codec.EventToolCallDelta:
		// Per spec §4.D the upstream doesn't repeat the toolUseId on
		// continuation fragments; attribute the delta to whichever call
		// opened most recently and hasn't closed.
		if id := s.currentOpenToolCallID(); id != "" {
			s.openToolCalls[id].input += ev.InputDelta
		}
		return "", false

	case codec.EventToolCallStop:
		if id := s.currentOpenToolCallID(); id != "" {
			s.closeToolCall(id)
		}
		return "", false

	case codec.EventTelemetry:
		s.logger.Debug("context usage telemetry", "model", s.model, "percentage", ev.ContextUsagePercentage)
		return "", false

	default:
		return "", false
	}
}

func (s *StreamState) currentOpenToolCallID() string {
	for i := len(s.toolOrder) - 1; i >= 0; i-- {
		id := s.toolOrder[i]
		if c, ok := s.openToolCalls[id]; ok && !c.closed {
			return id
		}
	}
	return ""
}

func (s *StreamState) closeToolCall(id string) {
	c, ok := s.openToolCalls[id]
	if !ok || c.closed {
		return
	}
	c.closed = true
	s.closedToolCalls = append(s.closedToolCalls, toolCallFromInflight(c))
}

func toolCallFromInflight(c *inflightToolCall) ToolCall {
	call := ToolCall{ID: c.id, Name: c.name}
	if json.Valid([]byte(c.input)) {
		call.Input = json.RawMessage(c.input)
	} else {
		call.RawInput = c.input
	}
	return call
}

// MarkStreamError records that the upstream stream raised mid-flight (spec
// §7 StreamMidFailure: "emit in-band error event, close stream").
func (s *StreamState) MarkStreamError() { s.streamErrored = true }

// SetUsage records the final token accounting reported by the upstream.
func (s *StreamState) SetUsage(u Usage) { s.usage = u }

func (s *StreamState) GetFinalUsage() Usage { return s.usage }

// AccumulatedText returns the assistant text streamed so far, used to
// estimate output tokens once a stream closes (spec §9 token estimation).
func (s *StreamState) AccumulatedText() string { return s.accumulatedText }

// FinalToolCalls merges codec-derived tool calls (closed ones only; an
// unterminated tool call at stream end is dropped as incomplete) with
// text-marker-extracted ones, deduplicated (spec §9 two-pass tool-call
// parsing).
func (s *StreamState) FinalToolCalls() []ToolCall {
	textCalls := ExtractTextToolCalls(s.accumulatedText)
	merged := append(append([]ToolCall{}, s.closedToolCalls...), textCalls...)
	return DedupeToolCalls(merged)
}

// GetStopReason is "tool_use" if any tool call survived to the end,
// "error" if the stream raised, else "end_turn" (spec §4.E).
func (s *StreamState) GetStopReason() string {
	if s.streamErrored {
		return "error"
	}
	if len(s.FinalToolCalls()) > 0 {
		return "tool_use"
	}
	return "end_turn"
}

func (s *StreamState) HasOpenContentBlock() bool { return s.hasOpenContentBlock && !s.contentBlockClosed }
func (s *StreamState) MarkContentBlockOpen()      { s.hasOpenContentBlock = true }
func (s *StreamState) MarkContentBlockClosed()    { s.contentBlockClosed = true }
func (s *StreamState) WasMessageDeltaEmitted() bool { return s.messageDeltaEmitted }
func (s *StreamState) MarkMessageDeltaEmitted()     { s.messageDeltaEmitted = true }

// NormalizeToolUseID rewrites ids to the toolu_<24 alphanumerics> form,
// minting a fresh one when id is empty (spec §4.E).
func NormalizeToolUseID(id string) string {
	if id != "" {
		return "toolu_" + sanitizeID(id)
	}
	return "toolu_" + sanitizeID(uuid.NewString())
}

func sanitizeID(id string) string {
	out := make([]byte, 0, 24)
	for _, c := range id {
		if len(out) == 24 {
			break
		}
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, byte(c))
		}
	}
	for len(out) < 24 {
		out = append(out, "0123456789abcdef"[len(out)%16])
	}
	return string(out)
}
