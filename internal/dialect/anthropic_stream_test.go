package dialect

import (
	"bytes"
	"strings"
	"testing"

	"github.com/yansir/kiro-gateway/internal/codec"
)

func TestAnthropicEncoderHandleEventAndClose(t *testing.T) {
	var buf bytes.Buffer
	state := NewStreamState("claude-opus-4-5", nil)
	enc := NewAnthropicEncoder(&buf, "claude-opus-4-5", state)

	if err := enc.HandleEvent("claude-opus-4-5", codec.Event{Kind: codec.EventContentDelta, Text: "hi"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	state.SetUsage(Usage{InputTokens: 1, OutputTokens: 1})
	if err := enc.Close("claude-opus-4-5"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"event: message_start", "event: content_block_start", "event: content_block_delta", "event: content_block_stop", "event: message_delta", "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %s", want, out)
		}
	}
}

func TestAnthropicEncoderCloseEmitsToolUseBlocks(t *testing.T) {
	var buf bytes.Buffer
	state := NewStreamState("claude-opus-4-5", nil)
	enc := NewAnthropicEncoder(&buf, "claude-opus-4-5", state)

	state.Ingest(codec.Event{Kind: codec.EventToolCallStart, ToolUseID: "abc", ToolName: "get_weather", InputDelta: `{"city":"SF"}`})
	state.Ingest(codec.Event{Kind: codec.EventToolCallStop})

	if err := enc.Close("claude-opus-4-5"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"tool_use"`) {
		t.Errorf("expected a tool_use content block, got %s", out)
	}
	if !strings.Contains(out, `"stop_reason":"tool_use"`) {
		t.Errorf("expected stop_reason tool_use in message_delta, got %s", out)
	}
}

func TestAnthropicEncoderCloseIsIdempotentForMessageDelta(t *testing.T) {
	var buf bytes.Buffer
	state := NewStreamState("claude-opus-4-5", nil)
	enc := NewAnthropicEncoder(&buf, "claude-opus-4-5", state)

	if err := enc.Close("claude-opus-4-5"); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	before := strings.Count(buf.String(), "event: message_delta")
	if err := enc.Close("claude-opus-4-5"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	after := strings.Count(buf.String(), "event: message_delta")
	if before != 1 || after != before {
		t.Errorf("expected message_delta emitted exactly once across repeated Close calls, before=%d after=%d", before, after)
	}
}

func TestAnthropicEncoderWriteError(t *testing.T) {
	var buf bytes.Buffer
	state := NewStreamState("claude-opus-4-5", nil)
	enc := NewAnthropicEncoder(&buf, "claude-opus-4-5", state)

	if err := enc.WriteError("boom"); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	if !strings.Contains(buf.String(), "event: error") {
		t.Errorf("expected an error event, got %s", buf.String())
	}
	if state.GetStopReason() != "error" {
		t.Errorf("expected stream marked errored")
	}
}
