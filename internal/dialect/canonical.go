// Package dialect translates between the two inbound wire formats (OpenAI
// chat-completions, Anthropic messages) and a canonical internal form, and
// encodes canonical stream events back out to either dialect's SSE framing
// (spec §4.E).
//
// Grounded on other_examples 39a5ae97_xilu0-AIClient-2-API's claude.Converter
// stateful-flag shape (HasOpenContentBlock / WasMessageDeltaEmitted /
// GetStopReason / GetFinalUsage) for the stream encoders, and the teacher's
// internal/relay/relay.go request/response shaping for general texture.
package dialect

import "encoding/json"

// Role is restricted to the two canonical roles (spec §4.E).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CanonicalMessage is one turn in the canonical conversation (spec §4.E).
type CanonicalMessage struct {
	Role    Role
	Content string
}

// ToolSpec is a tool definition carried through to the upstream request
// (spec §4.E "Tools translate to userInputMessageContext.tools[]").
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CanonicalRequest is the dialect-neutral request both translators produce
// (spec §4.E "Canonical internal form of a request").
type CanonicalRequest struct {
	Model       string
	Messages    []CanonicalMessage
	System      string
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
	Stream      bool
}

// ToolCall is a structured tool invocation, whether codec-derived or
// reconstructed from a text marker (spec §4.E "Tool-call reconstruction").
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
	// RawInput holds the unparsed argument text when Input could not be
	// repaired into valid JSON (still emitted per spec §4.E).
	RawInput string
}

// Usage mirrors the canonical token accounting both encoders report.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// mergeConsecutiveSameRole merges adjacent same-role messages (spec §4.E
// "Merge consecutive messages of the same role before sending upstream").
func mergeConsecutiveSameRole(msgs []CanonicalMessage) []CanonicalMessage {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]CanonicalMessage, 0, len(msgs))
	out = append(out, msgs[0])
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}
