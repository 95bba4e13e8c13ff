package dialect

import (
	"encoding/json"
	"fmt"
)

// AnthropicContentBlock is the tagged variant spec §9 "Dynamic-typed request
// bodies" calls for: Text | ToolUse | ToolResult. The translator walks this
// variant directly rather than dispatching on runtime types.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicMessage is one entry in an Anthropic messages request.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicTool is the inbound tool definition shape.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// AnthropicRequest is the inbound body for POST /v1/messages (spec §6).
type AnthropicRequest struct {
	Model       string             `json:"model" validate:"required"`
	Messages    []AnthropicMessage `json:"messages" validate:"required,min=1"`
	System      json.RawMessage    `json:"system"`
	Stream      bool               `json:"stream"`
	MaxTokens   int                `json:"max_tokens" validate:"required"`
	Temperature *float64           `json:"temperature"`
	Tools       []AnthropicTool    `json:"tools"`
}

// FromAnthropic converts an Anthropic request into canonical form (spec
// §4.E "Inbound → canonical. From Anthropic form"). A top-level system
// prompt is folded directly into Messages here as a synthetic
// "[System]: ..." user turn followed by a synthetic "Understood."
// assistant turn, preserving strict user/assistant alternation; this
// mirrors the OpenAI path's inline system-message rewrite in
// FromOpenAI. CanonicalRequest.System is left empty, so
// BuildUpstreamRequest's fuseSystem (the canonical→upstream step) has
// nothing left to fuse for Anthropic traffic.
func FromAnthropic(req *AnthropicRequest) (CanonicalRequest, error) {
	var msgs []CanonicalMessage

	systemText, err := flattenAnthropicSystem(req.System)
	if err != nil {
		return CanonicalRequest{}, fmt.Errorf("system: %w", err)
	}
	if systemText != "" {
		msgs = append(msgs,
			CanonicalMessage{Role: RoleUser, Content: "[System]: " + systemText},
			CanonicalMessage{Role: RoleAssistant, Content: "Understood."},
		)
	}

	for i, m := range req.Messages {
		text, err := flattenAnthropicContent(m.Content)
		if err != nil {
			return CanonicalRequest{}, fmt.Errorf("messages[%d].content: %w", i, err)
		}
		role := RoleUser
		if m.Role == "assistant" {
			role = RoleAssistant
		}
		msgs = append(msgs, CanonicalMessage{Role: role, Content: text})
	}

	var tools []ToolSpec
	for _, t := range req.Tools {
		tools = append(tools, ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	return CanonicalRequest{
		Model:       req.Model,
		Messages:    mergeConsecutiveSameRole(msgs),
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}, nil
}

func flattenAnthropicSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("system must be a string or an array of text blocks: %w", err)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out, nil
}

// flattenAnthropicContent renders the tagged content-block variant to text
// (spec §4.E: "text parts concatenated; tool_use rendered as
// `[Called <name> (<id>) with args: <json>]`; tool_result rendered as
// `[Tool result (<id>)[Error]? : <text>]`").
func flattenAnthropicContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}

	out := ""
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out += b.Text
		case "tool_use":
			out += fmt.Sprintf("[Called %s (%s) with args: %s]", b.Name, b.ID, string(b.Input))
		case "tool_result":
			text := flattenToolResultContent(b.Content)
			tag := fmt.Sprintf("[Tool result (%s)", b.ToolUseID)
			if b.IsError {
				tag += "[Error]"
			}
			out += tag + ": " + text + "]"
		}
	}
	return out, nil
}

// flattenToolResultContent accepts either a bare string or an array of text
// blocks for tool_result.content, same tolerant shape as message content.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
