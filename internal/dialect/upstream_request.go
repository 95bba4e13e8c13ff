package dialect

import (
	"encoding/json"
	"strings"
)

// toolSpecification is one entry of userInputMessageContext.tools[] (spec
// §4.E "Tools translate to userInputMessageContext.tools[].toolSpecification").
type toolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type upstreamTool struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type userInputMessageContext struct {
	Tools []upstreamTool `json:"tools,omitempty"`
}

type userInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId,omitempty"`
	Origin                  string                   `json:"origin,omitempty"`
	UserInputMessageContext *userInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type assistantResponseMessage struct {
	Content string `json:"content"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type currentMessage struct {
	UserInputMessage userInputMessage `json:"userInputMessage"`
}

type conversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	CurrentMessage  currentMessage `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

// UpstreamRequest is the body POSTed to generateAssistantResponse /
// SendMessageStreaming (spec §4.E "Canonical → upstream request", §6).
type UpstreamRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// BuildUpstreamRequest assembles the conversationState envelope from a
// canonical request (spec §4.E).
func BuildUpstreamRequest(req CanonicalRequest, profileArn string) UpstreamRequest {
	msgs := fuseSystem(req.Messages, req.System)
	if len(msgs) == 0 {
		msgs = []CanonicalMessage{{Role: RoleUser, Content: "Continue"}}
	}

	lastIdx := len(msgs) - 1
	last := msgs[lastIdx]
	currentContent := last.Content
	if strings.TrimSpace(currentContent) == "" {
		currentContent = "Continue"
	}

	history := make([]historyEntry, 0, lastIdx)
	for _, m := range msgs[:lastIdx] {
		if m.Role == RoleUser {
			history = append(history, historyEntry{UserInputMessage: &userInputMessage{Content: m.Content}})
		} else {
			history = append(history, historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: m.Content}})
		}
	}

	cur := userInputMessage{
		Content: currentContent,
		ModelID: InternalModelID(req.Model),
		Origin:  "AI_EDITOR",
	}
	if len(req.Tools) > 0 {
		ctx := &userInputMessageContext{Tools: make([]upstreamTool, 0, len(req.Tools))}
		for _, t := range req.Tools {
			ctx.Tools = append(ctx.Tools, upstreamTool{ToolSpecification: toolSpecification{
				Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
			}})
		}
		cur.UserInputMessageContext = ctx
	}

	return UpstreamRequest{
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			CurrentMessage:  currentMessage{UserInputMessage: cur},
			History:         history,
		},
		ProfileArn: profileArn,
	}
}

// fuseSystem fuses a system prompt into the first user message in history,
// or pushes a leading synthetic user/assistant pair when no user message
// exists to fuse into (spec §4.E "Canonical → upstream request").
func fuseSystem(msgs []CanonicalMessage, system string) []CanonicalMessage {
	if system == "" {
		return msgs
	}
	out := make([]CanonicalMessage, len(msgs))
	copy(out, msgs)

	for i := range out {
		if out[i].Role == RoleUser {
			out[i].Content = system + "\n\n" + out[i].Content
			return out
		}
	}

	leading := []CanonicalMessage{
		{Role: RoleUser, Content: system},
		{Role: RoleAssistant, Content: "Continue"},
	}
	return append(leading, out...)
}
