package dialect

import (
	"encoding/json"
	"fmt"
)

// OpenAIMessage is one entry in an OpenAI chat-completions request. Content
// may be a plain string or an array of typed parts; both are accepted.
type OpenAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// OpenAIRequest is the inbound body for POST /v1/chat/completions (spec §6).
type OpenAIRequest struct {
	Model       string          `json:"model" validate:"required"`
	Messages    []OpenAIMessage `json:"messages" validate:"required,min=1"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
}

type openAIContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FromOpenAI flattens an OpenAI request into canonical form (spec §4.E
// "Inbound → canonical. From OpenAI form").
func FromOpenAI(req *OpenAIRequest) (CanonicalRequest, error) {
	var msgs []CanonicalMessage
	for i, m := range req.Messages {
		text, err := flattenOpenAIContent(m.Content)
		if err != nil {
			return CanonicalRequest{}, fmt.Errorf("messages[%d].content: %w", i, err)
		}

		if m.Role == "system" {
			// Rewrite system messages to a user message prefixed [System]:.
			msgs = append(msgs, CanonicalMessage{Role: RoleUser, Content: "[System]: " + text})
			continue
		}

		role := RoleUser
		if m.Role == "assistant" {
			role = RoleAssistant
		}
		msgs = append(msgs, CanonicalMessage{Role: role, Content: text})
	}

	return CanonicalRequest{
		Model:       req.Model,
		Messages:    mergeConsecutiveSameRole(msgs),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}, nil
}

// flattenOpenAIContent accepts either a bare JSON string or an array of
// {type,text} parts, dropping non-text parts (spec §4.E "flatten multi-part
// content arrays to text (dropping non-text parts)").
func flattenOpenAIContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out, nil
}
