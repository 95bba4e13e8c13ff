package dialect

// modelMap translates the external model id to the upstream's internal id
// (spec §4.E "The external model id is mapped to the internal id via a
// fixed table").
var modelMap = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// SupportedModels is the external-facing model id list (spec §6) exposed via
// GET /v1/models and validated against on every inbound request.
var SupportedModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-haiku-4-5",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4-20250514",
	"claude-3-7-sonnet-20250219",
}

// IsSupportedModel reports whether id is one of SupportedModels.
func IsSupportedModel(id string) bool {
	_, ok := modelMap[id]
	return ok
}

// InternalModelID maps an external model id to the upstream's id, or
// returns id unchanged if the table has no entry (defensive: the front-end
// already rejects unknown ids before this is called).
func InternalModelID(id string) string {
	if internal, ok := modelMap[id]; ok {
		return internal
	}
	return id
}

// UsesStreamingSendMessage reports whether model should be dispatched to
// the SendMessageStreaming endpoint rather than generateAssistantResponse
// (spec §6: "used when model id starts with amazonq").
func UsesStreamingSendMessage(model string) bool {
	return len(model) >= len("amazonq") && model[:len("amazonq")] == "amazonq"
}
