package dialect

import (
	"encoding/json"
	"testing"
)

func TestExtractTextToolCallsNoMarker(t *testing.T) {
	if calls := ExtractTextToolCalls("just plain text"); calls != nil {
		t.Fatalf("expected nil, got %+v", calls)
	}
}

func TestExtractTextToolCallsBasic(t *testing.T) {
	text := `Let me check. [Called get_weather (abc123) with args: {"city":"SF"}] Done.`
	calls := ExtractTextToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "get_weather" || calls[0].ID != "abc123" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	var input map[string]string
	if err := json.Unmarshal(calls[0].Input, &input); err != nil {
		t.Fatalf("expected valid JSON input, got error: %v, raw: %q", err, calls[0].Input)
	}
	if input["city"] != "SF" {
		t.Errorf("expected city=SF, got %+v", input)
	}
}

func TestExtractTextToolCallsNoID(t *testing.T) {
	text := `[Called search with args: {"q":"golang"}]`
	calls := ExtractTextToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "search" || calls[0].ID != "" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestExtractTextToolCallsBracketInsideString(t *testing.T) {
	text := `[Called f (id1) with args: {"note":"array looks like [1,2,3] here"}]`
	calls := ExtractTextToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call despite embedded brackets, got %d: %+v", len(calls), calls)
	}
	var input map[string]string
	if err := json.Unmarshal(calls[0].Input, &input); err != nil {
		t.Fatalf("expected valid JSON, got %v: %q", err, calls[0].Input)
	}
	if input["note"] != "array looks like [1,2,3] here" {
		t.Errorf("unexpected note: %q", input["note"])
	}
}

func TestExtractTextToolCallsMultiple(t *testing.T) {
	text := `[Called a (id1) with args: {"x":1}] middle [Called b (id2) with args: {"y":2}]`
	calls := ExtractTextToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("unexpected order: %+v", calls)
	}
}

func TestRepairJSONTrailingCommaAndBareKeys(t *testing.T) {
	raw := `{city: "SF", zip: "94105",}`
	repaired := repairJSON(raw)
	if !json.Valid([]byte(repaired)) {
		t.Fatalf("expected repaired JSON to be valid, got %q", repaired)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		t.Fatalf("unmarshal repaired: %v", err)
	}
	if v["city"] != "SF" || v["zip"] != "94105" {
		t.Errorf("unexpected repaired value: %+v", v)
	}
}

func TestDedupeToolCallsByNameAndCanonicalInput(t *testing.T) {
	calls := []ToolCall{
		{Name: "get_weather", ID: "1", Input: json.RawMessage(`{"city":"SF","unit":"f"}`)},
		{Name: "get_weather", ID: "2", Input: json.RawMessage(`{"unit":"f","city":"SF"}`)}, // same after canonicalization
		{Name: "get_weather", ID: "3", Input: json.RawMessage(`{"city":"NYC"}`)},
	}
	deduped := DedupeToolCalls(calls)
	if len(deduped) != 2 {
		t.Fatalf("expected 2 deduped calls, got %d: %+v", len(deduped), deduped)
	}
}

func TestDedupeToolCallsPreservesRawInputDistinctness(t *testing.T) {
	calls := []ToolCall{
		{Name: "f", ID: "1", RawInput: "{broken"},
		{Name: "f", ID: "2", RawInput: "{also broken"},
	}
	deduped := DedupeToolCalls(calls)
	if len(deduped) != 2 {
		t.Fatalf("expected distinct raw inputs to both survive, got %d", len(deduped))
	}
}
