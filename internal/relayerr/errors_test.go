package relayerr

import (
	"encoding/json"
	"testing"
)

func TestClassifyUpstreamStatusMap(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindInvalidAPIKey},
		{403, KindUpstreamTokenExpired},
		{429, KindUpstreamRateLimited},
		{500, KindUpstreamFatal},
		{502, KindUpstreamFatal},
		{503, KindNoEligibleUpstream},
		{529, KindUpstreamTransient},
	}
	for _, c := range cases {
		got := ClassifyUpstream(c.status, nil)
		if got.Kind != c.want {
			t.Errorf("status %d: got kind %s, want %s", c.status, got.Kind, c.want)
		}
		if got.Status != c.status {
			t.Errorf("status %d: got Status %d, want %d", c.status, got.Status, c.status)
		}
	}
}

func TestClassifyUpstreamPatternMatch(t *testing.T) {
	cases := []struct {
		body []byte
		want Kind
	}{
		{[]byte(`{"message":"rate limit exceeded"}`), KindUpstreamRateLimited},
		{[]byte(`{"message":"invalid request: missing field"}`), KindMalformedRequest},
		{[]byte(`{"message":"quota exhausted for this month"}`), KindUpstreamQuotaExhausted},
		{[]byte(`{"message":"service unavailable, connection reset by peer"}`), KindUpstreamTransient},
		{[]byte(`{"message":"unauthorized: invalid token"}`), KindInvalidAPIKey},
	}
	for _, c := range cases {
		got := ClassifyUpstream(418, c.body)
		if got.Kind != c.want {
			t.Errorf("body %q: got kind %s, want %s", c.body, got.Kind, c.want)
		}
	}
}

func TestClassifyUpstreamPassthrough(t *testing.T) {
	got := ClassifyUpstream(418, []byte("teapot"))
	if got.Kind != KindUpstreamFatal {
		t.Fatalf("expected passthrough to KindUpstreamFatal for unrecognized 4xx, got %s", got.Kind)
	}

	got = ClassifyUpstream(599, []byte("teapot"))
	if got.Kind != KindUpstreamFatal {
		t.Fatalf("expected passthrough to KindUpstreamFatal for unrecognized 5xx, got %s", got.Kind)
	}
}

func TestRecoverable(t *testing.T) {
	recoverable := []Kind{KindUpstreamTokenExpired, KindUpstreamRateLimited, KindUpstreamTransient}
	for _, k := range recoverable {
		e := New(k, 0, "")
		if !e.Recoverable() {
			t.Errorf("expected %s to be recoverable", k)
		}
	}

	notRecoverable := []Kind{KindInvalidAPIKey, KindMissingAPIKey, KindUpstreamFatal, KindMalformedRequest}
	for _, k := range notRecoverable {
		e := New(k, 0, "")
		if e.Recoverable() {
			t.Errorf("expected %s to not be recoverable", k)
		}
	}
}

func TestRenderOpenAIShape(t *testing.T) {
	e := New(KindInvalidAPIKey, 401, "authentication failed")
	status, body := RenderOpenAI(e)
	if status != 401 {
		t.Fatalf("expected status 401, got %d", status)
	}
	var decoded struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Error.Type != "authentication_error" {
		t.Errorf("expected authentication_error, got %s", decoded.Error.Type)
	}
	if decoded.Error.Code != string(KindInvalidAPIKey) {
		t.Errorf("expected code %s, got %s", KindInvalidAPIKey, decoded.Error.Code)
	}
	if decoded.Error.Message != "authentication failed" {
		t.Errorf("expected message to round-trip, got %s", decoded.Error.Message)
	}
}

func TestRenderAnthropicShape(t *testing.T) {
	e := New(KindUpstreamRateLimited, 429, "rate limited, please retry later")
	status, body := RenderAnthropic(e)
	if status != 429 {
		t.Fatalf("expected status 429, got %d", status)
	}
	var decoded struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "error" {
		t.Errorf("expected outer type %q, got %q", "error", decoded.Type)
	}
	if decoded.Error.Type != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %s", decoded.Error.Type)
	}
}

func TestOutboundTypeMappingDivergesForNoEligibleUpstream(t *testing.T) {
	e := New(KindNoEligibleUpstream, 503, "no upstream available")
	_, openAIBody := RenderOpenAI(e)
	_, anthropicBody := RenderAnthropic(e)

	var openAI struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	var anthropic struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.Unmarshal(openAIBody, &openAI)
	json.Unmarshal(anthropicBody, &anthropic)

	if openAI.Error.Type != "server_error" {
		t.Errorf("expected OpenAI server_error, got %s", openAI.Error.Type)
	}
	if anthropic.Error.Type != "overloaded_error" {
		t.Errorf("expected Anthropic overloaded_error, got %s", anthropic.Error.Type)
	}
}
