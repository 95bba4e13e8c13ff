// Package relayerr implements the error taxonomy of spec §7: it classifies
// failures by kind (not by Go type name) and renders a dialect-appropriate,
// sanitized body for the caller.
//
// Grounded on the teacher's internal/relay/errors.go status-map →
// pattern-match → passthrough chain, generalized from a single (Anthropic)
// outbound shape to both supported dialects.
package relayerr

import (
	"encoding/json"
	"regexp"
)

// Kind enumerates spec §7's taxonomy.
type Kind string

const (
	KindMissingAPIKey       Kind = "missing_api_key"
	KindInvalidAPIKey       Kind = "invalid_api_key"
	KindDailyLimitExceeded  Kind = "daily_limit_exceeded"
	KindUnsupportedModel    Kind = "unsupported_model"
	KindMalformedRequest    Kind = "malformed_request"
	KindNoEligibleUpstream  Kind = "no_eligible_upstream"
	KindUpstreamTokenExpired Kind = "upstream_token_expired"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindUpstreamFatal       Kind = "upstream_fatal"
	KindUpstreamQuotaExhausted Kind = "upstream_quota_exhausted"
	KindStreamMidFailure    Kind = "stream_mid_failure"
	KindOAuthFailure        Kind = "oauth_failure"
)

// Error is a classified, user-facing failure.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

// Recoverable reports whether the request pipeline should retry instead of
// surfacing the error to the caller (spec §7 "Recover?" column).
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindUpstreamTokenExpired, KindUpstreamRateLimited, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

var statusKind = map[int]Kind{
	401: KindInvalidAPIKey,
	403: KindUpstreamTokenExpired,
	429: KindUpstreamRateLimited,
	500: KindUpstreamFatal,
	502: KindUpstreamFatal,
	503: KindNoEligibleUpstream,
	529: KindUpstreamTransient,
}

var patternKind = []struct {
	pattern *regexp.Regexp
	kind    Kind
}{
	{regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`), KindMalformedRequest},
	{regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`), KindInvalidAPIKey},
	{regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`), KindUpstreamRateLimited},
	{regexp.MustCompile(`(?i)quota|exhaust|limit.*exceed`), KindUpstreamQuotaExhausted},
	{regexp.MustCompile(`(?i)overloaded|unavailable|timeout|reset by peer|broken pipe`), KindUpstreamTransient},
}

// ClassifyUpstream maps an upstream HTTP status + body to a Kind via the
// status-map → pattern-match → passthrough chain (spec §7).
func ClassifyUpstream(status int, body []byte) *Error {
	if kind, ok := statusKind[status]; ok {
		return New(kind, status, defaultMessage(kind))
	}
	bodyStr := string(body)
	for _, pk := range patternKind {
		if pk.pattern.MatchString(bodyStr) {
			return New(pk.kind, status, defaultMessage(pk.kind))
		}
	}
	if status >= 500 {
		return New(KindUpstreamFatal, status, "unexpected upstream error")
	}
	return New(KindUpstreamFatal, status, "unrecognized upstream error")
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindInvalidAPIKey:
		return "authentication failed"
	case KindUpstreamTokenExpired:
		return "upstream authentication expired"
	case KindUpstreamRateLimited:
		return "rate limited, please retry later"
	case KindUpstreamQuotaExhausted:
		return "upstream quota exhausted"
	case KindUpstreamTransient:
		return "service temporarily overloaded"
	case KindNoEligibleUpstream:
		return "no upstream available"
	default:
		return "upstream error"
	}
}

// RenderOpenAI renders the kind into an OpenAI-dialect error body.
func RenderOpenAI(e *Error) (int, []byte) {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    openAIType(e.Kind),
			"code":    string(e.Kind),
		},
	})
	return e.Status, body
}

// RenderAnthropic renders the kind into an Anthropic-dialect error body.
func RenderAnthropic(e *Error) (int, []byte) {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicType(e.Kind),
			"message": e.Message,
		},
	})
	return e.Status, body
}

func openAIType(kind Kind) string {
	switch kind {
	case KindMissingAPIKey, KindInvalidAPIKey:
		return "authentication_error"
	case KindDailyLimitExceeded, KindUpstreamRateLimited:
		return "rate_limit_error"
	case KindUnsupportedModel, KindMalformedRequest:
		return "invalid_request_error"
	case KindNoEligibleUpstream:
		return "server_error"
	default:
		return "api_error"
	}
}

func anthropicType(kind Kind) string {
	switch kind {
	case KindMissingAPIKey, KindInvalidAPIKey:
		return "authentication_error"
	case KindDailyLimitExceeded, KindUpstreamRateLimited:
		return "rate_limit_error"
	case KindUnsupportedModel, KindMalformedRequest:
		return "invalid_request_error"
	case KindNoEligibleUpstream:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
