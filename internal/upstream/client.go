// Package upstream implements the Upstream Client (spec §4.F): it owns the
// HTTP transport to a single credential's Kiro/CodeWhisperer endpoints,
// drives the request/response wire protocol, and retries per spec's policy.
//
// Grounded on the teacher's internal/relay/relay.go request loop (retry
// classification, header assembly) and internal/transport/transport.go
// (pooled per-identity http.Client), generalized from the teacher's
// Anthropic-passthrough body to the upstream's AWS-EventStream dialect via
// internal/codec and internal/dialect.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/codec"
	"github.com/yansir/kiro-gateway/internal/dialect"
	"github.com/yansir/kiro-gateway/internal/metrics"
	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

// RefreshFunc forces a token refresh and returns the new credential snapshot
// (spec §9 "the Upstream Client receives a credential handle plus a
// refresh-now callback, not the manager itself").
type RefreshFunc func(ctx context.Context) (store.Credentials, error)

// Config tunes the shared HTTP client (spec §4.F).
type Config struct {
	MaxConnsPerHost int
	Timeout         time.Duration
	MaxRetries      int
	BaseDelay       time.Duration

	// Transport overrides the client's RoundTripper. Nil uses the default
	// pooled transport; tests substitute one that redirects the hardcoded
	// CodeWhisperer/quota hostnames to a local httptest server.
	Transport http.RoundTripper
}

type Client struct {
	http *http.Client
	cfg  Config
}

func NewClient(cfg Config) *Client {
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxConnsPerHost:     cfg.MaxConnsPerHost,
			MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{http: &http.Client{Transport: transport, Timeout: cfg.Timeout}, cfg: cfg}
}

func endpointFor(region, model string) string {
	if dialect.UsesStreamingSendMessage(model) {
		return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/SendMessageStreaming", region)
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte, creds store.Credentials, upstreamUUID string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	ua := userAgent(upstreamUUID, creds.ProfileARN, creds.ClientID)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("x-amz-user-agent", ua)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	return req, nil
}

// Call performs a non-streaming request: the full event-stream body is read
// and folded into an Aggregator (spec §4.F Call). inputTokenEstimate should
// come from dialect.EstimateInputTokens on the canonical request that
// produced req.
func (c *Client) Call(ctx context.Context, creds store.Credentials, upstreamUUID string, model string, req dialect.UpstreamRequest, inputTokenEstimate int, refresh RefreshFunc) (*dialect.Aggregator, error) {
	agg := dialect.NewAggregator(model)

	err := c.withRetry(ctx, func(attemptCreds store.Credentials) error {
		return c.doEventStream(ctx, attemptCreds, upstreamUUID, model, req, func(ev codec.Event) error {
			agg.Add(ev)
			return nil
		})
	}, creds, refresh)
	metrics.UpstreamCalls.WithLabelValues(upstreamUUID, callOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	agg.SetUsage(dialect.Usage{InputTokens: inputTokenEstimate, OutputTokens: dialect.EstimateTokens(agg.Text())})
	return agg, nil
}

// Stream performs a streaming request, invoking onEvent for each codec event
// as it arrives (spec §4.F Stream). Once the first event has been delivered,
// failures are reported to the caller rather than retried internally (spec
// §4.F "streaming requests cannot be retried mid-response").
func (c *Client) Stream(ctx context.Context, creds store.Credentials, upstreamUUID string, model string, req dialect.UpstreamRequest, onEvent func(codec.Event) error, refresh RefreshFunc) error {
	delivered := false
	wrapped := func(ev codec.Event) error {
		delivered = true
		return onEvent(ev)
	}

	err := c.withRetry(ctx, func(attemptCreds store.Credentials) error {
		if delivered {
			return c.doEventStream(ctx, attemptCreds, upstreamUUID, model, req, wrapped)
		}
		err := c.doEventStream(ctx, attemptCreds, upstreamUUID, model, req, wrapped)
		if err != nil && delivered {
			return &nonRetriable{err}
		}
		return err
	}, creds, refresh)
	metrics.UpstreamCalls.WithLabelValues(upstreamUUID, callOutcome(err)).Inc()
	return err
}

// callOutcome buckets an Upstream Client error into the metric's coarse
// "success"/"error" label (spec §4.F has no taxonomy of its own for this;
// the fine-grained classification already lives in relayerr).
func callOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// nonRetriable unwraps to stop withRetry from retrying once bytes have
// flowed mid-stream.
type nonRetriable struct{ err error }

func (n *nonRetriable) Error() string { return n.err.Error() }
func (n *nonRetriable) Unwrap() error { return n.err }

// doEventStream issues one HTTP attempt and feeds the response body through
// the codec parser, invoking onEvent per decoded event.
func (c *Client) doEventStream(ctx context.Context, creds store.Credentials, upstreamUUID, model string, req dialect.UpstreamRequest, onEvent func(codec.Event) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, endpointFor(creds.Region, model), body, creds, upstreamUUID)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return relayerr.ClassifyUpstream(resp.StatusCode, errBody)
	}

	parser := codec.Get()
	defer codec.Release(parser)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			events, feedErr := parser.Feed(buf[:n])
			if feedErr != nil {
				return fmt.Errorf("decode event stream: %w", feedErr)
			}
			for _, ev := range events {
				if err := onEvent(ev); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read event stream: %w", readErr)
		}
	}
}

// GetUsage fetches the raw quota JSON (spec §4.F, §4.H).
func (c *Client) GetUsage(ctx context.Context, creds store.Credentials, upstreamUUID string) (json.RawMessage, error) {
	base := fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits", creds.Region)
	q := url.Values{}
	q.Set("isEmailRequired", "true")
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if creds.ProfileARN != "" {
		q.Set("profileArn", creds.ProfileARN)
	}
	fullURL := base + "?" + q.Encode()

	httpReq, err := c.newRequest(ctx, http.MethodGet, fullURL, nil, creds, upstreamUUID)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, relayerr.ClassifyUpstream(resp.StatusCode, respBody)
	}
	return json.RawMessage(respBody), nil
}
