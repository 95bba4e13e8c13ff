// Package health implements the Health Checker (spec §4.I): a periodic
// minimal probe per upstream that flips the health flag after consecutive
// failures, plus a slower recovery loop for currently-unhealthy upstreams.
//
// Grounded on the teacher's internal/account ticker-driven background loops,
// generalized from account-status polling to an actual minimal chat probe
// against internal/upstream.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/yansir/kiro-gateway/internal/credential"
	"github.com/yansir/kiro-gateway/internal/dialect"
	"github.com/yansir/kiro-gateway/internal/metrics"
	"github.com/yansir/kiro-gateway/internal/store"
	"github.com/yansir/kiro-gateway/internal/upstream"
)

const (
	probeModel    = "claude-haiku-4-5"
	probeMaxToken = 10
)

type Checker struct {
	store            *store.Store
	client           *upstream.Client
	creds            *credential.Manager
	checkInterval    time.Duration
	recoveryInterval time.Duration
	maxErrorCount    int
	logger           *slog.Logger
}

func New(st *store.Store, client *upstream.Client, creds *credential.Manager, checkInterval, recoveryInterval time.Duration, maxErrorCount int, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store: st, client: client, creds: creds,
		checkInterval: checkInterval, recoveryInterval: recoveryInterval,
		maxErrorCount: maxErrorCount, logger: logger,
	}
}

// Run drives both the regular probe loop and the slower recovery loop until
// ctx is cancelled (spec §4.I).
func (c *Checker) Run(ctx context.Context) {
	go c.loop(ctx, c.checkInterval, false)
	c.loop(ctx, c.recoveryInterval, true)
}

func (c *Checker) loop(ctx context.Context, interval time.Duration, onlyUnhealthy bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeAll(ctx, onlyUnhealthy)
		}
	}
}

func (c *Checker) probeAll(ctx context.Context, onlyUnhealthy bool) {
	upstreams, err := c.store.UpstreamsForHealthCheck(ctx, onlyUnhealthy)
	if err != nil {
		c.logger.Error("list upstreams for health check", "error", err)
		return
	}
	for i := range upstreams {
		c.probeOne(ctx, &upstreams[i])
	}
	c.updateHealthyGauge(ctx)
}

// updateHealthyGauge refreshes the kiro_gateway_upstreams_healthy gauge
// after a probe round so it reflects the latest flips.
func (c *Checker) updateHealthyGauge(ctx context.Context) {
	all, err := c.store.ListUpstreams(ctx)
	if err != nil {
		return
	}
	healthy := 0
	for _, u := range all {
		if u.IsHealthy && !u.IsDisabled {
			healthy++
		}
	}
	metrics.UpstreamsHealthy.Set(float64(healthy))
}

// probeOne issues the minimal non-streaming probe call and updates the
// upstream's health state (spec §4.I).
func (c *Checker) probeOne(ctx context.Context, u *store.Upstream) {
	creds, err := c.creds.EnsureValid(ctx, u, 10*time.Minute)
	if err != nil {
		c.logger.Warn("health probe: refresh failed", "upstream", u.ID, "error", err)
		_ = c.store.MarkUpstreamUnhealthy(ctx, u.ID, err.Error(), c.maxErrorCount)
		return
	}

	req := dialect.CanonicalRequest{
		Model:     probeModel,
		Messages:  []dialect.CanonicalMessage{{Role: dialect.RoleUser, Content: "Hi"}},
		MaxTokens: probeMaxToken,
	}
	upstreamReq := dialect.BuildUpstreamRequest(req, creds.ProfileARN)

	agg, err := c.client.Call(ctx, creds, u.UUID, probeModel, upstreamReq, 1, func(ctx context.Context) (store.Credentials, error) {
		return c.creds.Refresh(ctx, u)
	})
	if err != nil || agg.Text() == "" {
		msg := "empty probe response"
		if err != nil {
			msg = err.Error()
		}
		c.logger.Warn("health probe failed", "upstream", u.ID, "error", msg)
		_ = c.store.MarkUpstreamUnhealthy(ctx, u.ID, msg, c.maxErrorCount)
		return
	}

	if err := c.store.MarkUpstreamHealthy(ctx, u.ID, false); err != nil {
		c.logger.Error("mark upstream healthy", "upstream", u.ID, "error", err)
	}
	if err := c.store.UpdateHealthCheck(ctx, u.ID, time.Now().UTC()); err != nil {
		c.logger.Error("update health check time", "upstream", u.ID, "error", err)
	}
}
