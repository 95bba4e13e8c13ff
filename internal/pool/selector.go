// Package pool implements the Pool Selector (spec §4.G): it picks one
// upstream per request by the configured policy, records success/failure
// against the Store, and drives cross-upstream retry for non-streaming
// requests.
//
// Grounded on the teacher's internal/scheduler package's Select/exclude-list
// shape, generalized from the teacher's single ordering rule to the five
// named strategies and from an in-memory account list to Store-backed
// queries (internal/store/upstreams.go SelectEligibleUpstreams).
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/yansir/kiro-gateway/internal/metrics"
	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

// Selector wraps the Store with the Pool Selector's acquire/report contract.
type Selector struct {
	store         *store.Store
	strategy      store.Strategy
	maxErrorCount int
}

func New(st *store.Store, strategy store.Strategy, maxErrorCount int) *Selector {
	return &Selector{store: st, strategy: strategy, maxErrorCount: maxErrorCount}
}

// Acquire returns the first eligible upstream for model and touches its
// usage counters, falling back to the exhausted-ignoring eligibility set if
// nothing strictly eligible exists (spec §4.G Acquire).
func (p *Selector) Acquire(ctx context.Context, model string, excludeIDs map[string]bool) (*store.Upstream, error) {
	candidates, err := p.store.SelectEligibleUpstreams(ctx, p.strategy, model, false)
	if err != nil {
		return nil, err
	}
	if u := firstNotExcluded(candidates, excludeIDs); u != nil {
		if err := p.store.TouchUsage(ctx, u.ID); err != nil {
			return nil, err
		}
		metrics.PoolSelections.WithLabelValues(string(p.strategy), "selected").Inc()
		return u, nil
	}

	fallback, err := p.store.SelectEligibleUpstreams(ctx, p.strategy, model, true)
	if err != nil {
		return nil, err
	}
	if u := firstNotExcluded(fallback, excludeIDs); u != nil {
		if err := p.store.TouchUsage(ctx, u.ID); err != nil {
			return nil, err
		}
		metrics.PoolSelections.WithLabelValues(string(p.strategy), "selected_exhausted_fallback").Inc()
		return u, nil
	}

	metrics.PoolSelections.WithLabelValues(string(p.strategy), "no_eligible_upstream").Inc()
	return nil, relayerr.New(relayerr.KindNoEligibleUpstream, 503, "no upstream available")
}

func firstNotExcluded(upstreams []store.Upstream, excludeIDs map[string]bool) *store.Upstream {
	for i := range upstreams {
		if !excludeIDs[upstreams[i].ID] {
			return &upstreams[i]
		}
	}
	return nil
}

// ReportSuccess resets the breaker and restores health (spec §4.G).
func (p *Selector) ReportSuccess(ctx context.Context, id string) error {
	return p.store.MarkUpstreamHealthy(ctx, id, false)
}

// ReportError records a failure; consecutive failures past maxErrorCount
// trip the breaker (spec §4.A, §4.G, §8 "Breaker trip").
func (p *Selector) ReportError(ctx context.Context, id, msg string) error {
	wasHealthy := true
	if before, err := p.store.GetUpstream(ctx, id); err == nil {
		wasHealthy = before.IsHealthy
	}
	if err := p.store.MarkUpstreamUnhealthy(ctx, id, msg, p.maxErrorCount); err != nil {
		return err
	}
	if wasHealthy {
		if after, err := p.store.GetUpstream(ctx, id); err == nil && !after.IsHealthy {
			metrics.BreakerTrips.WithLabelValues(id).Inc()
		}
	}
	return nil
}

// PersistCredentials writes back a rotated credential snapshot after a
// successful call (spec §4.G, final paragraph).
func (p *Selector) PersistCredentials(ctx context.Context, id string, creds store.Credentials) error {
	return p.store.UpdateCredentials(ctx, id, creds)
}

// RequestFunc performs one attempt against the acquired upstream.
type RequestFunc func(ctx context.Context, u *store.Upstream) error

// ExecuteWithRetry drives a non-stream request across up to maxRetries
// distinct upstream acquisitions (at least one) with exponential backoff
// between attempts (spec §4.G).
func (p *Selector) ExecuteWithRetry(ctx context.Context, model string, maxRetries int, baseDelay time.Duration, fn RequestFunc) error {
	excludeIDs := map[string]bool{}
	var lastErr error
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		u, err := p.Acquire(ctx, model, excludeIDs)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = fn(ctx, u)
		if err == nil {
			_ = p.ReportSuccess(ctx, u.ID)
			return nil
		}

		lastErr = err
		_ = p.ReportError(ctx, u.ID, err.Error())

		var relayErr *relayerr.Error
		if errors.As(err, &relayErr) && !relayErr.Recoverable() {
			excludeIDs[u.ID] = true
			continue
		}
		excludeIDs[u.ID] = true

		if attempt+1 < maxRetries {
			if sleepErr := sleepBackoff(ctx, baseDelay, attempt); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return lastErr
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << attempt
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
