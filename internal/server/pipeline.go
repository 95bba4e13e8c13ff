package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/yansir/kiro-gateway/internal/codec"
	"github.com/yansir/kiro-gateway/internal/dialect"
	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

// callUpstream drives the non-streaming path: ExecuteWithRetry across
// distinct upstream acquisitions (spec §4.G, §4.J step 6).
func (s *Server) callUpstream(ctx context.Context, canonical dialect.CanonicalRequest) (*dialect.Aggregator, error) {
	var agg *dialect.Aggregator
	baseDelay := time.Duration(s.cfg.RequestBaseDelayMS) * time.Millisecond
	err := s.selector.ExecuteWithRetry(ctx, canonical.Model, s.cfg.RequestMaxRetries, baseDelay, func(ctx context.Context, u *store.Upstream) error {
		creds, err := s.creds.EnsureValid(ctx, u, s.cfg.TokenRefreshSafetyWindow)
		if err != nil {
			return err
		}
		upstreamReq := dialect.BuildUpstreamRequest(canonical, creds.ProfileARN)
		inputEstimate := dialect.EstimateInputTokens(canonical)
		result, err := s.client.Call(ctx, creds, u.UUID, canonical.Model, upstreamReq, inputEstimate, s.refreshFor(u))
		if err != nil {
			return err
		}
		agg = result
		return nil
	})
	return agg, err
}

// streamUpstream drives the streaming path: a single upstream acquisition,
// no cross-upstream failover once the request is in flight (spec §4.G
// "streaming requests do not retry across upstreams once bytes have flowed").
func (s *Server) streamUpstream(ctx context.Context, canonical dialect.CanonicalRequest, onEvent func(codec.Event) error) error {
	u, err := s.selector.Acquire(ctx, canonical.Model, nil)
	if err != nil {
		return err
	}
	creds, err := s.creds.EnsureValid(ctx, u, s.cfg.TokenRefreshSafetyWindow)
	if err != nil {
		_ = s.selector.ReportError(ctx, u.ID, err.Error())
		return err
	}
	upstreamReq := dialect.BuildUpstreamRequest(canonical, creds.ProfileARN)
	err = s.client.Stream(ctx, creds, u.UUID, canonical.Model, upstreamReq, onEvent, s.refreshFor(u))
	if err != nil {
		_ = s.selector.ReportError(ctx, u.ID, err.Error())
		return err
	}
	_ = s.selector.ReportSuccess(ctx, u.ID)
	return nil
}

func (s *Server) refreshFor(u *store.Upstream) func(ctx context.Context) (store.Credentials, error) {
	return func(ctx context.Context) (store.Credentials, error) {
		return s.creds.Refresh(ctx, u)
	}
}

// recordUsageBestEffort increments the caller's daily/total counters,
// logging rather than failing the request on error (spec §4.J step 5).
func (s *Server) recordUsageBestEffort(key *store.APIKey) {
	if key == nil {
		return
	}
	if err := s.store.RecordUsage(context.Background(), key.ID); err != nil {
		s.logger.Warn("record api key usage", "key", key.ID, "error", err)
	}
}

// writeUpstreamErr renders err in the caller's dialect, classifying it into
// the spec §7 taxonomy first if it isn't already a *relayerr.Error.
func writeUpstreamErr(w http.ResponseWriter, render renderErrorFunc, err error) {
	var classified *relayerr.Error
	if errors.As(err, &classified) {
		writeClassified(w, render, classified)
		return
	}
	writeClassified(w, render, relayerr.New(relayerr.KindUpstreamFatal, http.StatusInternalServerError, err.Error()))
}
