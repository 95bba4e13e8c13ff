package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

// withRetry implements spec §4.F's retry policy: a single forced-refresh
// retry on 403, then exponential backoff across further attempts for 429/5xx
// /transient network errors, up to cfg.MaxRetries. attempt wraps one HTTP
// round-trip; it receives the credential snapshot to use for that attempt.
func (c *Client) withRetry(ctx context.Context, attempt func(creds store.Credentials) error, creds store.Credentials, refresh RefreshFunc) error {
	refreshedOn403 := false
	var lastErr error

	for i := 0; i <= c.cfg.MaxRetries; i++ {
		err := attempt(creds)
		if err == nil {
			return nil
		}
		lastErr = err

		var nr *nonRetriable
		if errors.As(err, &nr) {
			return nr.Unwrap()
		}

		var relayErr *relayerr.Error
		if errors.As(err, &relayErr) {
			switch relayErr.Kind {
			case relayerr.KindUpstreamTokenExpired:
				if refreshedOn403 {
					return err
				}
				refreshedOn403 = true
				fresh, refreshErr := refresh(ctx)
				if refreshErr != nil {
					return err
				}
				creds = fresh
				continue
			case relayerr.KindUpstreamRateLimited, relayerr.KindUpstreamTransient:
				if i == c.cfg.MaxRetries {
					return err
				}
				if sleepErr := sleepBackoff(ctx, c.cfg.BaseDelay, i); sleepErr != nil {
					return sleepErr
				}
				continue
			default:
				return err
			}
		}

		if isTransientNetErr(err) {
			if i == c.cfg.MaxRetries {
				return err
			}
			if sleepErr := sleepBackoff(ctx, c.cfg.BaseDelay, i); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		return err
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

func isTransientNetErr(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
