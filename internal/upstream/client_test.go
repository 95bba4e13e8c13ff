package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

func TestMachineIDDeterministic(t *testing.T) {
	a := machineID("uuid-1", "arn-1", "client-1")
	b := machineID("uuid-1", "arn-1", "client-1")
	if a != b {
		t.Fatalf("expected deterministic machine id")
	}
	c := machineID("uuid-2", "arn-1", "client-1")
	if a == c {
		t.Fatalf("expected distinct uuids to produce distinct machine ids")
	}
}

func TestWithRetryRefreshesOnceOn403(t *testing.T) {
	c := &Client{cfg: Config{MaxRetries: 2, BaseDelay: time.Millisecond}}
	attempts := 0
	refreshCalls := 0

	err := c.withRetry(context.Background(), func(creds store.Credentials) error {
		attempts++
		if creds.AccessToken == "stale" {
			return relayerr.New(relayerr.KindUpstreamTokenExpired, 403, "expired")
		}
		return nil
	}, store.Credentials{AccessToken: "stale"}, func(ctx context.Context) (store.Credentials, error) {
		refreshCalls++
		return store.Credentials{AccessToken: "fresh"}, nil
	})
	if err != nil {
		t.Fatalf("expected success after refresh, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refreshCalls)
	}
}

func TestWithRetryDoesNotRefreshTwice(t *testing.T) {
	c := &Client{cfg: Config{MaxRetries: 2, BaseDelay: time.Millisecond}}
	refreshCalls := 0

	err := c.withRetry(context.Background(), func(creds store.Credentials) error {
		return relayerr.New(relayerr.KindUpstreamTokenExpired, 403, "still expired")
	}, store.Credentials{AccessToken: "stale"}, func(ctx context.Context) (store.Credentials, error) {
		refreshCalls++
		return store.Credentials{AccessToken: "fresh"}, nil
	})
	if err == nil {
		t.Fatalf("expected error to surface after single refresh attempt fails again")
	}
	if refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", refreshCalls)
	}
}

func TestWithRetryBacksOffOnTransient(t *testing.T) {
	c := &Client{cfg: Config{MaxRetries: 2, BaseDelay: time.Millisecond}}
	attempts := 0

	err := c.withRetry(context.Background(), func(creds store.Credentials) error {
		attempts++
		if attempts < 3 {
			return relayerr.New(relayerr.KindUpstreamTransient, 529, "overloaded")
		}
		return nil
	}, store.Credentials{}, nil)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	c := &Client{cfg: Config{MaxRetries: 2, BaseDelay: time.Millisecond}}
	sentinel := errors.New("boom")
	attempts := 0

	err := c.withRetry(context.Background(), func(creds store.Credentials) error {
		attempts++
		return &nonRetriable{sentinel}
	}, store.Credentials{}, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a non-retriable error, got %d", attempts)
	}
}
