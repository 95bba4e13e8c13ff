package server

import (
	"context"
	"testing"
	"time"

	"github.com/yansir/kiro-gateway/internal/store"
)

// TestRunOAuthSessionSweeperTicksAndLeavesFreshSessions exercises the
// goroutine wired into Server.Run: it should tick on the configured
// interval, call the store's sweep, and leave sessions younger than the
// 10-minute hard cap alone (store.SweepExpiredOAuthSessions's own cutoff
// logic is covered directly by internal/store/oauthsessions_test.go).
func TestRunOAuthSessionSweeperTicksAndLeavesFreshSessions(t *testing.T) {
	srv, st, _ := newTestServer(t)
	srv.cfg.OAuthSweepInterval = 5 * time.Millisecond

	sess := &store.OAuthSession{Type: store.SessionSocial, Region: "us-east-1"}
	if err := st.CreateOAuthSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		srv.runOAuthSessionSweeper(ctx)
		close(done)
	}()
	<-done

	if _, err := st.GetOAuthSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("expected the fresh session to survive several sweep ticks, got err=%v", err)
	}
}

func TestRunOAuthSessionSweeperReturnsOnContextCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.OAuthSweepInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.runOAuthSessionSweeper(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected runOAuthSessionSweeper to return promptly after context cancellation")
	}
}
