package store

import (
	"context"
	"testing"
	"time"
)

func TestCreateOAuthSessionStartsPending(t *testing.T) {
	st := newTestStore(t)
	sess := &OAuthSession{Type: SessionSocial, Provider: "google", Region: "us-east-1", PayloadJSON: `{"state":"abc"}`}
	if err := st.CreateOAuthSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	got, err := st.GetOAuthSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != SessionPending {
		t.Fatalf("expected pending status, got %q", got.Status)
	}
	if got.PayloadJSON != `{"state":"abc"}` {
		t.Fatalf("expected payload to round-trip, got %q", got.PayloadJSON)
	}
}

func TestCompleteOAuthSessionAttachesCredentials(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &OAuthSession{Type: SessionBuilderID, Region: "us-east-1"}
	if err := st.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}

	creds := Credentials{AccessToken: "tok", AuthMethod: AuthBuilderID, Region: "us-east-1"}
	if err := st.CompleteOAuthSession(ctx, sess.ID, creds); err != nil {
		t.Fatalf("CompleteOAuthSession: %v", err)
	}

	got, err := st.GetOAuthSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != SessionCompleted {
		t.Fatalf("expected completed status, got %q", got.Status)
	}
	if got.Credentials == nil || got.Credentials.AccessToken != "tok" {
		t.Fatalf("expected credentials to be attached, got %+v", got.Credentials)
	}
}

func TestFailOAuthSessionRecordsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &OAuthSession{Type: SessionIdentityCenter, Region: "us-east-1"}
	if err := st.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}

	if err := st.FailOAuthSession(ctx, sess.ID, SessionTimeout, "device code expired"); err != nil {
		t.Fatalf("FailOAuthSession: %v", err)
	}

	got, err := st.GetOAuthSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != SessionTimeout || got.Error != "device code expired" {
		t.Fatalf("expected timeout status with error message, got %+v", got)
	}
}

func TestUpdateOAuthSessionPayload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &OAuthSession{Type: SessionIdentityCenter, Region: "us-east-1", PayloadJSON: `{"interval":5}`}
	if err := st.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}

	if err := st.UpdateOAuthSessionPayload(ctx, sess.ID, `{"interval":10}`); err != nil {
		t.Fatalf("UpdateOAuthSessionPayload: %v", err)
	}
	got, err := st.GetOAuthSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.PayloadJSON != `{"interval":10}` {
		t.Fatalf("expected updated payload, got %q", got.PayloadJSON)
	}
}

func TestGetOAuthSessionNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetOAuthSession(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteOAuthSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &OAuthSession{Type: SessionSocial, Region: "us-east-1"}
	if err := st.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}
	if err := st.DeleteOAuthSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteOAuthSession: %v", err)
	}
	if _, err := st.GetOAuthSession(ctx, sess.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSweepExpiredOAuthSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &OAuthSession{Type: SessionSocial, Region: "us-east-1"}
	if err := st.CreateOAuthSession(ctx, sess); err != nil {
		t.Fatalf("CreateOAuthSession: %v", err)
	}
	// Backdate past the sweep cutoff.
	old := formatTime(time.Now().UTC().Add(-sweepAge - time.Minute))
	if _, err := st.db.ExecContext(ctx, `UPDATE oauth_sessions SET created_at = ? WHERE id = ?`, old, sess.ID); err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	n, err := st.SweepExpiredOAuthSessions(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredOAuthSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, err := st.GetOAuthSession(ctx, sess.ID); err != ErrNotFound {
		t.Fatalf("expected session to be gone after sweep, got %v", err)
	}
}
