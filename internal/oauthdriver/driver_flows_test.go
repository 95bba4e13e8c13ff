package oauthdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/yansir/kiro-gateway/internal/store"
)

// redirectTransport rewrites every outbound request's scheme/host to a local
// httptest server, letting the driver's hardcoded AWS/Kiro endpoints be
// exercised without reaching the network.
type redirectTransport struct{ target *url.URL }

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(server *httptest.Server) *http.Client {
	u, _ := url.Parse(server.URL)
	return &http.Client{Transport: &redirectTransport{target: u}}
}

func newTestDriver(t *testing.T, client *http.Client) (*Driver, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	d := NewDriver(st, client, 19200, 19300, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d, st
}

func TestStartSocialCreatesPendingSessionAndAuthURL(t *testing.T) {
	d, _ := newTestDriver(t, http.DefaultClient)

	sess, authURL, err := d.StartSocial(context.Background(), "google", "us-east-1")
	if err != nil {
		t.Fatalf("StartSocial: %v", err)
	}
	if sess.Status != store.SessionPending {
		t.Fatalf("expected pending session, got %q", sess.Status)
	}
	if authURL == "" {
		t.Fatal("expected a non-empty authorization URL")
	}
}

func TestCompleteSocialCallbackExchangesCodeAndCompletesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "sess-access",
			"refreshToken": "sess-refresh",
			"expiresIn":    3600,
			"profileArn":   "arn:aws:test",
		})
	}))
	defer server.Close()

	d, st := newTestDriver(t, testClient(server))

	sess, _, err := d.StartSocial(context.Background(), "google", "us-east-1")
	if err != nil {
		t.Fatalf("StartSocial: %v", err)
	}

	var payload socialPayload
	if err := json.Unmarshal([]byte(sess.PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	if err := d.CompleteSocialCallback(context.Background(), "auth-code", payload.State, ""); err != nil {
		t.Fatalf("CompleteSocialCallback: %v", err)
	}

	got, err := st.GetOAuthSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != store.SessionCompleted {
		t.Fatalf("expected completed session, got %q", got.Status)
	}
	if got.Credentials == nil || got.Credentials.AccessToken != "sess-access" {
		t.Fatalf("expected exchanged credentials attached, got %+v", got.Credentials)
	}
}

func TestCompleteSocialCallbackRejectsUnknownState(t *testing.T) {
	d, _ := newTestDriver(t, http.DefaultClient)

	if err := d.CompleteSocialCallback(context.Background(), "code", "never-registered", ""); err == nil {
		t.Fatal("expected an error for an unregistered oauth state")
	}
}

func TestCompleteSocialCallbackPropagatesProviderError(t *testing.T) {
	d, st := newTestDriver(t, http.DefaultClient)

	sess, _, err := d.StartSocial(context.Background(), "google", "us-east-1")
	if err != nil {
		t.Fatalf("StartSocial: %v", err)
	}
	var payload socialPayload
	if err := json.Unmarshal([]byte(sess.PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	if err := d.CompleteSocialCallback(context.Background(), "", payload.State, "access_denied"); err != nil {
		t.Fatalf("CompleteSocialCallback: %v", err)
	}

	got, err := st.GetOAuthSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != store.SessionError || got.Error != "access_denied" {
		t.Fatalf("expected error status with the oauth error recorded, got %+v", got)
	}
}

func TestStartBuilderIDDeviceCodeCompletesAfterPendingPoll(t *testing.T) {
	polled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			json.NewEncoder(w).Encode(map[string]string{"clientId": "cid", "clientSecret": "csecret"})
		case "/device_authorization":
			json.NewEncoder(w).Encode(map[string]any{
				"deviceCode": "devcode", "userCode": "ABCD-EFGH",
				"verificationUriComplete": "https://example.com/verify", "expiresIn": 600, "interval": 1,
			})
		case "/token":
			if !polled {
				polled = true
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"accessToken": "dev-access", "refreshToken": "dev-refresh", "expiresIn": 3600})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	d, st := newTestDriver(t, testClient(server))

	start, err := d.StartBuilderID(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("StartBuilderID: %v", err)
	}
	if start.UserCode != "ABCD-EFGH" {
		t.Fatalf("expected user code to be surfaced, got %q", start.UserCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetOAuthSession(context.Background(), start.Session.ID)
		if err != nil {
			t.Fatalf("GetOAuthSession: %v", err)
		}
		if got.Status == store.SessionCompleted {
			if got.Credentials == nil || got.Credentials.AccessToken != "dev-access" {
				t.Fatalf("expected device-code credentials, got %+v", got.Credentials)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for device-code session to complete")
}

func TestCancelSessionAbortsPollAndMarksCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			json.NewEncoder(w).Encode(map[string]string{"clientId": "cid", "clientSecret": "csecret"})
		case "/device_authorization":
			json.NewEncoder(w).Encode(map[string]any{
				"deviceCode": "devcode", "userCode": "WXYZ-1234",
				"verificationUriComplete": "https://example.com/verify", "expiresIn": 600, "interval": 30,
			})
		case "/token":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	d, st := newTestDriver(t, testClient(server))

	start, err := d.StartBuilderID(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("StartBuilderID: %v", err)
	}

	if err := d.CancelSession(context.Background(), start.Session.ID); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}

	got, err := st.GetOAuthSession(context.Background(), start.Session.ID)
	if err != nil {
		t.Fatalf("GetOAuthSession: %v", err)
	}
	if got.Status != store.SessionCancelled {
		t.Fatalf("expected cancelled status, got %q", got.Status)
	}
}
