package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yansir/kiro-gateway/internal/store"
)

// redirectTransport rewrites every outbound request's scheme/host to point
// at a local httptest server, so refreshEndpoint's hardcoded AWS/Kiro URLs
// can be exercised without a real network call.
type redirectTransport struct {
	target *url.URL
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(server *httptest.Server) *http.Client {
	u, _ := url.Parse(server.URL)
	return &http.Client{Transport: &redirectTransport{target: u}}
}

func TestEnsureValidReturnsCachedCredentialsOutsideSafetyWindow(t *testing.T) {
	upstream := &store.Upstream{
		ID: "u1",
		Credentials: store.Credentials{
			AccessToken: "still-good",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	m := NewManager(nil, nil)

	got, err := m.EnsureValid(context.Background(), upstream, 10*time.Minute)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got.AccessToken != "still-good" {
		t.Fatalf("expected the cached token to be returned unchanged, got %q", got.AccessToken)
	}
}

func TestEnsureValidRefreshesWhenWithinSafetyWindow(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "refreshed", ExpiresIn: 3600})
	}))
	defer server.Close()

	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	upstream := &store.Upstream{
		Credentials: store.Credentials{
			AccessToken: "about-to-expire",
			AuthMethod:  store.AuthSocial,
			Region:      "us-east-1",
			ExpiresAt:   time.Now().Add(time.Minute),
		},
	}
	if err := st.CreateUpstream(context.Background(), upstream); err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}

	m := NewManager(st, testClient(server))
	got, err := m.EnsureValid(context.Background(), upstream, 10*time.Minute)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if got.AccessToken != "refreshed" {
		t.Fatalf("expected refreshed token, got %q", got.AccessToken)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 refresh call, got %d", calls)
	}
}

func TestRefreshKeepsOldRefreshTokenWhenResponseOmitsIt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "new-access", ExpiresIn: 3600})
	}))
	defer server.Close()

	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	upstream := &store.Upstream{
		Credentials: store.Credentials{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
			AuthMethod:   store.AuthSocial,
			Region:       "us-east-1",
		},
	}
	if err := st.CreateUpstream(context.Background(), upstream); err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}

	m := NewManager(st, testClient(server))
	got, err := m.Refresh(context.Background(), upstream)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.RefreshToken != "old-refresh" {
		t.Fatalf("expected refresh token to be retained, got %q", got.RefreshToken)
	}
	if got.AccessToken != "new-access" {
		t.Fatalf("expected access token replaced, got %q", got.AccessToken)
	}
}

func TestRefreshPersistsToStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(refreshResponse{AccessToken: "persisted-token", ExpiresIn: 60})
	}))
	defer server.Close()

	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	upstream := &store.Upstream{Credentials: store.Credentials{AuthMethod: store.AuthSocial, Region: "us-east-1"}}
	if err := st.CreateUpstream(context.Background(), upstream); err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}

	m := NewManager(st, testClient(server))
	if _, err := m.Refresh(context.Background(), upstream); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	reloaded, err := st.GetUpstream(context.Background(), upstream.ID)
	if err != nil {
		t.Fatalf("GetUpstream: %v", err)
	}
	if reloaded.Credentials.AccessToken != "persisted-token" {
		t.Fatalf("expected the refreshed token to be persisted, got %q", reloaded.Credentials.AccessToken)
	}
}

func TestRefreshPropagatesEndpointError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	upstream := &store.Upstream{Credentials: store.Credentials{AuthMethod: store.AuthSocial, Region: "us-east-1"}}
	if err := st.CreateUpstream(context.Background(), upstream); err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}

	m := NewManager(st, testClient(server))
	if _, err := m.Refresh(context.Background(), upstream); err == nil {
		t.Fatal("expected a non-2xx refresh response to produce an error")
	}
}

func TestRefreshUnknownAuthMethodErrors(t *testing.T) {
	st, err := store.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	upstream := &store.Upstream{Credentials: store.Credentials{AuthMethod: "bogus", Region: "us-east-1"}}
	if err := st.CreateUpstream(context.Background(), upstream); err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}

	m := NewManager(st, http.DefaultClient)
	if _, err := m.Refresh(context.Background(), upstream); err == nil {
		t.Fatal("expected an unknown auth method to error")
	}
}
