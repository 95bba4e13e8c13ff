// Package credential implements the Credential Manager (spec §4.B): it
// holds per-upstream token material, refreshes on expiry, and persists
// rotated tokens, with concurrent refreshes for the same upstream coalesced.
//
// Grounded on the teacher's internal/account/token.go (EnsureValidToken
// shape, refresh-then-retry flow) generalized from the teacher's single
// Claude refresh endpoint to the three authMethod-dispatched endpoints
// spec §4.B names, and from a store-backed distributed lock to an in-process
// singleflight (see DESIGN.md for why the distributed form was dropped).
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yansir/kiro-gateway/internal/metrics"
	"github.com/yansir/kiro-gateway/internal/store"
)

type Manager struct {
	store  *store.Store
	client *http.Client
	sf     *singleflight
}

func NewManager(st *store.Store, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{store: st, client: client, sf: newSingleflight()}
}

// EnsureValid returns credentials for upstream that are not about to expire,
// refreshing first if necessary (spec §4.B item 1).
func (m *Manager) EnsureValid(ctx context.Context, upstream *store.Upstream, safetyWindow time.Duration) (store.Credentials, error) {
	if time.Until(upstream.Credentials.ExpiresAt) >= safetyWindow {
		return upstream.Credentials, nil
	}
	return m.Refresh(ctx, upstream)
}

// Refresh forces a refresh regardless of expiry (used by the Upstream
// Client's refresh-once-and-retry path on an HTTP 403, spec §4.F retry
// policy item "on HTTP 403 once: force a token refresh and retry").
func (m *Manager) Refresh(ctx context.Context, upstream *store.Upstream) (store.Credentials, error) {
	fresh, err := m.sf.Do(upstream.ID, func() (store.Credentials, error) {
		fresh, err := m.refreshEndpoint(ctx, upstream.Credentials)
		if err != nil {
			return upstream.Credentials, fmt.Errorf("refresh upstream %s: %w", upstream.ID, err)
		}
		if err := m.store.UpdateCredentials(ctx, upstream.ID, fresh); err != nil {
			return fresh, fmt.Errorf("persist refreshed credentials: %w", err)
		}
		upstream.Credentials = fresh
		return fresh, nil
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.UpstreamRefreshes.WithLabelValues(upstream.ID, outcome).Inc()
	return fresh, err
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileARN   string `json:"profileArn"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// refreshEndpoint dispatches by authMethod to the correct refresh endpoint
// (spec §4.B item 2).
func (m *Manager) refreshEndpoint(ctx context.Context, creds store.Credentials) (store.Credentials, error) {
	var (
		url  string
		body []byte
		err  error
	)
	switch creds.AuthMethod {
	case store.AuthSocial:
		url = fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", creds.Region)
		body, err = json.Marshal(map[string]string{"refreshToken": creds.RefreshToken})
	case store.AuthBuilderID, store.AuthIdC:
		url = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", creds.Region)
		body, err = json.Marshal(map[string]string{
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
			"refreshToken": creds.RefreshToken,
			"grantType":    "refresh_token",
		})
	default:
		return creds, fmt.Errorf("unknown auth method %q", creds.AuthMethod)
	}
	if err != nil {
		return creds, fmt.Errorf("encode refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return creds, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return creds, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return creds, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return creds, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 500))
	}

	var rr refreshResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return creds, fmt.Errorf("decode refresh response: %w", err)
	}

	// spec §4.B item 3: accessToken always replaced; refreshToken kept when
	// the response omits it (Open Question ii); profileArn only for social.
	next := creds
	next.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		next.RefreshToken = rr.RefreshToken
	}
	if creds.AuthMethod == store.AuthSocial && rr.ProfileARN != "" {
		next.ProfileARN = rr.ProfileARN
	}
	if rr.ExpiresIn > 0 {
		next.ExpiresAt = time.Now().UTC().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}
	return next, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
