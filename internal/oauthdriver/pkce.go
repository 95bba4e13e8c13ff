// Package oauthdriver implements the OAuth Driver (spec §4.C): the three
// interactive grant flows (browser+PKCE social, device-code Builder ID,
// device-code Identity Center), all producing Credentials consumable by the
// Credential Manager.
//
// Grounded on the teacher's internal/account/oauth.go (PKCE generation, auth
// URL construction, loopback callback pattern) and the other_examples file
// 764e2ea7_jholhewres-devclaw's provider-interface/flow-registry shape
// unifying PKCE and device-code grants under one driver.
package oauthdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/yansir/kiro-gateway/internal/store"
)

// socialPayload is the per-type payload persisted in OAuthSession.PayloadJSON
// for the social flow (spec §3 OAuthSession).
type socialPayload struct {
	Verifier    string `json:"verifier"`
	State       string `json:"state"`
	RedirectURI string `json:"redirectUri"`
	Provider    string `json:"provider"`
}

// StartSocial begins the browser+PKCE flow: generates verifier/challenge/
// state, starts the loopback callback server (once), and returns the
// authorization URL to display/open (spec §4.C "Social").
func (d *Driver) StartSocial(ctx context.Context, provider, region string) (*store.OAuthSession, string, error) {
	port, err := d.callback.ensureStarted()
	if err != nil {
		return nil, "", fmt.Errorf("start oauth callback listener: %w", err)
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/oauth/callback", port)

	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier() // same 32-byte-random/base64url shape the spec asks for

	cfg := &oauth2.Config{
		Endpoint:    oauth2.Endpoint{AuthURL: d.socialAuthBase(region) + "/authorize"},
		RedirectURL: redirectURI,
	}
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", provider),
	)

	payload, err := json.Marshal(socialPayload{Verifier: verifier, State: state, RedirectURI: redirectURI, Provider: provider})
	if err != nil {
		return nil, "", fmt.Errorf("marshal social payload: %w", err)
	}

	sess := &store.OAuthSession{
		Type:        store.SessionSocial,
		Provider:    provider,
		Region:      region,
		PayloadJSON: string(payload),
	}
	if err := d.store.CreateOAuthSession(ctx, sess); err != nil {
		return nil, "", err
	}

	d.callback.registerState(state, sess.ID)
	return sess, authURL, nil
}

// CompleteSocialCallback validates state and exchanges code+verifier for
// credentials (spec §4.C "Social", callback handler).
func (d *Driver) CompleteSocialCallback(ctx context.Context, code, state, oauthErr string) error {
	sessionID, ok := d.callback.lookupState(state)
	if !ok {
		return fmt.Errorf("unknown or expired oauth state")
	}
	defer d.callback.forgetState(state)

	if oauthErr != "" {
		return d.store.FailOAuthSession(ctx, sessionID, store.SessionError, oauthErr)
	}

	sess, err := d.store.GetOAuthSession(ctx, sessionID)
	if err != nil {
		return err
	}
	var payload socialPayload
	if err := json.Unmarshal([]byte(sess.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode social payload: %w", err)
	}
	if payload.State != state {
		_ = d.store.FailOAuthSession(ctx, sessionID, store.SessionError, "state mismatch")
		return fmt.Errorf("state mismatch")
	}

	creds, err := d.exchangeSocialCode(ctx, sess.Region, code, payload.Verifier, payload.RedirectURI)
	if err != nil {
		_ = d.store.FailOAuthSession(ctx, sessionID, store.SessionError, err.Error())
		return err
	}
	return d.store.CompleteOAuthSession(ctx, sessionID, creds)
}

type socialTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileARN   string `json:"profileArn"`
	IDToken      string `json:"idToken"`
}

// exchangeSocialCode POSTs a JSON body to the auth service's /oauth/token —
// matching the teacher's account/oauth.go exchangeCode exactly (a JSON API,
// not the RFC 6749 form-encoded exchange golang.org/x/oauth2's Config.Exchange
// performs), which is why this step is hand-rolled rather than delegated to
// the oauth2 package despite oauth2 supplying the PKCE/state/URL helpers above.
func (d *Driver) exchangeSocialCode(ctx context.Context, region, code, verifier, redirectURI string) (store.Credentials, error) {
	body, err := json.Marshal(map[string]string{
		"grantType":    "authorization_code",
		"code":         code,
		"redirectUri":  redirectURI,
		"codeVerifier": verifier,
	})
	if err != nil {
		return store.Credentials{}, err
	}

	url := d.socialAuthBase(region) + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return store.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.Credentials{}, err
	}
	if resp.StatusCode >= 300 {
		return store.Credentials{}, fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, truncate(raw, 300))
	}

	var tr socialTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return store.Credentials{}, fmt.Errorf("decode token response: %w", err)
	}

	if email, err := extractIDTokenEmail(tr.IDToken); err != nil {
		d.logger.Debug("id_token claim extraction failed", "error", err)
	} else if email != "" {
		d.logger.Info("social oauth completed", "region", region, "email", email)
	}

	return store.Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
		AuthMethod:   store.AuthSocial,
		Region:       region,
		ProfileARN:   tr.ProfileARN,
	}, nil
}

func (d *Driver) socialAuthBase(region string) string {
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev", region)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
