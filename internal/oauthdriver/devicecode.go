package oauthdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yansir/kiro-gateway/internal/store"
)

// devicePayload is the per-type payload persisted in OAuthSession.PayloadJSON
// for both device-code flows (spec §3 OAuthSession).
type devicePayload struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	StartURL     string    `json:"startUrl"`
	DeviceCode   string    `json:"deviceCode"`
	UserCode     string    `json:"userCode"`
	Interval     int       `json:"intervalSeconds"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// DeviceCodeStart is what the caller needs to show the user.
type DeviceCodeStart struct {
	Session                 *store.OAuthSession
	UserCode                string
	VerificationURIComplete string
	ExpiresIn               int64
}

// StartBuilderID begins a Builder ID device-code flow against the shared
// Builder-ID start URL (spec §4.C "Device-code").
func (d *Driver) StartBuilderID(ctx context.Context, region string) (*DeviceCodeStart, error) {
	return d.startDeviceCode(ctx, store.SessionBuilderID, region, builderIDStartURL)
}

// StartIdentityCenter begins an Identity Center device-code flow against a
// user-provided start URL, validating region and URL shape first.
func (d *Driver) StartIdentityCenter(ctx context.Context, region, startURL string) (*DeviceCodeStart, error) {
	if !ValidRegion(region) {
		return nil, fmt.Errorf("region %q is not in the allow-list", region)
	}
	if !ValidStartURL(startURL) {
		return nil, fmt.Errorf("start url %q must parse as https://.../start", startURL)
	}
	return d.startDeviceCode(ctx, store.SessionIdentityCenter, region, startURL)
}

func (d *Driver) startDeviceCode(ctx context.Context, sessType store.OAuthSessionType, region, startURL string) (*DeviceCodeStart, error) {
	base := oidcBase(region)

	clientID, clientSecret, err := d.registerClient(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("register oidc client: %w", err)
	}

	da, err := d.requestDeviceAuthorization(ctx, base, clientID, clientSecret, startURL)
	if err != nil {
		return nil, fmt.Errorf("request device authorization: %w", err)
	}

	payload := devicePayload{
		ClientID: clientID, ClientSecret: clientSecret, StartURL: startURL,
		DeviceCode: da.DeviceCode, UserCode: da.UserCode,
		Interval:  da.Interval,
		ExpiresAt: time.Now().UTC().Add(time.Duration(da.ExpiresIn) * time.Second),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	sess := &store.OAuthSession{Type: sessType, Region: region, PayloadJSON: string(payloadJSON)}
	if err := d.store.CreateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}

	authMethod := store.AuthBuilderID
	if sessType == store.SessionIdentityCenter {
		authMethod = store.AuthIdC
	}
	d.pollDeviceCodeAsync(sess.ID, base, region, authMethod, payload)

	return &DeviceCodeStart{
		Session: sess, UserCode: da.UserCode,
		VerificationURIComplete: da.VerificationURIComplete, ExpiresIn: da.ExpiresIn,
	}, nil
}

type registerResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (d *Driver) registerClient(ctx context.Context, base string) (clientID, clientSecret string, err error) {
	body, _ := json.Marshal(map[string]string{
		"clientName": "kiro-gateway",
		"clientType": "public",
	})
	var rr registerResponse
	if err := d.postJSON(ctx, base+"/client/register", body, &rr); err != nil {
		return "", "", err
	}
	return rr.ClientID, rr.ClientSecret, nil
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int64  `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

func (d *Driver) requestDeviceAuthorization(ctx context.Context, base, clientID, clientSecret, startURL string) (*deviceAuthResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	})
	var da deviceAuthResponse
	if err := d.postJSON(ctx, base+"/device_authorization", body, &da); err != nil {
		return nil, err
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return &da, nil
}

type deviceTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	IDToken      string `json:"idToken"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// pollDeviceCodeAsync polls /token every interval seconds per spec §4.C,
// honoring authorization_pending / slow_down / terminal-error / deadline
// semantics, and runs until the session reaches a terminal state or ctx is
// cancelled via CancelSession.
func (d *Driver) pollDeviceCodeAsync(sessionID, base, region string, authMethod store.AuthMethod, payload devicePayload) {
	ctx, cancel := context.WithDeadline(context.Background(), payload.ExpiresAt)
	d.registerPoll(sessionID, cancel)

	go func() {
		defer cancel()
		defer d.forgetPoll(sessionID)

		interval := time.Duration(payload.Interval) * time.Second
		for {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					_ = d.store.FailOAuthSession(context.Background(), sessionID, store.SessionTimeout, "device code expired")
				}
				return
			case <-time.After(interval):
			}

			creds, pollErr, terminal := d.pollDeviceToken(ctx, base, region, authMethod, payload)
			if creds != nil {
				_ = d.store.CompleteOAuthSession(context.Background(), sessionID, *creds)
				return
			}
			if terminal {
				_ = d.store.FailOAuthSession(context.Background(), sessionID, store.SessionError, pollErr.Error())
				return
			}
			if isSlowDown(pollErr) {
				interval += 5 * time.Second
			}
		}
	}()
}

func (d *Driver) pollDeviceToken(ctx context.Context, base, region string, authMethod store.AuthMethod, payload devicePayload) (creds *store.Credentials, err error, terminal bool) {
	body, _ := json.Marshal(map[string]string{
		"clientId":     payload.ClientID,
		"clientSecret": payload.ClientSecret,
		"deviceCode":   payload.DeviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	})

	var tr deviceTokenResponse
	if httpErr := d.postJSON(ctx, base+"/token", body, &tr); httpErr != nil {
		return nil, httpErr, false
	}

	switch tr.Error {
	case "":
		if email, idErr := extractIDTokenEmail(tr.IDToken); idErr != nil {
			d.logger.Debug("id_token claim extraction failed", "error", idErr)
		} else if email != "" {
			d.logger.Info("device code oauth completed", "region", region, "email", email)
		}
		return &store.Credentials{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			ExpiresAt:    time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
			AuthMethod:   authMethod,
			Region:       region,
			StartURL:     payload.StartURL,
			ClientID:     payload.ClientID,
			ClientSecret: payload.ClientSecret,
		}, nil, false
	case "authorization_pending":
		return nil, fmt.Errorf("authorization_pending"), false
	case "slow_down":
		return nil, fmt.Errorf("slow_down"), false
	default:
		desc := tr.ErrorDesc
		if desc == "" {
			desc = tr.Error
		}
		return nil, fmt.Errorf("%s", desc), true
	}
}

func isSlowDown(err error) bool {
	return err != nil && err.Error() == "slow_down"
}

func (d *Driver) postJSON(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != 400 {
		// AWS SSO-OIDC reports authorization_pending/slow_down as 400 with a
		// JSON error body, which still needs decoding below.
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, truncate(raw, 300))
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (d *Driver) registerPoll(sessionID string, cancel context.CancelFunc) {
	d.activePolls.Store(sessionID, cancel)
}

func (d *Driver) forgetPoll(sessionID string) {
	d.activePolls.Delete(sessionID)
}

// CancelSession aborts any in-flight poll and deletes the session (spec §5
// Cancellation: "OAuth sessions support explicit cancel").
func (d *Driver) CancelSession(ctx context.Context, sessionID string) error {
	if v, ok := d.activePolls.Load(sessionID); ok {
		v.(context.CancelFunc)()
		d.activePolls.Delete(sessionID)
	}
	return d.store.FailOAuthSession(ctx, sessionID, store.SessionCancelled, "cancelled by caller")
}
