package oauthdriver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yansir/kiro-gateway/internal/store"
)

// allowedRegions is the fixed allow-list Identity Center endpoints are
// validated against (spec §4.C "Identity Center endpoints are
// region-parameterized ... the region is validated against a fixed
// allow-list").
var allowedRegions = map[string]bool{
	"us-east-1": true, "us-west-2": true, "eu-west-1": true, "eu-central-1": true,
	"ap-southeast-1": true, "ap-southeast-2": true, "ap-northeast-1": true,
}

func ValidRegion(region string) bool { return allowedRegions[region] }

// ValidStartURL reports whether a user-provided Identity Center start URL
// has the expected shape (spec §4.C: "Start URL must parse as
// https://.../start").
func ValidStartURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	return strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/start")
}

// Driver runs the three interactive OAuth grant flows (spec §4.C).
type Driver struct {
	store    *store.Store
	client   *http.Client
	callback *callbackServer
	logger   *slog.Logger

	// activePolls tracks in-flight device-code poll loops by session ID so
	// CancelSession can abort one early (spec §5 "OAuth sessions support
	// explicit cancel").
	activePolls sync.Map // sessionID -> context.CancelFunc
}

func NewDriver(st *store.Store, client *http.Client, portStart, portEnd int, logger *slog.Logger) *Driver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{store: st, client: client, logger: logger}
	d.callback = newCallbackServer(portStart, portEnd, logger)
	d.callback.onCallback = func(code, state, oauthErr string) error {
		return d.CompleteSocialCallback(context.Background(), code, state, oauthErr)
	}
	return d
}

func (d *Driver) Close() error {
	return d.callback.Close(context.Background())
}

// builderIDStartURL is the shared start URL used for every Builder ID flow
// (spec §4.C: "the shared Builder-ID startUrl for Builder ID").
const builderIDStartURL = "https://view.awsapps.com/start"

func oidcBase(region string) string {
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", region)
}
