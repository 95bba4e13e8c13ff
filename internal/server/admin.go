package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yansir/kiro-gateway/internal/events"
	"github.com/yansir/kiro-gateway/internal/oauthdriver"
	"github.com/yansir/kiro-gateway/internal/store"
)

// adminAuthenticate gates the admin API behind a constant-time-compared
// bearer token (spec §6, grounded on the teacher's internal/auth.go admin
// token check).
func (s *Server) adminAuthenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !s.cfg.CompareAdminToken(token) {
			writeAdminError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

// apiKeyView is the admin-facing projection of store.APIKey: the hash never
// leaves the process.
type apiKeyView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	KeyPrefix     string     `json:"keyPrefix"`
	DailyLimit    int64      `json:"dailyLimit"`
	TodayUsage    int64      `json:"todayUsage"`
	TotalUsage    int64      `json:"totalUsage"`
	IsActive      bool       `json:"isActive"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func apiKeyToView(k store.APIKey) apiKeyView {
	return apiKeyView{
		ID: k.ID, Name: k.Name, KeyPrefix: k.KeyPrefix,
		DailyLimit: k.DailyLimit, TodayUsage: k.TodayUsage, TotalUsage: k.TotalUsage,
		IsActive: k.IsActive, LastUsedAt: k.LastUsedAt, CreatedAt: k.CreatedAt,
	}
}

// handleCreateAPIKey implements POST /admin/api-keys: mints a new key and
// returns its plaintext exactly once (spec §3 "the plaintext key is
// returned once, at creation, and never again").
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		DailyLimit *int64 `json:"dailyLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	dailyLimit := int64(-1)
	if req.DailyLimit != nil {
		dailyLimit = *req.DailyLimit
	}

	plaintext, key, err := s.store.CreateAPIKey(r.Context(), s.box, req.Name, nil, dailyLimit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"apiKey": plaintext,
		"key":    apiKeyToView(key),
	})
}

// handleListAPIKeys implements GET /admin/api-keys.
func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, apiKeyToView(k))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDeleteAPIKey implements DELETE /admin/api-keys/{id}.
func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteAPIKey(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upstreamView is the admin-facing projection of store.Upstream: the
// credential blob never leaves the process.
type upstreamView struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	Region        string    `json:"region"`
	AccountEmail  string    `json:"accountEmail"`
	AccountType   string    `json:"accountType"`
	AllowedModels []string  `json:"allowedModels,omitempty"`
	IsHealthy     bool      `json:"isHealthy"`
	IsDisabled    bool      `json:"isDisabled"`
	ErrorCount    int       `json:"errorCount"`
	UsageCount    int64     `json:"usageCount"`
	Quota         store.QuotaSnapshot `json:"quota"`
	CreatedAt     time.Time `json:"createdAt"`
}

func upstreamToView(u store.Upstream) upstreamView {
	return upstreamView{
		ID: u.ID, DisplayName: u.DisplayName, Region: u.Region,
		AccountEmail: u.AccountEmail, AccountType: string(u.AccountType),
		AllowedModels: u.AllowedModels, IsHealthy: u.IsHealthy, IsDisabled: u.IsDisabled,
		ErrorCount: u.ErrorCount, UsageCount: u.UsageCount, Quota: u.Quota, CreatedAt: u.CreatedAt,
	}
}

// handleListUpstreams implements GET /admin/upstreams.
func (s *Server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	upstreams, err := s.store.ListUpstreams(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to list upstreams")
		return
	}
	views := make([]upstreamView, 0, len(upstreams))
	for _, u := range upstreams {
		views = append(views, upstreamToView(u))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDeleteUpstream implements DELETE /admin/upstreams/{id}.
func (s *Server) handleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteUpstream(r.Context(), id); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to delete upstream")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncUpstreamQuota implements POST /admin/upstreams/{id}/sync-quota,
// an out-of-band trigger for the Quota Reconciler's per-upstream sync (spec
// §4.H), useful for refreshing quota state without waiting for the next
// scheduled interval.
func (s *Server) handleSyncUpstreamQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.store.GetUpstream(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "not_found", "upstream not found")
		return
	}
	if err := s.quota.SyncOne(r.Context(), u); err != nil {
		writeAdminError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	refreshed, err := s.store.GetUpstream(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to reload upstream")
		return
	}
	writeJSON(w, http.StatusOK, upstreamToView(*refreshed))
}

// handleStartOAuth implements POST /admin/oauth/start: begins one of the
// three interactive grant flows (spec §4.C). The social flow returns a
// browser URL to visit; the device-code flows return a user code plus
// verification URL for the operator to relay manually.
func (s *Server) handleStartOAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string `json:"type"` // "social", "builder-id", "identity-center"
		Provider string `json:"provider,omitempty"`
		Region   string `json:"region"`
		StartURL string `json:"startUrl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	switch req.Type {
	case "social":
		sess, authURL, err := s.oauth.StartSocial(r.Context(), req.Provider, req.Region)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "authUrl": authURL})
	case "builder-id":
		start, err := s.oauth.StartBuilderID(r.Context(), req.Region)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deviceCodeStartView(start))
	case "identity-center":
		if !oauthdriver.ValidRegion(req.Region) {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", "unsupported region")
			return
		}
		if !oauthdriver.ValidStartURL(req.StartURL) {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", "startUrl must be an https://.../start URL")
			return
		}
		start, err := s.oauth.StartIdentityCenter(r.Context(), req.Region, req.StartURL)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deviceCodeStartView(start))
	default:
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "type must be social, builder-id, or identity-center")
	}
}

// handleAdminLogs implements GET /admin/logs: the ring buffer's current
// contents, oldest first (matching LogHandler.Recent), optionally truncated
// to the last ?limit= lines. Falls back to an empty list if the configured
// slog.Handler isn't a *events.LogHandler (e.g. a custom logger in tests).
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	lines := []events.LogLine{}
	if lh, ok := s.logger.Handler().(*events.LogHandler); ok {
		lines = lh.Recent()
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(lines) {
			lines = lines[len(lines)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, lines)
}

func deviceCodeStartView(start *oauthdriver.DeviceCodeStart) map[string]any {
	return map[string]any{
		"sessionId":               start.Session.ID,
		"userCode":                start.UserCode,
		"verificationUriComplete": start.VerificationURIComplete,
		"expiresIn":               start.ExpiresIn,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
}
