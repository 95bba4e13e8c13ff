package store

import "time"

// AccountType classifies an Upstream's subscription tier (spec §3, §4.H).
type AccountType string

const (
	AccountFree    AccountType = "FREE"
	AccountPro     AccountType = "PRO"
	AccountUnknown AccountType = "UNKNOWN"
)

// AuthMethod identifies which OAuth grant produced an Upstream's credentials.
type AuthMethod string

const (
	AuthSocial    AuthMethod = "social"
	AuthBuilderID AuthMethod = "builder-id"
	AuthIdC       AuthMethod = "IdC"
)

// Credentials is the blob held inside Upstream.credentials, opaque to most
// components and updated only by the Credential Manager (spec §3).
type Credentials struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	AuthMethod   AuthMethod `json:"authMethod"`
	Region       string     `json:"region"`
	StartURL     string     `json:"startUrl,omitempty"`
	SSORegion    string     `json:"ssoRegion,omitempty"`
	ProfileARN   string     `json:"profileArn,omitempty"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
}

// APIKey is an inbound caller credential (spec §3).
type APIKey struct {
	ID            string
	KeyHash       string
	KeyPrefix     string
	Name          string
	UserID        *string
	DailyLimit    int64 // -1 = unlimited
	TodayUsage    int64
	TotalUsage    int64
	LastResetDate string // YYYY-MM-DD
	IsActive      bool
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}

// QuotaSnapshot is the cached view of an upstream's remaining quota.
type QuotaSnapshot struct {
	Used      int64
	Limit     int64
	Percent   float64
	Exhausted bool
}

// Upstream is one pooled OAuth identity (spec §3).
type Upstream struct {
	ID             string
	UUID           string
	DisplayName    string
	Region         string
	Credentials    Credentials
	AccountEmail   string
	AccountType    AccountType
	AllowedModels  []string // nil = all models allowed
	IsHealthy      bool
	IsDisabled     bool
	ErrorCount     int
	LastErrorTime  *time.Time
	LastErrorMsg   string
	LastUsedAt     *time.Time
	UsageCount     int64
	CheckHealth    bool
	Quota          QuotaSnapshot
	CachedUsageRaw string
	LastUsageSync  *time.Time
	LastHealthCheck *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Eligible reports whether an upstream is eligible for selection (spec §3 invariants).
func (u *Upstream) Eligible() bool {
	return u.IsHealthy && !u.IsDisabled && !u.Quota.Exhausted
}

// AllowsModel reports whether the upstream accepts the given model id,
// fail-open on a nil/empty allow-list per spec §3.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// RemainingQuota computes limit-used, the ordering key for least_usage/most_usage.
func (u *Upstream) RemainingQuota() (remaining int64, known bool) {
	if u.Quota.Limit <= 0 {
		return 0, false
	}
	return u.Quota.Limit - u.Quota.Used, true
}

// OAuthSessionType enumerates the three grant flows (spec §4.C).
type OAuthSessionType string

const (
	SessionSocial         OAuthSessionType = "social"
	SessionBuilderID      OAuthSessionType = "builder-id"
	SessionIdentityCenter OAuthSessionType = "identity-center"
)

// OAuthSessionStatus enumerates an in-progress grant's lifecycle (spec §3).
type OAuthSessionStatus string

const (
	SessionPending   OAuthSessionStatus = "pending"
	SessionCompleted OAuthSessionStatus = "completed"
	SessionError     OAuthSessionStatus = "error"
	SessionExpired   OAuthSessionStatus = "expired"
	SessionCancelled OAuthSessionStatus = "cancelled"
	SessionTimeout   OAuthSessionStatus = "timeout"
)

// OAuthSession is transient state for an in-progress interactive grant (spec §3).
type OAuthSession struct {
	ID          string
	Type        OAuthSessionType
	Provider    string // google|github, social only
	Region      string
	Status      OAuthSessionStatus
	Error       string
	PayloadJSON string // per-type fields: PKCE verifier/state/redirectUri, or device-code fields
	Credentials *Credentials
	CreatedAt   time.Time
}
