// Package config loads process-wide settings once at startup.
package config

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process-wide, loaded-once configuration (spec §3).
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	DBPath string `env:"DB_PATH" envDefault:"./kiro-gateway.db"`

	// EncryptionKey derives the credentials-blob cipher key (internal/crypto).
	EncryptionKey string `env:"ENCRYPTION_KEY"`
	// AdminToken gates the narrowed admin API (§6).
	AdminToken string `env:"ADMIN_TOKEN"`

	SessionExpireHours int `env:"SESSION_EXPIRE_HOURS" envDefault:"24"`

	// MaxErrorCount: consecutive upstream failures before is_healthy flips false.
	MaxErrorCount int `env:"MAX_ERROR_COUNT" envDefault:"3"`

	HealthCheckIntervalMinutes int `env:"HEALTH_CHECK_INTERVAL_MINUTES" envDefault:"5"`
	HealthRecoveryIntervalMinutes int `env:"HEALTH_RECOVERY_INTERVAL_MINUTES" envDefault:"30"`
	UsageSyncIntervalMinutes   int `env:"USAGE_SYNC_INTERVAL_MINUTES" envDefault:"10"`

	// TokenRefreshSafetyWindow: refresh proactively when expiresAt-now is
	// under this window (spec §4.B item 1, "safetyWindow (≈10 min)").
	TokenRefreshSafetyWindow time.Duration `env:"TOKEN_REFRESH_SAFETY_WINDOW" envDefault:"10m"`

	RequestMaxRetries int `env:"REQUEST_MAX_RETRIES" envDefault:"2"`
	// RequestBaseDelayMS is the base of the exponential backoff (base * 2^attempt).
	RequestBaseDelayMS int `env:"REQUEST_BASE_DELAY_MS" envDefault:"500"`

	// ProviderStrategy is the default Pool Selector strategy (§4.G); one of
	// lru, round_robin, least_usage, most_usage, oldest_first.
	ProviderStrategy string `env:"PROVIDER_STRATEGY" envDefault:"lru"`

	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT" envDefault:"300s"`
	MaxConnsPerUpstream    int           `env:"MAX_CONNS_PER_UPSTREAM" envDefault:"100"`
	OAuthCallbackPortStart int           `env:"OAUTH_CALLBACK_PORT_START" envDefault:"19876"`
	OAuthCallbackPortEnd   int           `env:"OAUTH_CALLBACK_PORT_END" envDefault:"19880"`
	OAuthSessionTTL        time.Duration `env:"OAUTH_SESSION_TTL" envDefault:"10m"`
	// OAuthSweepInterval: how often the OAuth session sweeper runs (spec §3
	// Lifecycles, §5 Timeouts "OAuth session sweeper deletes anything older
	// than 10 min").
	OAuthSweepInterval time.Duration `env:"OAUTH_SWEEP_INTERVAL" envDefault:"1m"`

	DefaultRegion string `env:"DEFAULT_REGION" envDefault:"us-east-1"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load parses Config from the process environment via struct tags.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	switch c.ProviderStrategy {
	case "lru", "round_robin", "least_usage", "most_usage", "oldest_first":
	default:
		return fmt.Errorf("invalid PROVIDER_STRATEGY: %q", c.ProviderStrategy)
	}
	return nil
}

// CompareAdminToken constant-time-compares a presented token against the
// configured admin token, matching the teacher's auth-middleware idiom.
func (c *Config) CompareAdminToken(presented string) bool {
	if c.AdminToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.AdminToken), []byte(presented)) == 1
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }
