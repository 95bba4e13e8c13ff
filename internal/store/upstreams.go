package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Strategy is the Pool Selector's ordering policy (spec §3 Config, §4.G).
type Strategy string

const (
	StrategyLRU         Strategy = "lru"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastUsage  Strategy = "least_usage"
	StrategyMostUsage   Strategy = "most_usage"
	StrategyOldestFirst Strategy = "oldest_first"
)

// strategyOrderBy implements the ordering table in spec §4.G directly in
// SQL. Remaining quota (quota_limit - quota_used) is computed inline;
// undefined limits (quota_limit = 0) are coalesced to the sentinel values
// §4.G specifies: 999999 for least_usage (so unknown-quota upstreams sort
// last), 0 for most_usage (so they sort last there too).
func strategyOrderBy(s Strategy) string {
	switch s {
	case StrategyRoundRobin:
		return `usage_count ASC, id ASC`
	case StrategyLeastUsage:
		return `(CASE WHEN quota_limit > 0 THEN quota_limit - quota_used ELSE 999999 END) ASC, id ASC`
	case StrategyMostUsage:
		return `(CASE WHEN quota_limit > 0 THEN quota_limit - quota_used ELSE 0 END) DESC, id ASC`
	case StrategyOldestFirst:
		return `created_at ASC, id ASC`
	case StrategyLRU:
		fallthrough
	default:
		return `last_used_at ASC NULLS FIRST, usage_count ASC, id ASC`
	}
}

const upstreamColumns = `
	id, uuid, display_name, region, credentials, account_email, account_type, allowed_models,
	is_healthy, is_disabled, error_count, last_error_time, last_error_message, last_used_at,
	usage_count, check_health, quota_used, quota_limit, quota_percent, quota_exhausted,
	cached_usage_data, last_usage_sync, last_health_check, created_at, updated_at
`

// CreateUpstream inserts a new pooled identity, produced by OAuth completion
// or manual import (spec §3 Lifecycles).
func (s *Store) CreateUpstream(ctx context.Context, u *Upstream) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	if !u.IsHealthy {
		u.IsHealthy = true // new upstreams start healthy
	}

	credJSON, err := json.Marshal(u.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	allowedJSON, err := marshalAllowedModels(u.AllowedModels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upstreams (
			id, uuid, display_name, region, credentials, account_email, account_type, allowed_models,
			is_healthy, is_disabled, error_count, last_error_message, usage_count, check_health,
			quota_used, quota_limit, quota_percent, quota_exhausted, cached_usage_data,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?, 0, 0, 0, 0, '', ?, ?)
	`, u.ID, u.UUID, u.DisplayName, u.Region, string(credJSON), u.AccountEmail, string(u.AccountType),
		allowedJSON, boolInt(u.IsHealthy), boolInt(u.IsDisabled), boolInt(u.CheckHealth),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert upstream: %w", err)
	}
	return nil
}

func (s *Store) GetUpstream(ctx context.Context, id string) (*Upstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUpstreams(ctx context.Context) ([]Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id = ?`, id)
	return err
}

// SelectEligibleUpstreams applies the eligibility predicate, optionally
// filters by model, and orders per strategy (spec §4.A, §4.G).
//
// ignoreExhausted supports the Pool Selector's fallback path in §4.G's
// Acquire: "if no candidate exists, fall back to the eligibility set
// ignoring the exhausted flag".
func (s *Store) SelectEligibleUpstreams(ctx context.Context, strategy Strategy, model string, ignoreExhausted bool) ([]Upstream, error) {
	where := `is_healthy = 1 AND is_disabled = 0`
	if !ignoreExhausted {
		where += ` AND quota_exhausted = 0`
	}
	query := `SELECT ` + upstreamColumns + ` FROM upstreams WHERE ` + where + ` ORDER BY ` + strategyOrderBy(strategy)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select eligible upstreams: %w", err)
	}
	defer rows.Close()

	var out []Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		if model == "" || u.AllowsModel(model) {
			out = append(out, u)
		}
	}
	return out, rows.Err()
}

// MarkUpstreamUnhealthy increments error_count and flips is_healthy once the
// count reaches maxErrorCount (spec §4.A, §8 "Breaker trip").
func (s *Store) MarkUpstreamUnhealthy(ctx context.Context, id string, errMsg string, maxErrorCount int) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE upstreams SET
			error_count = error_count + 1,
			last_error_time = ?,
			last_error_message = ?,
			is_healthy = CASE WHEN error_count + 1 >= ? THEN 0 ELSE is_healthy END,
			updated_at = ?
		WHERE id = ?
	`, now, errMsg, maxErrorCount, now, id)
	return err
}

// MarkUpstreamHealthy resets error_count and restores health (spec §4.A,
// §8 "Breaker trip": a single ReportSuccess resets to healthy).
func (s *Store) MarkUpstreamHealthy(ctx context.Context, id string, resetUsage bool) error {
	now := formatTime(time.Now().UTC())
	query := `
		UPDATE upstreams SET
			error_count = 0,
			last_error_time = NULL,
			last_error_message = '',
			is_healthy = 1,
			updated_at = ?
	`
	if resetUsage {
		query += `, usage_count = 0`
	}
	query += ` WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, now, id)
	return err
}

// TouchUsage records a pool selection: last_used_at = now, usage_count += 1
// (spec §4.G Acquire).
func (s *Store) TouchUsage(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE upstreams SET last_used_at = ?, usage_count = usage_count + 1, updated_at = ? WHERE id = ?
	`, now, now, id)
	return err
}

// UpdateCredentials persists a rotated credential blob (Credential Manager,
// spec §4.B step 3; Pool Selector, spec §4.G "persist the new credential
// snapshot back to the Store").
func (s *Store) UpdateCredentials(ctx context.Context, id string, creds Credentials) error {
	credJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	now := formatTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		UPDATE upstreams SET credentials = ?, updated_at = ? WHERE id = ?
	`, string(credJSON), now, id)
	return err
}

// UpdateQuota writes a fresh quota snapshot (spec §4.H).
func (s *Store) UpdateQuota(ctx context.Context, id string, q QuotaSnapshot, accountEmail string, accountType AccountType, rawUsage string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE upstreams SET
			quota_used = ?, quota_limit = ?, quota_percent = ?, quota_exhausted = ?,
			account_email = CASE WHEN ? <> '' THEN ? ELSE account_email END,
			account_type = ?,
			cached_usage_data = ?,
			last_usage_sync = ?,
			updated_at = ?
		WHERE id = ?
	`, q.Used, q.Limit, q.Percent, boolInt(q.Exhausted), accountEmail, accountEmail, string(accountType),
		rawUsage, formatTime(now), formatTime(now), id)
	return err
}

// UpdateHealthCheck records a health-probe outcome (spec §4.I).
func (s *Store) UpdateHealthCheck(ctx context.Context, id string, t time.Time) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE upstreams SET last_health_check = ?, updated_at = ? WHERE id = ?
	`, formatTime(t), now, id)
	return err
}

// UpstreamsDueForQuotaSync returns upstreams whose last_usage_sync is null
// or older than interval (spec §4.H).
func (s *Store) UpstreamsDueForQuotaSync(ctx context.Context, interval time.Duration) ([]Upstream, error) {
	cutoff := formatTime(time.Now().UTC().Add(-interval))
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+upstreamColumns+` FROM upstreams
		WHERE is_disabled = 0 AND (last_usage_sync IS NULL OR last_usage_sync < ?)
		ORDER BY id ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpstreamsForHealthCheck returns upstreams with check_health set and not disabled.
func (s *Store) UpstreamsForHealthCheck(ctx context.Context, onlyUnhealthy bool) ([]Upstream, error) {
	query := `SELECT ` + upstreamColumns + ` FROM upstreams WHERE check_health = 1 AND is_disabled = 0`
	if onlyUnhealthy {
		query += ` AND is_healthy = 0`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUpstream(row rowScanner) (Upstream, error) {
	var u Upstream
	var credJSON, allowedModels sql.NullString
	var lastErrorTime, lastUsedAt, lastUsageSync, lastHealthCheck sql.NullString
	var isHealthy, isDisabled, checkHealth, quotaExhausted int
	var accountType string
	var createdAt, updatedAt string

	err := row.Scan(
		&u.ID, &u.UUID, &u.DisplayName, &u.Region, &credJSON, &u.AccountEmail, &accountType, &allowedModels,
		&isHealthy, &isDisabled, &u.ErrorCount, &lastErrorTime, &u.LastErrorMsg, &lastUsedAt,
		&u.UsageCount, &checkHealth, &u.Quota.Used, &u.Quota.Limit, &u.Quota.Percent, &quotaExhausted,
		&u.CachedUsageRaw, &lastUsageSync, &lastHealthCheck, &createdAt, &updatedAt,
	)
	if err != nil {
		return Upstream{}, err
	}

	u.AccountType = AccountType(accountType)
	u.IsHealthy = isHealthy != 0
	u.IsDisabled = isDisabled != 0
	u.CheckHealth = checkHealth != 0
	u.Quota.Exhausted = quotaExhausted != 0

	if credJSON.Valid && credJSON.String != "" {
		_ = json.Unmarshal([]byte(credJSON.String), &u.Credentials)
	}
	u.AllowedModels = unmarshalAllowedModels(allowedModels)

	if lastErrorTime.Valid {
		if t, err := parseTime(lastErrorTime.String); err == nil {
			u.LastErrorTime = &t
		}
	}
	if lastUsedAt.Valid {
		if t, err := parseTime(lastUsedAt.String); err == nil {
			u.LastUsedAt = &t
		}
	}
	if lastUsageSync.Valid {
		if t, err := parseTime(lastUsageSync.String); err == nil {
			u.LastUsageSync = &t
		}
	}
	if lastHealthCheck.Valid {
		if t, err := parseTime(lastHealthCheck.String); err == nil {
			u.LastHealthCheck = &t
		}
	}
	if t, err := parseTime(createdAt); err == nil {
		u.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		u.UpdatedAt = t
	}
	return u, nil
}

// marshalAllowedModels stores nil as SQL NULL ("all models allowed").
func marshalAllowedModels(models []string) (any, error) {
	if models == nil {
		return nil, nil
	}
	b, err := json.Marshal(models)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_models: %w", err)
	}
	return string(b), nil
}

// unmarshalAllowedModels fails open on a parse error (spec §3 invariant):
// a malformed allow-list is treated as "all models allowed".
func unmarshalAllowedModels(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var models []string
	if err := json.Unmarshal([]byte(v.String), &models); err != nil {
		return nil
	}
	return models
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
