package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/kiro-gateway/internal/crypto"
)

const apiKeyPrefix = "kp_"

// GenerateAPIKey produces a "kp_" + 32 url-safe-character plaintext key
// (spec §6). Plaintext is never persisted — only its hash.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// CreateAPIKey mints a new key, returning the plaintext exactly once.
func (s *Store) CreateAPIKey(ctx context.Context, box *crypto.Box, name string, userID *string, dailyLimit int64) (plaintext string, key APIKey, err error) {
	plaintext, err = GenerateAPIKey()
	if err != nil {
		return "", APIKey{}, err
	}

	key = APIKey{
		ID:            uuid.NewString(),
		KeyHash:       box.HashAPIKey(plaintext),
		KeyPrefix:     displayPrefix(plaintext),
		Name:          name,
		UserID:        userID,
		DailyLimit:    dailyLimit,
		LastResetDate: todayString(),
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, name, user_id, daily_limit, today_usage, total_usage, last_reset_date, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, 1, ?)
	`, key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.UserID, key.DailyLimit, key.LastResetDate, formatTime(key.CreatedAt))
	if err != nil {
		return "", APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return plaintext, key, nil
}

// ValidateAPIKey looks up plaintext, enforces daily rollover, and reports
// whether the key has exceeded its daily limit (spec §4.A, Testable
// Properties "Round-trip API key" and "Daily rollover").
func (s *Store) ValidateAPIKey(ctx context.Context, box *crypto.Box, plaintext string) (*APIKey, bool, error) {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		return nil, false, nil
	}
	hash := box.HashAPIKey(plaintext)

	key, err := s.apiKeyByHash(ctx, hash)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !key.IsActive {
		return nil, false, nil
	}

	today := todayString()
	if key.LastResetDate != today {
		key.TodayUsage = 0
		key.LastResetDate = today
		if _, err := s.db.ExecContext(ctx, `
			UPDATE api_keys SET today_usage = 0, last_reset_date = ? WHERE id = ?
		`, today, key.ID); err != nil {
			return nil, false, fmt.Errorf("rollover api key: %w", err)
		}
	}

	exceeded := key.DailyLimit > 0 && key.TodayUsage >= key.DailyLimit
	return key, exceeded, nil
}

// RecordUsage increments usage counters and last_used_at (best-effort, not
// transactional with the upstream call, per spec §4.J step 5).
func (s *Store) RecordUsage(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET today_usage = today_usage + 1, total_usage = total_usage + 1, last_used_at = ?
		WHERE id = ?
	`, now, id)
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, key_prefix, name, user_id, daily_limit, today_usage, total_usage, last_reset_date, is_active, last_used_at, created_at
		FROM api_keys ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

func (s *Store) apiKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, name, user_id, daily_limit, today_usage, total_usage, last_reset_date, is_active, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?
	`, hash)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (APIKey, error) {
	var k APIKey
	var userID sql.NullString
	var lastUsedAt sql.NullString
	var createdAt string
	var isActive int

	err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &userID, &k.DailyLimit,
		&k.TodayUsage, &k.TotalUsage, &k.LastResetDate, &isActive, &lastUsedAt, &createdAt)
	if err != nil {
		return APIKey{}, err
	}
	if userID.Valid {
		k.UserID = &userID.String
	}
	k.IsActive = isActive != 0
	if lastUsedAt.Valid {
		if t, err := parseTime(lastUsedAt.String); err == nil {
			k.LastUsedAt = &t
		}
	}
	if t, err := parseTime(createdAt); err == nil {
		k.CreatedAt = t
	}
	return k, nil
}

func displayPrefix(plaintext string) string {
	if len(plaintext) <= 12 {
		return plaintext + "..."
	}
	return plaintext[:12] + "..."
}

func todayString() string {
	return time.Now().UTC().Format("2006-01-02")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
