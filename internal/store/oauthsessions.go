package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sweepAge is the hard cap on an in-progress OAuth grant (spec §3 Lifecycles,
// §5 Timeouts: "OAuth session sweeper deletes anything older than 10 min").
const sweepAge = 10 * time.Minute

// CreateOAuthSession starts a new grant in the pending state.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *OAuthSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.Status = SessionPending
	sess.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_sessions (id, type, provider, region, status, error, payload_json, credentials, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?, NULL, ?)
	`, sess.ID, string(sess.Type), sess.Provider, sess.Region, string(sess.Status), sess.PayloadJSON, formatTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert oauth session: %w", err)
	}
	return nil
}

func (s *Store) GetOAuthSession(ctx context.Context, id string) (*OAuthSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, provider, region, status, error, payload_json, credentials, created_at
		FROM oauth_sessions WHERE id = ?
	`, id)
	sess, err := scanOAuthSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateOAuthSessionPayload overwrites the per-type payload (e.g. advancing a
// device-code poll interval).
func (s *Store) UpdateOAuthSessionPayload(ctx context.Context, id, payloadJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_sessions SET payload_json = ? WHERE id = ?`, payloadJSON, id)
	return err
}

// CompleteOAuthSession transitions a session to completed and attaches the
// resulting credentials (spec §4.C).
func (s *Store) CompleteOAuthSession(ctx context.Context, id string, creds Credentials) error {
	credJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE oauth_sessions SET status = ?, credentials = ? WHERE id = ?
	`, string(SessionCompleted), string(credJSON), id)
	return err
}

// FailOAuthSession transitions to a terminal failure state with a description.
func (s *Store) FailOAuthSession(ctx context.Context, id string, status OAuthSessionStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE oauth_sessions SET status = ?, error = ? WHERE id = ?
	`, string(status), errMsg, id)
	return err
}

func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id = ?`, id)
	return err
}

// SweepExpiredOAuthSessions deletes sessions older than the 10-minute hard
// cap (spec §3 Lifecycles, §5 Timeouts).
func (s *Store) SweepExpiredOAuthSessions(ctx context.Context) (int64, error) {
	cutoff := formatTime(time.Now().UTC().Add(-sweepAge))
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOAuthSession(row rowScanner) (OAuthSession, error) {
	var sess OAuthSession
	var typ, status string
	var credJSON sql.NullString
	var createdAt string

	err := row.Scan(&sess.ID, &typ, &sess.Provider, &sess.Region, &status, &sess.Error,
		&sess.PayloadJSON, &credJSON, &createdAt)
	if err != nil {
		return OAuthSession{}, err
	}

	sess.Type = OAuthSessionType(typ)
	sess.Status = OAuthSessionStatus(status)
	if credJSON.Valid && credJSON.String != "" {
		var creds Credentials
		if err := json.Unmarshal([]byte(credJSON.String), &creds); err == nil {
			sess.Credentials = &creds
		}
	}
	if t, err := parseTime(createdAt); err == nil {
		sess.CreatedAt = t
	}
	return sess, nil
}
