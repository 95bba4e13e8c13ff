package oauthdriver

import (
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// idTokenClaims is the handful of standard claims this driver cares about.
type idTokenClaims struct {
	Email   string `json:"email"`
	Subject string `json:"sub"`
}

// extractIDTokenEmail pulls the email claim out of an optional id_token some
// social/IdC token responses include alongside the access/refresh tokens
// (spec §4.C: token responses "may carry an id_token"). The token is only
// ever read here, never verified against the issuer's signing key, since its
// sole purpose is a best-effort account-email hint that the OAuth flows
// write to the log — the access/refresh tokens remain the actual credential.
func extractIDTokenEmail(rawIDToken string) (string, error) {
	if rawIDToken == "" {
		return "", nil
	}
	sig, err := jose.ParseSigned(rawIDToken, []jose.SignatureAlgorithm{
		jose.RS256, jose.ES256, jose.PS256,
	})
	if err != nil {
		return "", fmt.Errorf("parse id_token: %w", err)
	}
	if len(sig.Signatures) == 0 {
		return "", fmt.Errorf("id_token has no signature")
	}
	payload := sig.UnsafePayloadWithoutVerification()

	var claims idTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("decode id_token claims: %w", err)
	}
	return claims.Email, nil
}
