// Package server implements the Request Front-End (spec §4.J): HTTP routing,
// API-key authentication, and the inbound-dialect → canonical →
// upstream → outbound-dialect request pipeline.
//
// Grounded on the teacher's internal/auth/auth.go middleware shape and
// internal/server/server.go's route registration / graceful-shutdown
// texture, generalized from the teacher's single Anthropic passthrough route
// to the gateway's two dialects plus the model-list and health routes spec
// §6 names.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
)

type contextKey string

const apiKeyContextKey contextKey = "apiKey"

// extractAPIKey pulls the caller's key from, in order, the Authorization
// bearer header, x-api-key, or the api_key query parameter (spec §4.J step 1).
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// authenticate validates the caller's API key and attaches it to the request
// context, rendering a dialect-appropriate error on failure (spec §4.J
// steps 1-2). render picks the outbound dialect's error shape for a route.
func (s *Server) authenticate(render renderErrorFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plaintext := extractAPIKey(r)
		if plaintext == "" {
			writeClassified(w, render, relayerr.New(relayerr.KindMissingAPIKey, http.StatusUnauthorized, "missing API key"))
			return
		}

		key, exceeded, err := s.store.ValidateAPIKey(r.Context(), s.box, plaintext)
		if err != nil {
			writeClassified(w, render, relayerr.New(relayerr.KindInvalidAPIKey, http.StatusUnauthorized, "authentication failed"))
			return
		}
		if key == nil {
			writeClassified(w, render, relayerr.New(relayerr.KindInvalidAPIKey, http.StatusUnauthorized, "invalid API key"))
			return
		}
		if exceeded {
			writeClassified(w, render, relayerr.New(relayerr.KindDailyLimitExceeded, http.StatusTooManyRequests, "daily limit exceeded"))
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next(w, r.WithContext(ctx))
	}
}

func apiKeyFromContext(ctx context.Context) *store.APIKey {
	k, _ := ctx.Value(apiKeyContextKey).(*store.APIKey)
	return k
}

// renderErrorFunc renders a classified error into a dialect's wire shape
// (relayerr.RenderOpenAI or relayerr.RenderAnthropic).
type renderErrorFunc func(*relayerr.Error) (int, []byte)

func writeClassified(w http.ResponseWriter, render renderErrorFunc, e *relayerr.Error) {
	status, body := render(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
