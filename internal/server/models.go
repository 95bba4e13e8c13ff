package server

import (
	"encoding/json"
	"net/http"

	"github.com/yansir/kiro-gateway/internal/dialect"
)

// modelsLaunchedAt is the fixed "created" timestamp exposed for every model
// (spec §6 GET /v1/models); the upstream assigns no real per-model epoch.
const modelsLaunchedAt = 1735689600 // 2025-01-01T00:00:00Z

// handleModels implements GET /v1/models (spec §6).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]any, 0, len(dialect.SupportedModels))
	for _, id := range dialect.SupportedModels {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  modelsLaunchedAt,
			"owned_by": "kiro-gateway",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}
