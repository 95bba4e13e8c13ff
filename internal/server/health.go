package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth implements GET /health (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "error", "timestamp": time.Now().UTC()})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
}
