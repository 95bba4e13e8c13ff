package server

import (
	"encoding/json"
	"net/http"

	"github.com/yansir/kiro-gateway/internal/codec"
	"github.com/yansir/kiro-gateway/internal/dialect"
	"github.com/yansir/kiro-gateway/internal/relayerr"
)

// handleMessages implements POST /v1/messages (spec §4.J, §6).
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req dialect.AnthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, "malformed request body"))
		return
	}
	if msg := validateRequest(&req); msg != "" {
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, msg))
		return
	}
	if !dialect.IsSupportedModel(req.Model) {
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindUnsupportedModel, http.StatusBadRequest, "unsupported model: "+req.Model))
		return
	}

	canonical, err := dialect.FromAnthropic(&req)
	if err != nil {
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, err.Error()))
		return
	}

	s.recordUsageBestEffort(apiKeyFromContext(r.Context()))

	if canonical.Stream {
		s.streamAnthropic(w, r, canonical)
		return
	}
	s.respondAnthropic(w, r, canonical)
}

func (s *Server) respondAnthropic(w http.ResponseWriter, r *http.Request, canonical dialect.CanonicalRequest) {
	agg, err := s.callUpstream(r.Context(), canonical)
	if err != nil {
		writeUpstreamErr(w, relayerr.RenderAnthropic, err)
		return
	}

	body, err := json.Marshal(agg.BuildAnthropic(canonical.Model))
	if err != nil {
		s.logger.Error("marshal messages response", "error", err)
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindUpstreamFatal, http.StatusInternalServerError, "internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) streamAnthropic(w http.ResponseWriter, r *http.Request, canonical dialect.CanonicalRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeClassified(w, relayerr.RenderAnthropic, relayerr.New(relayerr.KindUpstreamFatal, http.StatusInternalServerError, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := dialect.NewStreamState(canonical.Model, s.logger)
	encoder := dialect.NewAnthropicEncoder(w, canonical.Model, state)
	inputEstimate := dialect.EstimateInputTokens(canonical)

	err := s.streamUpstream(r.Context(), canonical, func(ev codec.Event) error {
		return encoder.HandleEvent(canonical.Model, ev)
	})
	if err != nil {
		_ = encoder.WriteError(err.Error())
		return
	}

	state.SetUsage(dialect.Usage{InputTokens: inputEstimate, OutputTokens: dialect.EstimateTokens(state.AccumulatedText())})
	_ = encoder.Close(canonical.Model)
}
