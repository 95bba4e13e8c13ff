package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/yansir/kiro-gateway/internal/codec"
	"github.com/yansir/kiro-gateway/internal/dialect"
	"github.com/yansir/kiro-gateway/internal/relayerr"
)

// handleChatCompletions implements POST /v1/chat/completions (spec §4.J, §6).
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req dialect.OpenAIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, "malformed request body"))
		return
	}
	if msg := validateRequest(&req); msg != "" {
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, msg))
		return
	}
	if !dialect.IsSupportedModel(req.Model) {
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindUnsupportedModel, http.StatusBadRequest, "unsupported model: "+req.Model))
		return
	}

	canonical, err := dialect.FromOpenAI(&req)
	if err != nil {
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindMalformedRequest, http.StatusBadRequest, err.Error()))
		return
	}

	s.recordUsageBestEffort(apiKeyFromContext(r.Context()))

	if canonical.Stream {
		s.streamOpenAI(w, r, canonical)
		return
	}
	s.respondOpenAI(w, r, canonical)
}

func (s *Server) respondOpenAI(w http.ResponseWriter, r *http.Request, canonical dialect.CanonicalRequest) {
	agg, err := s.callUpstream(r.Context(), canonical)
	if err != nil {
		writeUpstreamErr(w, relayerr.RenderOpenAI, err)
		return
	}

	body, err := json.Marshal(agg.BuildOpenAI(canonical.Model, time.Now().UTC()))
	if err != nil {
		s.logger.Error("marshal chat completion", "error", err)
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindUpstreamFatal, http.StatusInternalServerError, "internal error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) streamOpenAI(w http.ResponseWriter, r *http.Request, canonical dialect.CanonicalRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeClassified(w, relayerr.RenderOpenAI, relayerr.New(relayerr.KindUpstreamFatal, http.StatusInternalServerError, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := dialect.NewStreamState(canonical.Model, s.logger)
	encoder := dialect.NewOpenAIEncoder(w, state, time.Now().UTC())
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
