package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yansir/kiro-gateway/internal/config"
	"github.com/yansir/kiro-gateway/internal/credential"
	"github.com/yansir/kiro-gateway/internal/crypto"
	"github.com/yansir/kiro-gateway/internal/health"
	"github.com/yansir/kiro-gateway/internal/metrics"
	"github.com/yansir/kiro-gateway/internal/oauthdriver"
	"github.com/yansir/kiro-gateway/internal/pool"
	"github.com/yansir/kiro-gateway/internal/quota"
	"github.com/yansir/kiro-gateway/internal/relayerr"
	"github.com/yansir/kiro-gateway/internal/store"
	"github.com/yansir/kiro-gateway/internal/upstream"
)

// Server is the gateway's HTTP front-end (spec §4.J) plus the narrowed JSON
// admin surface (spec §6) that fronts the OAuth Driver's interactive flows.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	box      *crypto.Box
	selector *pool.Selector
	client   *upstream.Client
	creds    *credential.Manager
	quota    *quota.Reconciler
	health   *health.Checker
	oauth    *oauthdriver.Driver
	logger   *slog.Logger

	httpServer *http.Server
}

func New(cfg *config.Config, st *store.Store, box *crypto.Box, selector *pool.Selector, client *upstream.Client,
	creds *credential.Manager, reconciler *quota.Reconciler, checker *health.Checker, oauth *oauthdriver.Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		cfg: cfg, store: st, box: box, selector: selector, client: client,
		creds: creds, quota: reconciler, health: checker, oauth: oauth, logger: logger,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestMetrics(requestLogger(logger, mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", s.authenticate(relayerr.RenderOpenAI, s.handleChatCompletions))
	mux.HandleFunc("POST /v1/messages", s.authenticate(relayerr.RenderAnthropic, s.handleMessages))
	mux.HandleFunc("GET /v1/models", s.authenticate(relayerr.RenderOpenAI, s.handleModels))
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /admin/api-keys", s.adminAuthenticate(s.handleCreateAPIKey))
	mux.HandleFunc("GET /admin/api-keys", s.adminAuthenticate(s.handleListAPIKeys))
	mux.HandleFunc("DELETE /admin/api-keys/{id}", s.adminAuthenticate(s.handleDeleteAPIKey))
	mux.HandleFunc("GET /admin/upstreams", s.adminAuthenticate(s.handleListUpstreams))
	mux.HandleFunc("DELETE /admin/upstreams/{id}", s.adminAuthenticate(s.handleDeleteUpstream))
	mux.HandleFunc("POST /admin/upstreams/{id}/sync-quota", s.adminAuthenticate(s.handleSyncUpstreamQuota))
	mux.HandleFunc("POST /admin/oauth/start", s.adminAuthenticate(s.handleStartOAuth))
	mux.HandleFunc("GET /admin/logs", s.adminAuthenticate(s.handleAdminLogs))

	if s.cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// Run starts the server, the background reconcilers, and blocks until a
// shutdown signal or fatal listener error (spec §4.H, §4.I "scheduled
// reconcilers"; graceful shutdown grounded on the teacher's server.Run).
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.oauth.Close()

	go s.quota.Run(ctx)
	go s.health.Run(ctx)
	go s.runOAuthSessionSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runOAuthSessionSweeper ticks until ctx is cancelled, deleting OAuth
// sessions older than the 10-minute hard cap (spec §3 Lifecycles, §5
// Timeouts), the same ticker shape as quota.Reconciler.Run/health.Checker.Run.
func (s *Server) runOAuthSessionSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.OAuthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.SweepExpiredOAuthSessions(ctx); err != nil {
				s.logger.Error("oauth session sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("swept expired oauth sessions", "count", n)
			}
		}
	}
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// requestMetrics observes end-to-end handler latency into
// kiro_gateway_request_duration_seconds, labeled by inbound dialect (derived
// from the route path) and whether the response was a streamed SSE body
// (derived from the response Content-Type, since stream mode is a body field
// the front-end doesn't parse at the middleware layer).
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &metricsRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.RequestDuration.WithLabelValues(dialectLabel(r.URL.Path), streamLabel(rec.contentType)).
			Observe(time.Since(start).Seconds())
	})
}

func dialectLabel(path string) string {
	switch path {
	case "/v1/messages":
		return "anthropic"
	case "/v1/chat/completions":
		return "openai"
	default:
		return "other"
	}
}

func streamLabel(contentType string) string {
	if strings.HasPrefix(contentType, "text/event-stream") {
		return "stream"
	}
	return "non_stream"
}

// metricsRecorder captures the Content-Type a handler sets so requestMetrics
// can classify stream vs. non-stream after the handler returns.
type metricsRecorder struct {
	http.ResponseWriter
	contentType string
}

func (r *metricsRecorder) WriteHeader(status int) {
	if r.contentType == "" {
		r.contentType = r.Header().Get("Content-Type")
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *metricsRecorder) Write(b []byte) (int, error) {
	if r.contentType == "" {
		r.contentType = r.Header().Get("Content-Type")
	}
	return r.ResponseWriter.Write(b)
}
