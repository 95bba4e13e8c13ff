package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/yansir/kiro-gateway/internal/config"
	"github.com/yansir/kiro-gateway/internal/credential"
	"github.com/yansir/kiro-gateway/internal/crypto"
	"github.com/yansir/kiro-gateway/internal/events"
	"github.com/yansir/kiro-gateway/internal/health"
	"github.com/yansir/kiro-gateway/internal/oauthdriver"
	"github.com/yansir/kiro-gateway/internal/pool"
	"github.com/yansir/kiro-gateway/internal/quota"
	"github.com/yansir/kiro-gateway/internal/server"
	"github.com/yansir/kiro-gateway/internal/store"
	"github.com/yansir/kiro-gateway/internal/upstream"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var logHandler *events.LogHandler
	if cfg.LogFormat == "json" {
		logHandler = events.NewJSONLogHandler(level, 1000)
	} else {
		logHandler = events.NewLogHandler(level, 1000)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	logger.Info("kiro-gateway starting", "version", version)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("database ready", "path", cfg.DBPath)

	box := crypto.New(cfg.EncryptionKey)
	if _, err := box.DeriveKey("kiro-gateway-credentials-v1"); err != nil {
		logger.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	refreshHTTP := &http.Client{Timeout: 30 * time.Second}
	credMgr := credential.NewManager(st, refreshHTTP)

	upstreamClient := upstream.NewClient(upstream.Config{
		MaxConnsPerHost: cfg.MaxConnsPerUpstream,
		Timeout:         cfg.RequestTimeout,
		MaxRetries:      cfg.RequestMaxRetries,
		BaseDelay:       time.Duration(cfg.RequestBaseDelayMS) * time.Millisecond,
	})

	selector := pool.New(st, store.Strategy(cfg.ProviderStrategy), cfg.MaxErrorCount)

	reconciler := quota.New(st, upstreamClient, credMgr, time.Duration(cfg.UsageSyncIntervalMinutes)*time.Minute, logger)
	checker := health.New(st, upstreamClient, credMgr,
		time.Duration(cfg.HealthCheckIntervalMinutes)*time.Minute,
		time.Duration(cfg.HealthRecoveryIntervalMinutes)*time.Minute,
		cfg.MaxErrorCount, logger)

	oauthHTTP := &http.Client{Timeout: 30 * time.Second}
	oauthDriver := oauthdriver.NewDriver(st, oauthHTTP, cfg.OAuthCallbackPortStart, cfg.OAuthCallbackPortEnd, logger)

	srv := server.New(cfg, st, box, selector, upstreamClient, credMgr, reconciler, checker, oauthDriver, logger)
	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
