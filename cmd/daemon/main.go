// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/billing"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/config"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/health"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/httpapi"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/janitor"
	xglog "github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/ratelimit"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/resilience"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/sessionctl"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/spawner"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/telemetry"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/version"
)

func main() {
	cfg := config.ParseOrchestratorConfig()

	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "simsbuddy-voice-agent-orchestrator",
		Version: version.Version,
	})
	logger := xglog.WithComponent("daemon")

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting voice-agent orchestrator")

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := health.PerformStartupChecks(startupCtx, cfg)
	startupCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup checks failed")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	if err := billing.Migrate(rootCtx, cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("billing migration failed")
	}

	pgPool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres failed")
	}
	defer pgPool.Close()

	tracerProvider, err := telemetry.NewProvider(rootCtx, telemetry.Config{
		Enabled:        cfg.OTelExporterType != "",
		ServiceName:    "simsbuddy-voice-agent-orchestrator",
		ServiceVersion: version.Version,
		Environment:    "production",
		ExporterType:   cfg.OTelExporterType,
		Endpoint:       cfg.OTelExporterEndpoint,
		SamplingRate:   cfg.OTelSamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry provider init failed, continuing without tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	billingBreaker := resilience.NewCircuitBreaker("billing_db", 5, 5, time.Minute, 30*time.Second)

	sessionStore := store.New(redisClient)
	creditEngine := billing.New(pgPool, billingBreaker)
	spawnQueue := queue.New(redisClient)

	spawnerCfg := spawner.Config{
		AgentBinary:       cfg.AgentBinary,
		AgentLogDir:       cfg.AgentLogDir,
		BotStartupTimeout: cfg.BotStartupTimeout,
		SessionTTL:        cfg.SessionTimeout,
	}
	sp := spawner.New(sessionStore, spawnQueue, spawnerCfg)

	janitorCfg := janitor.DefaultConfig()
	janitorCfg.SessionTimeout = cfg.SessionTimeout
	janitorCfg.SessionTTL = cfg.SessionTimeout
	jan := janitor.New(sessionStore, spawnQueue, sp, janitorCfg)

	sessionCfg := sessionctl.DefaultConfig()
	sessionCfg.RoomServiceSecret = cfg.LiveKitAPISecret
	sessionCfg.ServerURL = cfg.LiveKitURL
	sessionCfg.SessionTTL = cfg.SessionTimeout
	ctl := sessionctl.New(sessionStore, creditEngine, spawnQueue, sp, sessionCfg)

	healthManager := health.NewManager(version.Version)
	healthManager.RegisterChecker(health.NewRedisChecker(redisClient))
	healthManager.RegisterChecker(health.NewDatabaseChecker(pgPool))
	healthManager.RegisterChecker(health.NewAgentBinaryChecker(cfg.AgentBinary))

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:      rate.Limit(cfg.RateLimitGlobalRPS),
		GlobalBurst:     cfg.RateLimitGlobalRPS * 2,
		PerIPRate:       rate.Limit(cfg.RateLimitPerIPRPS),
		PerIPBurst:      cfg.RateLimitPerIPRPS * 2,
		CleanupInterval: 5 * time.Minute,
	})

	apiCfg := httpapi.DefaultConfig()
	apiCfg.LiveKitURL = cfg.LiveKitURL
	apiCfg.LiveKitConfigured = cfg.LiveKitURL != "" && cfg.LiveKitAPIKey != ""
	apiServer := httpapi.New(ctl, sessionStore, healthManager, limiter, apiCfg)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sp.Run(rootCtx) }()
	go func() { defer wg.Done(); jan.Run(rootCtx) }()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		serveErrCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}

	wg.Wait()
	logger.Info().Msg("voice-agent orchestrator stopped")
}
