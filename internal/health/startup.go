// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/config"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before
// the orchestrator accepts traffic: listen address syntax, Redis and
// Postgres reachability, the agent log directory, and the agent binary.
func PerformStartupChecks(ctx context.Context, cfg config.OrchestratorConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}

	if err := checkAgentLogDir(logger, cfg.AgentLogDir); err != nil {
		return fmt.Errorf("agent log directory check failed: %w", err)
	}

	if err := checkAgentBinary(logger, cfg.AgentBinary); err != nil {
		return fmt.Errorf("agent binary check failed: %w", err)
	}

	if err := checkRedis(ctx, logger, cfg.RedisURL); err != nil {
		return fmt.Errorf("redis check failed: %w", err)
	}

	if err := checkDatabase(ctx, logger, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkAgentLogDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create agent log directory %s: %w", path, err)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("agent log directory is not writable: %s (%w)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("agent log directory is writable")
	return nil
}

func checkAgentBinary(logger zerolog.Logger, bin string) error {
	path, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("agent binary not found (%s): %w", bin, err)
	}
	logger.Info().Str("binary", path).Msg("agent binary resolved")
	return nil
}

func checkRedis(ctx context.Context, logger zerolog.Logger, redisURL string) error {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cannot reach redis at %s: %w", opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("redis is reachable")
	return nil
}

func checkDatabase(ctx context.Context, logger zerolog.Logger, databaseURL string) error {
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("cannot build database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach database: %w", err)
	}

	logger.Info().Msg("database is reachable")
	return nil
}
