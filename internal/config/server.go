// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// OrchestratorConfig aggregates every environment variable the control plane
// reads at startup. It is built exclusively from env.go's Parse* helpers so
// the source of every value (environment vs. default) is logged uniformly.
type OrchestratorConfig struct {
	ListenAddr string

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	RedisURL    string
	DatabaseURL string

	OrchestratorURL string

	SessionTimeout    time.Duration
	BotStartupTimeout time.Duration

	AgentLogDir string
	AgentBinary string

	LogLevel  string
	LogFormat string

	MetricsAddr string

	OTelExporterType     string
	OTelExporterEndpoint string
	OTelSamplingRate     float64

	RateLimitGlobalRPS int
	RateLimitPerIPRPS  int
}

// ParseOrchestratorConfig reads OrchestratorConfig from the process
// environment, applying the same defaults documented for the service.
func ParseOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ListenAddr: ParseString("LISTEN_ADDR", ":8080"),

		LiveKitURL:       ParseString("LIVEKIT_URL", ""),
		LiveKitAPIKey:    ParseString("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: ParseString("LIVEKIT_API_SECRET", ""),

		RedisURL:    ParseString("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL: ParseString("DATABASE_URL", ""),

		OrchestratorURL: ParseString("ORCHESTRATOR_URL", "http://localhost:8080"),

		SessionTimeout:    time.Duration(ParseInt("SESSION_TIMEOUT", 14400)) * time.Second,
		BotStartupTimeout: time.Duration(ParseInt("BOT_STARTUP_TIMEOUT", 30)) * time.Second,

		AgentLogDir: ParseString("AGENT_LOG_DIR", "/var/log/voice-agent"),
		AgentBinary: ParseString("AGENT_BINARY", "agent"),

		LogLevel:  ParseString("LOG_LEVEL", "info"),
		LogFormat: ParseString("LOG_FORMAT", "json"),

		MetricsAddr: ParseString("METRICS_ADDR", ":9090"),

		OTelExporterType:     ParseString("OTEL_EXPORTER_TYPE", ""),
		OTelExporterEndpoint: ParseString("OTEL_EXPORTER_ENDPOINT", ""),
		OTelSamplingRate:     ParseFloat("OTEL_SAMPLING_RATE", 0.0),

		RateLimitGlobalRPS: ParseInt("RATE_LIMIT_GLOBAL_RPS", 100),
		RateLimitPerIPRPS:  ParseInt("RATE_LIMIT_PER_IP_RPS", 10),
	}
}
