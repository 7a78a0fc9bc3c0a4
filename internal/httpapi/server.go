// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpapi implements C5's HTTP surface (§6): the handful of routes
// the client, the agent, and the room service call into. Grounded on the
// teacher's internal/api server — a thin chi.Router wrapping a Server
// struct that owns every dependency a handler needs, with writeJSON/
// RespondError for the response envelope.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/cache"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/health"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/ratelimit"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/sessionctl"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/version"
)

// SessionController is the subset of sessionctl.Controller the HTTP layer
// calls into. Narrowed to an interface so handlers are testable against a
// fake without a Redis/Postgres-backed Controller.
type SessionController interface {
	StartSession(ctx context.Context, req sessionctl.StartSessionRequest) (sessionctl.StartSessionResult, error)
	Heartbeat(ctx context.Context, sessionID string) (sessionctl.HeartbeatResult, error)
	EndSession(ctx context.Context, sessionID string) sessionctl.CleanupDetail
	RoomWebhook(ctx context.Context, rawBody []byte, signatureHex, event, room string) (bool, sessionctl.CleanupDetail)
}

// SessionStore is the subset of store.Store the debug/admin endpoints read.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (map[string]string, bool)
	GetAgentPid(ctx context.Context, id string) (int, bool)
	RecentLogs(ctx context.Context, id string, n int64) []string
	ScanSessionIds(ctx context.Context, batch int64) []string
}

// Config carries everything the router needs beyond the component
// dependencies themselves.
type Config struct {
	LiveKitURL        string
	LiveKitConfigured bool
	AdminSessionBatch int64
}

// DefaultConfig fills in the scan batch size used by the admin listing.
func DefaultConfig() Config {
	return Config{AdminSessionBatch: 200}
}

// Server wires the session controller, the session store, the health
// manager and the rate limiter into an http.Handler. It holds no business
// logic of its own — every handler delegates to a C-component.
type Server struct {
	ctl     SessionController
	store   SessionStore
	health  *health.Manager
	limiter *ratelimit.Limiter
	cfg     Config
	logger  zerolog.Logger

	// webhookDedup suppresses re-processing an identical room-service
	// webhook delivery within its retry window. Defense in depth on top of
	// sessionctl.Cleanup's own single-shot guarantee, not a replacement
	// for it.
	webhookDedup cache.Cache
}

// New constructs the HTTP surface around already-built dependencies.
func New(ctl SessionController, st SessionStore, hm *health.Manager, limiter *ratelimit.Limiter, cfg Config) *Server {
	return &Server{
		ctl:          ctl,
		store:        st,
		health:       hm,
		limiter:      limiter,
		cfg:          cfg,
		logger:       log.WithComponent("httpapi"),
		webhookDedup: cache.NewMemoryCache(time.Minute),
	}
}

// Router builds the chi.Router exposing every route in §6.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(otelHTTP("simsbuddy-voice-agent-orchestrator"))
	r.Use(log.Middleware())
	r.Use(s.rateLimitMiddleware)

	r.Get("/", s.handleBanner)
	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/orchestrator/health", s.handleOrchestratorHealth)
	r.Post("/orchestrator/session/start", s.handleSessionStart)
	r.Post("/orchestrator/session/end", s.handleSessionEnd)
	r.Post("/api/session/heartbeat", s.handleHeartbeat)
	r.Post("/webhook/livekit", s.handleWebhook)
	r.Get("/api/debug/session/{id}/processes", s.handleDebugProcesses)
	r.Get("/api/admin/sessions", s.handleAdminSessions)
	r.Get("/api/admin/sessions/{id}/logs", s.handleAdminSessionLogs)

	return r
}

// rateLimitMiddleware enforces the global+per-IP token buckets (§6 is silent
// on which routes are exempt, so every route shares one limiter — the
// admission path is the one under load in practice).
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(ratelimit.GetClientIP(r)) {
			RespondError(w, r, http.StatusTooManyRequests, ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "simsbuddy-voice-agent-orchestrator",
		"version": version.Version,
	})
}

func (s *Server) handleOrchestratorHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.health.Ready(r.Context(), false)

	redisConnected := ready.Ready
	if cr, ok := ready.Checks["redis"]; ok {
		redisConnected = cr.Status == health.StatusHealthy
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             ready.Status,
		"livekit_configured": s.cfg.LiveKitConfigured,
		"redis_connected":    redisConnected,
	})
}
