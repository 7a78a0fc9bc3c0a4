// Package janitor implements C4: the two background sweeps that keep the
// session store honest between explicit lifecycle calls — HealthCheck
// demotes sessions whose agent process died silently, Reaper reclaims
// sessions nobody ever explicitly ended. Grounded on the teacher's
// internal/scheduler ticker-loop shape (fixed-interval goroutine, context
// cancellation, structured per-pass logging).
package janitor

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/metrics"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/procgroup"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
)

// Config bounds sweep cadence and the reaper's staleness threshold.
type Config struct {
	HealthCheckInterval time.Duration
	ReaperInterval       time.Duration
	SessionTimeout       time.Duration
	SessionTTL           time.Duration
}

// DefaultConfig matches §4.4's literal cadences.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 60 * time.Second,
		ReaperInterval:       300 * time.Second,
		SessionTimeout:       4 * time.Hour,
		SessionTTL:           4 * time.Hour,
	}
}

// Terminator is the narrow interface the reaper needs to stop a session's
// agent process; Spawner satisfies it, keeping janitor decoupled from C3's
// concrete type.
type Terminator interface {
	Terminate(sessionID string, pid int) bool
}

// Janitors runs the two periodic sweeps against a shared Store.
type Janitors struct {
	store      *store.Store
	queue      *queue.Queue
	terminator Terminator
	cfg        Config
	logger     zerolog.Logger
}

// New constructs the janitor pair.
func New(st *store.Store, q *queue.Queue, terminator Terminator, cfg Config) *Janitors {
	return &Janitors{
		store:      st,
		queue:      q,
		terminator: terminator,
		cfg:        cfg,
		logger:     log.WithComponent("janitor"),
	}
}

// Run starts HealthCheck and Reaper on their own tickers and blocks until
// ctx is cancelled.
func (j *Janitors) Run(ctx context.Context) {
	go j.loop(ctx, "health_check", j.cfg.HealthCheckInterval, j.runHealthCheck)
	j.loop(ctx, "reaper", j.cfg.ReaperInterval, j.runReaper)
}

func (j *Janitors) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			sweep(ctx)
			metrics.ObserveJanitorSweepDuration(name, time.Since(start).Seconds())
		}
	}
}

// runHealthCheck probes every ready/active session's recorded agent pid with
// a signal-0 liveness check and demotes the dead ones (§4.4 HealthCheck).
func (j *Janitors) runHealthCheck(ctx context.Context) {
	ids := j.store.GetPhase(ctx, store.PhaseReady)

	dead := 0
	for _, id := range ids {
		fields, ok := j.store.GetSession(ctx, id)
		if !ok {
			continue
		}
		status := model.Status(fields["status"])
		if status != model.StatusReady && status != model.StatusActive {
			continue
		}

		pid, ok := j.store.GetAgentPid(ctx, id)
		if !ok || pid <= 0 {
			continue
		}

		if procgroup.IsAlive(pid) {
			continue
		}

		dead++
		j.store.PutSession(ctx, id, map[string]string{
			"status":             string(model.StatusError),
			"termination_reason": "Process died unexpectedly",
		}, j.cfg.SessionTTL)
		j.store.RemoveFromPhase(ctx, store.PhaseReady, id)
		metrics.IncSessionTransition(string(model.StatusError))

		j.logger.Warn().Str("session_id", id).Int("pid", pid).Msg("agent process died unexpectedly")
	}

	if n, err := j.queue.PromoteDue(ctx); err == nil && n > 0 {
		j.logger.Debug().Int("count", n).Msg("promoted due retries")
	}
	if depth, err := j.queue.Depth(ctx); err == nil {
		metrics.SetQueueDepth(float64(depth))
	}

	outcome := "clean"
	if dead > 0 {
		outcome = "demoted"
	}
	metrics.IncJanitorSweep("health_check", outcome)
	j.logger.Debug().Int("checked", len(ids)).Int("demoted", dead).Msg("health check sweep complete")
}

// runReaper reclaims sessions that have sat idle past SessionTimeout
// regardless of status, terminating any live agent process and deleting the
// store record (§4.4 Reaper).
func (j *Janitors) runReaper(ctx context.Context) {
	ids := j.store.ScanSessionIds(ctx, 200)

	reaped := 0
	now := time.Now()
	for _, id := range ids {
		fields, ok := j.store.GetSession(ctx, id)
		if !ok {
			continue
		}

		lastActive := parseUnix(fields["last_active"])
		if lastActive.IsZero() {
			lastActive = parseUnix(fields["start_time"])
		}
		if lastActive.IsZero() || now.Sub(lastActive) < j.cfg.SessionTimeout {
			continue
		}

		pid, _ := j.store.GetAgentPid(ctx, id)
		if pid > 0 {
			j.terminator.Terminate(id, pid)
		}

		_ = j.store.CleanupSession(ctx, id, fields["user_name"])
		reaped++
		metrics.IncCleanupOutcome("reaper", true)
		j.logger.Info().Str("session_id", id).Dur("idle", now.Sub(lastActive)).Msg("reaped stale session")
	}

	metrics.IncJanitorSweep("reaper", "complete")
	j.logger.Debug().Int("scanned", len(ids)).Int("reaped", reaped).Msg("reaper sweep complete")
}

func parseUnix(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
