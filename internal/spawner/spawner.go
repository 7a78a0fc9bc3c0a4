// Package spawner implements C3: a pool of workers consuming SpawnAgent
// jobs from the durable queue, launching the agent binary as its own
// process group leader, draining its output into the log store, and
// waiting for a readiness token with a bounded timeout. Grounded on the
// teacher's internal/pipeline/exec/ffmpeg.Runner — the supervisor/reader
// goroutine split and the graceful-term-then-kill teardown are the same
// shape, retargeted from a transcode child to a voice-agent child.
package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/fsutil"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/metrics"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/procgroup"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
)

// readinessMarkers are the fixed substrings (§4.3 step 7, §6 agent
// subprocess contract) that signal an agent has joined its room.
var readinessMarkers = []string{
	"Connected to",
	"Pipeline started",
	"Room joined",
	"Participant joined",
}

// Config bounds the Spawner's behavior; all durations and the binary path
// come from OrchestratorConfig at the daemon's wiring layer.
type Config struct {
	AgentBinary       string
	AgentLogDir       string
	BotStartupTimeout time.Duration
	Workers           int
	SessionTTL        time.Duration
	DequeueTimeout    time.Duration
}

// proc tracks an in-process-known agent so Terminate can use the fast,
// wait(2)-backed path instead of falling back to pure signal polling.
type proc struct {
	cmd    *exec.Cmd
	waitCh chan error
}

// Spawner is the C3 implementation.
type Spawner struct {
	store  *store.Store
	queue  *queue.Queue
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// New constructs a Spawner around already-configured dependencies.
func New(st *store.Store, q *queue.Queue, cfg Config) *Spawner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	return &Spawner{
		store:  st,
		queue:  q,
		cfg:    cfg,
		logger: log.WithComponent("spawner"),
		procs:  make(map[string]*proc),
	}
}

// Run starts cfg.Workers dequeue loops and blocks until ctx is cancelled.
func (s *Spawner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (s *Spawner) worker(ctx context.Context, id int) {
	logger := s.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.queue.Dequeue(ctx, s.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			continue
		}
		if job == nil {
			continue
		}

		start := time.Now()
		if err := s.spawnAgent(ctx, *job); err != nil {
			metrics.ObserveSpawnDuration(time.Since(start).Seconds())
			if rerr := s.queue.Retry(ctx, *job, err); rerr != nil {
				if errors.Is(rerr, queue.ErrDropped) {
					s.markError(ctx, job.SessionID, fmt.Sprintf("spawn failed after max attempts: %v", err))
				} else {
					logger.Warn().Err(rerr).Str("session_id", job.SessionID).Msg("failed to schedule retry")
				}
			}
			continue
		}
		metrics.ObserveSpawnDuration(time.Since(start).Seconds())
	}
}

// spawnAgent executes steps 1-7 of §4.3 for one job.
func (s *Spawner) spawnAgent(ctx context.Context, job queue.Job) error {
	logger := s.logger.With().Str("session_id", job.SessionID).Logger()

	voiceID, openingLine, systemPrompt := s.readConfig(ctx, job.SessionID)

	s.store.PutSession(ctx, job.SessionID, map[string]string{
		"status":        string(model.StatusStarting),
		"queue_task_id": job.SessionID,
	}, s.cfg.SessionTTL)
	s.store.AddToPhase(ctx, store.PhaseStarting, job.SessionID)
	metrics.IncSessionTransition(string(model.StatusStarting))

	logPath, err := fsutil.ConfineRelPath(s.cfg.AgentLogDir, job.SessionID+".log")
	if err != nil {
		return fmt.Errorf("spawner: confine log path: %w", err)
	}

	args := buildArgs(job.SessionID, voiceID, openingLine, systemPrompt)
	cmd := exec.Command(s.cfg.AgentBinary, args...)
	procgroup.Set(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("spawner: create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("spawner: start agent: %w", err)
	}
	_ = pw.Close()

	pid := cmd.Process.Pid
	pgid := pid
	if pid != pgid {
		logger.Warn().Int("pid", pid).Int("pgid", pgid).Msg("agent pid/pgid mismatch, group kills may be incomplete")
	}

	identity := model.AgentIdentity{SessionID: job.SessionID, Pid: pid, Pgid: pgid, LogFilePath: logPath}
	s.store.PutAgentIdentity(ctx, identity, s.cfg.SessionTTL)
	s.store.PutSession(ctx, job.SessionID, map[string]string{
		"agent_pid":     itoa(pid),
		"agent_pgid":    itoa(pgid),
		"log_file_path": logPath,
	}, s.cfg.SessionTTL)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	s.register(job.SessionID, &proc{cmd: cmd, waitCh: waitCh})
	defer s.unregister(job.SessionID)

	readyCh := make(chan bool, 1)
	go s.tailOutput(job.SessionID, pr, logPath, readyCh)

	select {
	case ready := <-readyCh:
		if !ready {
			metrics.IncSpawnOutcome("exited")
			s.markError(ctx, job.SessionID, "agent exited before signalling readiness")
			return errors.New("agent exited before readiness")
		}

		s.store.PutSession(ctx, job.SessionID, map[string]string{
			"status": string(model.StatusReady),
		}, s.cfg.SessionTTL)
		s.store.RemoveFromPhase(ctx, store.PhaseStarting, job.SessionID)
		s.store.AddToPhase(ctx, store.PhaseReady, job.SessionID)
		s.store.PutUserMapping(ctx, job.UserName, job.SessionID, s.cfg.SessionTTL)
		metrics.IncSessionTransition(string(model.StatusReady))
		metrics.IncSpawnOutcome("ready")
		return nil

	case <-time.After(s.cfg.BotStartupTimeout):
		metrics.IncSpawnOutcome("timeout")
		procgroup.TerminateByPID(pid, 2*time.Second, 200*time.Millisecond, 3*time.Second)
		s.markError(ctx, job.SessionID, "readiness timeout")
		return errors.New("readiness timeout")

	case <-ctx.Done():
		procgroup.TerminateByPID(pid, 2*time.Second, 200*time.Millisecond, 3*time.Second)
		return ctx.Err()
	}
}

func (s *Spawner) readConfig(ctx context.Context, sessionID string) (voiceID model.VoiceID, openingLine, systemPrompt string) {
	voiceID = model.DefaultVoiceID
	fields, ok := s.store.GetConfig(ctx, sessionID)
	if !ok {
		return
	}
	if v, ok := fields["voice_id"]; ok && model.ValidVoiceID(v) {
		voiceID = model.VoiceID(v)
	}
	openingLine = fields["opening_line"]
	systemPrompt = fields["system_prompt"]
	return
}

func buildArgs(sessionID string, voiceID model.VoiceID, openingLine, systemPrompt string) []string {
	args := []string{"--room", sessionID, "--voice-id", string(voiceID)}
	if openingLine != "" {
		args = append(args, "--opening-line", openingLine)
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	return args
}

// tailOutput drains r line by line for the lifetime of the agent process:
// every line is persisted to the log file and the C1 log ring, and the
// first readiness marker seen is reported on readyCh. The loop MUST
// continue past the first marker (§4.3 step 6, "must drain continuously")
// so readyCh only ever receives one non-blocking send.
func (s *Spawner) tailOutput(sessionID string, r io.Reader, logPath string, readyCh chan<- bool) {
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		logger.Warn().Err(err).Str("path", logPath).Msg("cannot open agent log file")
	}
	if f != nil {
		defer func() { _ = f.Close() }()
	}

	sent := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if f != nil {
			_, _ = f.WriteString(line + "\n")
		}
		s.store.AppendLog(context.Background(), sessionID, line)

		if !sent && containsReadinessMarker(line) {
			sent = true
			readyCh <- true
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("agent output scan ended with error")
	}
	if !sent {
		readyCh <- false
	}
}

func containsReadinessMarker(line string) bool {
	for _, marker := range readinessMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func (s *Spawner) markError(ctx context.Context, sessionID, reason string) {
	s.store.PutSession(ctx, sessionID, map[string]string{
		"status":             string(model.StatusError),
		"termination_reason": reason,
	}, s.cfg.SessionTTL)
	s.store.RemoveFromPhase(ctx, store.PhaseStarting, sessionID)
	s.store.RemoveFromPhase(ctx, store.PhaseReady, sessionID)
	metrics.IncSessionTransition(string(model.StatusError))
}

func (s *Spawner) register(sessionID string, p *proc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[sessionID] = p
}

func (s *Spawner) unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, sessionID)
}

// Terminate stops sessionID's agent process group, preferring the fast
// wait(2)-backed path when this Spawner still holds the *exec.Cmd (the
// common case: the session was spawned and is being torn down within the
// same daemon lifetime), and falling back to pure signal-probe polling
// using pid when it is not (after a restart, or for a session this
// Spawner never launched itself).
func (s *Spawner) Terminate(sessionID string, pid int) bool {
	s.mu.Lock()
	p, ok := s.procs[sessionID]
	s.mu.Unlock()

	if ok {
		err := procgroup.Terminate(p.cmd, p.waitCh, 5*time.Second)
		s.unregister(sessionID)
		return err == nil || isExitError(err)
	}

	return procgroup.TerminateByPID(pid, 5*time.Second, 200*time.Millisecond, 3*time.Second)
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
