// Package sessionctl implements C5: the request-facing session lifecycle
// operations (StartSession, Heartbeat, EndSession, RoomWebhook) and the
// single defensive cleanup routine every terminal path funnels through.
// Grounded on the teacher's internal/control/http/v3 handler layer — thin
// handlers delegating to a controller struct that owns every cross-cutting
// concern (store, billing, queue, process teardown) the HTTP layer itself
// never touches directly.
package sessionctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/billing"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/metrics"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/procgroup"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/roomtoken"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
)

// Terminator stops a session's agent process, satisfied by spawner.Spawner.
type Terminator interface {
	Terminate(sessionID string, pid int) bool
}

// CreditEngine is the subset of C2 sessionctl depends on, satisfied by
// *billing.CreditEngine. Declared at the point of use so tests can swap in
// a fake rather than stand up a real PostgreSQL instance.
type CreditEngine interface {
	GetStudentId(ctx context.Context, sessionID string) (string, error)
	CheckSufficient(ctx context.Context, studentID string) (bool, error)
	GetCreditsRemaining(ctx context.Context, studentID string) (int, error)
	DeductMinute(ctx context.Context, sessionID, studentID string, minuteNumber int) (bool, error)
	ReconcileSession(ctx context.Context, sessionID string, conversationStart, endedAt time.Time) (billing.ReconcileResult, error)
}

// Config carries everything sessionctl needs that doesn't come from another
// C-component's constructor.
type Config struct {
	RoomServiceSecret string
	ServerURL         string
	RoomTokenTTL      time.Duration
	SessionTTL        time.Duration
	CleanupLockTTL    time.Duration
}

// DefaultConfig fills in the durations §4.5.1/§4.5.5 specify literally.
func DefaultConfig() Config {
	return Config{
		RoomTokenTTL:   2 * time.Hour,
		SessionTTL:     4 * time.Hour,
		CleanupLockTTL: 30 * time.Second,
	}
}

// Controller is the C5 implementation.
type Controller struct {
	store      *store.Store
	billing    CreditEngine
	queue      *queue.Queue
	terminator Terminator
	cfg        Config
	logger     zerolog.Logger

	cleanupOnce sync.Map // sessionID -> *sync.Once
}

// New constructs a Controller around already-built C1-C4 dependencies.
func New(st *store.Store, be CreditEngine, q *queue.Queue, terminator Terminator, cfg Config) *Controller {
	return &Controller{
		store:      st,
		billing:    be,
		queue:      q,
		terminator: terminator,
		cfg:        cfg,
		logger:     log.WithComponent("sessionctl"),
	}
}

// StartSessionRequest is the StartSession input (§4.5.1).
type StartSessionRequest struct {
	UserName         string
	VoiceID          string
	OpeningLine      string
	SystemPrompt     string
	CorrelationToken string
}

// StartSessionResult is the StartSession success payload.
type StartSessionResult struct {
	SessionID             string
	Token                 string
	ServerURL             string
	InitialCreditDeducted bool
	CreditsRemaining      int
	MinuteBilled          int
	VoiceValidated        bool
}

// Sentinel errors translate 1:1 to the HTTP status codes in §4.5.1.
var (
	ErrStudentNotFound      = errors.New("sessionctl: student not found")
	ErrInsufficientCredits  = errors.New("sessionctl: insufficient credits")
	ErrInitialBillingFailed = errors.New("sessionctl: initial minute billing failed")
	ErrEnqueueFailed        = errors.New("sessionctl: spawn queue unavailable")
)

// StartSession implements §4.5.1 steps 1-9.
func (c *Controller) StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error) {
	sessionID := req.CorrelationToken
	if sessionID == "" {
		sessionID = model.GenerateSessionID(time.Now())
	}

	voiceValidated := model.ValidVoiceID(req.VoiceID)
	voiceID := model.DefaultVoiceID
	if voiceValidated {
		voiceID = model.VoiceID(req.VoiceID)
	}

	studentID, err := c.billing.GetStudentId(ctx, sessionID)
	if err != nil {
		if errors.Is(err, billing.ErrStudentNotFound) {
			return StartSessionResult{}, ErrStudentNotFound
		}
		return StartSessionResult{}, fmt.Errorf("sessionctl: start session: %w", err)
	}

	sufficient, err := c.billing.CheckSufficient(ctx, studentID)
	if err != nil {
		return StartSessionResult{}, fmt.Errorf("sessionctl: start session: %w", err)
	}
	if !sufficient {
		return StartSessionResult{}, ErrInsufficientCredits
	}

	billed, err := c.billing.DeductMinute(ctx, sessionID, studentID, 0)
	if err != nil || !billed {
		if err != nil && !errors.Is(err, billing.ErrInsufficientCredits) {
			return StartSessionResult{}, fmt.Errorf("%w: %v", ErrInitialBillingFailed, err)
		}
		return StartSessionResult{}, ErrInitialBillingFailed
	}
	metrics.IncBillingDebit("success")

	token, err := roomtoken.Mint(c.cfg.RoomServiceSecret, sessionID, req.UserName, c.cfg.RoomTokenTTL, time.Now())
	if err != nil {
		return StartSessionResult{}, fmt.Errorf("sessionctl: mint room token: %w", err)
	}

	c.store.PutConfig(ctx, sessionID, map[string]string{
		"voice_id":      string(voiceID),
		"opening_line":  req.OpeningLine,
		"system_prompt": req.SystemPrompt,
	}, c.cfg.SessionTTL)

	c.store.PutSession(ctx, sessionID, map[string]string{
		"session_id":  sessionID,
		"user_name":   req.UserName,
		"status":      string(model.StatusStarting),
		"start_time":  fmt.Sprintf("%d", time.Now().Unix()),
		"last_active": fmt.Sprintf("%d", time.Now().Unix()),
	}, c.cfg.SessionTTL)

	if err := c.queue.Enqueue(ctx, queue.Job{
		SessionID:  sessionID,
		UserName:   req.UserName,
		VoiceID:    voiceID,
		EnqueuedAt: time.Now(),
	}); err != nil {
		return StartSessionResult{}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	c.store.PutSession(ctx, sessionID, map[string]string{"queue_task_id": sessionID}, c.cfg.SessionTTL)

	creditsRemaining, _ := c.remainingCredits(ctx, studentID)

	return StartSessionResult{
		SessionID:             sessionID,
		Token:                 token,
		ServerURL:             c.cfg.ServerURL,
		InitialCreditDeducted: true,
		CreditsRemaining:      creditsRemaining,
		MinuteBilled:          0,
		VoiceValidated:        voiceValidated,
	}, nil
}

func (c *Controller) remainingCredits(ctx context.Context, studentID string) (int, error) {
	return c.billing.GetCreditsRemaining(ctx, studentID)
}

// HeartbeatStatus is Heartbeat's outcome discriminant (§4.5.2).
type HeartbeatStatus string

const (
	HeartbeatOK    HeartbeatStatus = "ok"
	HeartbeatStop  HeartbeatStatus = "stop"
	HeartbeatError HeartbeatStatus = "error"
)

// HeartbeatResult is the Heartbeat response payload.
type HeartbeatResult struct {
	Status           HeartbeatStatus
	Message          string
	Reason           string
	MinuteBilled     int
	CreditsRemaining int
	AlreadyBilled    bool
}

// ErrSessionNotFound is returned by Heartbeat and EndSession lookups.
var ErrSessionNotFound = errors.New("sessionctl: session not found")

// Heartbeat implements §4.5.2.
func (c *Controller) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResult, error) {
	fields, ok := c.store.GetSession(ctx, sessionID)
	if !ok {
		return HeartbeatResult{}, ErrSessionNotFound
	}

	c.store.PutSession(ctx, sessionID, map[string]string{
		"last_active": fmt.Sprintf("%d", time.Now().Unix()),
	}, c.cfg.SessionTTL)

	start, ok := parseConversationStart(fields["conversation_start_time"])
	if !ok {
		return HeartbeatResult{Status: HeartbeatError}, nil
	}

	elapsed := time.Since(start)
	currentMinute := int(elapsed.Seconds()) / 60

	if currentMinute == 0 {
		return HeartbeatResult{Status: HeartbeatOK, Message: "minute 0 already billed"}, nil
	}

	studentID, err := c.billing.GetStudentId(ctx, sessionID)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("sessionctl: heartbeat: %w", err)
	}

	billed, err := c.billing.DeductMinute(ctx, sessionID, studentID, currentMinute)
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			metrics.IncBillingDebit("insufficient_credits")
			go c.Cleanup(context.Background(), sessionID, "insufficient_credits")
			return HeartbeatResult{Status: HeartbeatStop, Reason: "insufficient_credits"}, nil
		}
		metrics.IncBillingDebit("error")
		return HeartbeatResult{Status: HeartbeatError, Message: err.Error()}, nil
	}

	if !billed {
		metrics.IncBillingDebit("already_billed")
		return HeartbeatResult{Status: HeartbeatOK, AlreadyBilled: true}, nil
	}

	metrics.IncBillingDebit("success")
	creditsRemaining, _ := c.remainingCredits(ctx, studentID)
	return HeartbeatResult{
		Status:           HeartbeatOK,
		MinuteBilled:     currentMinute,
		CreditsRemaining: creditsRemaining,
	}, nil
}

func parseConversationStart(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	var sec int64
	if _, err := fmt.Sscanf(v, "%d", &sec); err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// CleanupDetail is the structured result §4.5.5 step 7 requires.
type CleanupDetail struct {
	CeleryTaskRevoked bool     `json:"celeryTaskRevoked"`
	ProcessKilled     bool     `json:"processKilled"`
	SelfTerminated    bool     `json:"selfTerminated,omitempty"`
	RedisCleaned      bool     `json:"redisCleaned"`
	DurationSeconds   float64  `json:"durationSeconds"`
	DurationMinutes   int      `json:"durationMinutes"`
	BillingReconciled bool     `json:"billingReconciled"`
	MinutesBilled     int      `json:"minutesBilled"`
	Errors            []string `json:"errors"`
}

// EndSession implements §4.5.3: idempotent, always invokes Cleanup.
func (c *Controller) EndSession(ctx context.Context, sessionID string) CleanupDetail {
	return c.Cleanup(ctx, sessionID, "end_session")
}

// RoomWebhook implements §4.5.4: verify the signature, then either mark a
// session's conversation as started (participant_joined — the event that
// supplies the conversationStartTime Heartbeat requires to compute elapsed
// minutes) or invoke cleanup for participant_left/room_finished, for any
// event whose room looks like a session.
func (c *Controller) RoomWebhook(ctx context.Context, rawBody []byte, signatureHex, event, room string) (bool, CleanupDetail) {
	if !roomtoken.VerifyWebhookSignature(rawBody, c.cfg.RoomServiceSecret, signatureHex) {
		return false, CleanupDetail{}
	}

	if !looksLikeSession(room) {
		return true, CleanupDetail{}
	}

	switch event {
	case "participant_joined":
		c.markConversationStarted(ctx, room)
		return true, CleanupDetail{}
	case "participant_left", "room_finished":
		return true, c.Cleanup(ctx, room, "webhook:"+event)
	default:
		return true, CleanupDetail{}
	}
}

// markConversationStarted records the first participant_joined event for a
// session as conversationStartTime and promotes the session from ready to
// active. A session already past ready (conversation_start_time already
// set, or status already active/terminal) is left untouched — only the
// first join for a given session sets the clock Heartbeat bills against.
func (c *Controller) markConversationStarted(ctx context.Context, sessionID string) {
	fields, ok := c.store.GetSession(ctx, sessionID)
	if !ok {
		return
	}
	if fields["conversation_start_time"] != "" {
		return
	}

	c.store.PutSession(ctx, sessionID, map[string]string{
		"conversation_start_time": fmt.Sprintf("%d", time.Now().Unix()),
		"status":                  string(model.StatusActive),
	}, c.cfg.SessionTTL)
	metrics.IncSessionTransition(string(model.StatusActive))
}

func looksLikeSession(room string) bool {
	return len(room) > len("session_") && room[:len("session_")] == "session_"
}

// Cleanup is the shared defensive teardown routine (§4.5.5), funneled into
// from EndSession, RoomWebhook, Heartbeat's insufficient-credits branch, and
// the reaper. It is single-shot per sessionID both within this process (a
// sync.Once per id) and across processes (a short-TTL Redis SETNX marker),
// so a caller that loses the race always observes the idempotent
// "session not found" branch instead of re-running teardown.
func (c *Controller) Cleanup(ctx context.Context, sessionID, trigger string) CleanupDetail {
	onceAny, _ := c.cleanupOnce.LoadOrStore(sessionID, &sync.Once{})
	once := onceAny.(*sync.Once)

	var detail CleanupDetail
	ran := false
	once.Do(func() {
		ran = true
		detail = c.cleanupLocked(ctx, sessionID, trigger)
	})
	if !ran {
		return CleanupDetail{Errors: []string{"Session not found"}}
	}

	c.cleanupOnce.Delete(sessionID)
	return detail
}

func (c *Controller) cleanupLocked(ctx context.Context, sessionID, trigger string) CleanupDetail {
	if !c.store.AcquireCleanupLock(ctx, sessionID, c.cfg.CleanupLockTTL) {
		metrics.IncCleanupOutcome(trigger, false)
		return CleanupDetail{Errors: []string{"Session not found"}}
	}

	fields, ok := c.store.GetSession(ctx, sessionID)
	if !ok {
		metrics.IncCleanupOutcome(trigger, false)
		return CleanupDetail{Errors: []string{"Session not found"}}
	}
	metrics.IncCleanupOutcome(trigger, true)

	detail := CleanupDetail{}
	start, hasStart := parseConversationStart(fields["conversation_start_time"])
	endedAt := time.Now()
	durationMinutes := 0
	if hasStart {
		elapsed := endedAt.Sub(start)
		detail.DurationSeconds = elapsed.Seconds()
		durationMinutes = int(elapsed.Minutes())
	}
	detail.DurationMinutes = durationMinutes

	if durationMinutes > 0 {
		result, err := c.billing.ReconcileSession(ctx, sessionID, start, endedAt)
		if err != nil {
			detail.Errors = append(detail.Errors, fmt.Sprintf("reconcile failed: %v", err))
		} else {
			detail.BillingReconciled = result.Success
			detail.MinutesBilled = result.TotalBilled
		}
	}

	if taskID := fields["queue_task_id"]; taskID != "" {
		if _, err := c.queue.Cancel(ctx, sessionID); err != nil {
			detail.Errors = append(detail.Errors, fmt.Sprintf("queue cancel failed: %v", err))
		} else {
			detail.CeleryTaskRevoked = true
		}
	}

	if pidStr := fields["agent_pid"]; pidStr != "" {
		var pid int
		if _, err := fmt.Sscanf(pidStr, "%d", &pid); err == nil && pid > 0 {
			detail.SelfTerminated = c.waitForSelfTermination(pid)
			if detail.SelfTerminated {
				detail.ProcessKilled = true
			} else {
				detail.ProcessKilled = c.terminator.Terminate(sessionID, pid)
			}
		}
	}

	if err := c.store.CleanupSession(ctx, sessionID, fields["user_name"]); err != nil {
		detail.Errors = append(detail.Errors, fmt.Sprintf("redis cleanup failed: %v", err))
	} else {
		detail.RedisCleaned = true
	}

	return detail
}

// waitForSelfTermination polls pid every 200ms for up to 3s before the
// controller escalates to a graceful-then-forced group kill (§4.5.5 step 5a).
func (c *Controller) waitForSelfTermination(pid int) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !procgroup.IsAlive(pid) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return !procgroup.IsAlive(pid)
}
