// Package model defines the Session entity and its supporting types (§3 of
// the orchestrator's data model): the unit of orchestration tracked across
// the session store, the spawner, the billing engine, and the janitors.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a Session's position in the lifecycle state machine.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// VoiceID enumerates the allowed agent voices. Anything outside this set is
// silently normalized to VoiceAshley at StartSession.
type VoiceID string

const (
	VoiceAshley VoiceID = "Ashley"
	VoiceCraig  VoiceID = "Craig"
	VoiceEdward VoiceID = "Edward"
	VoiceOlivia VoiceID = "Olivia"
	VoiceWendy  VoiceID = "Wendy"
	VoicePriya  VoiceID = "Priya"
)

// DefaultVoiceID is used whenever a requested voice is unknown.
const DefaultVoiceID = VoiceAshley

// ValidVoiceID reports whether v is one of the fixed enumeration.
func ValidVoiceID(v string) bool {
	switch VoiceID(v) {
	case VoiceAshley, VoiceCraig, VoiceEdward, VoiceOlivia, VoiceWendy, VoicePriya:
		return true
	default:
		return false
	}
}

// Session is the orchestration unit: one user-visible conversation with its
// own agent process, room credential, and lifecycle.
type Session struct {
	SessionID string
	UserName  string

	Status Status

	AgentPid    int
	AgentPgid   int
	QueueTaskID string
	LogFilePath string

	StartTime                   time.Time
	ConversationStartTime       *time.Time
	ConversationDuration        time.Duration
	ConversationDurationMinutes int

	TerminationReason string
	LastActive        time.Time
}

// Config is the voice configuration the agent reads back at spawn time
// (§3 SessionConfig). It shares the Session's TTL and lifecycle.
type Config struct {
	VoiceID      VoiceID
	OpeningLine  string
	SystemPrompt string
	UpdatedAt    time.Time
}

// AgentIdentity is the {pid, pgid, logFilePath} triple the Spawner records
// for a running agent, exposed both inside the Session record and under
// dedicated agent:{id}:* keys for direct lookup by log-tailing consumers.
type AgentIdentity struct {
	SessionID   string
	Pid         int
	Pgid        int
	LogFilePath string
}

// IsGroupLeader reports whether the recorded pid is its own process-group
// leader, i.e. signalling the group will reach every descendant.
func (a AgentIdentity) IsGroupLeader() bool {
	return a.Pid != 0 && a.Pid == a.Pgid
}

// GenerateSessionID produces a session_<ms>_<rand> identifier for requests
// that arrive without an externally supplied correlation token.
func GenerateSessionID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
