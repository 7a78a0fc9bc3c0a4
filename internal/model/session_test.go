package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidVoiceID(t *testing.T) {
	for _, v := range []string{"Ashley", "Craig", "Edward", "Olivia", "Wendy", "Priya"} {
		require.True(t, ValidVoiceID(v), v)
	}
	require.False(t, ValidVoiceID("Bob"))
	require.False(t, ValidVoiceID(""))
}

func TestGenerateSessionID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := GenerateSessionID(now)
	b := GenerateSessionID(now)

	require.Contains(t, a, "session_1700000000000_")
	require.NotEqual(t, a, b, "two generated ids should not collide")
}

func TestAgentIdentity_IsGroupLeader(t *testing.T) {
	require.True(t, AgentIdentity{Pid: 10, Pgid: 10}.IsGroupLeader())
	require.False(t, AgentIdentity{Pid: 10, Pgid: 11}.IsGroupLeader())
	require.False(t, AgentIdentity{}.IsGroupLeader())
}
