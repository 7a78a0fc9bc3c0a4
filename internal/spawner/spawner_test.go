package spawner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
)

func setupSpawner(t *testing.T, agentScript string) (*store.Store, *queue.Queue, *Spawner, string) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client)
	q := queue.New(client)

	logDir := t.TempDir()
	binPath := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(binPath, []byte(agentScript), 0o755))

	sp := New(st, q, Config{
		AgentBinary:       binPath,
		AgentLogDir:       logDir,
		BotStartupTimeout: 2 * time.Second,
		Workers:           1,
		SessionTTL:        time.Minute,
		DequeueTimeout:    100 * time.Millisecond,
	})
	return st, q, sp, logDir
}

func TestSpawnAgent_ReachesReadyOnMarker(t *testing.T) {
	script := "#!/bin/sh\necho 'Connected to room'\nsleep 5\n"
	st, _, sp, _ := setupSpawner(t, script)

	ctx := context.Background()
	job := queue.Job{SessionID: "session_ready", UserName: "alice", VoiceID: model.VoiceAshley}

	err := sp.spawnAgent(ctx, job)
	require.NoError(t, err)

	fields, ok := st.GetSession(ctx, job.SessionID)
	require.True(t, ok)
	require.Equal(t, string(model.StatusReady), fields["status"])

	ready := st.GetPhase(ctx, store.PhaseReady)
	require.Contains(t, ready, job.SessionID)

	pid, err := strconv.Atoi(fields["agent_pid"])
	require.NoError(t, err)
	sp.Terminate(job.SessionID, pid)
}

func TestSpawnAgent_ErrorsWhenAgentExitsWithoutMarker(t *testing.T) {
	script := "#!/bin/sh\necho 'nothing useful'\nexit 0\n"
	st, _, sp, _ := setupSpawner(t, script)

	ctx := context.Background()
	job := queue.Job{SessionID: "session_fail", UserName: "bob", VoiceID: model.VoiceAshley}

	err := sp.spawnAgent(ctx, job)
	require.Error(t, err)

	fields, ok := st.GetSession(ctx, job.SessionID)
	require.True(t, ok)
	require.Equal(t, string(model.StatusError), fields["status"])
}

func TestSpawnAgent_DefaultsInvalidVoiceToAshley(t *testing.T) {
	script := "#!/bin/sh\necho 'Room joined'\nsleep 5\n"
	st, _, sp, _ := setupSpawner(t, script)

	ctx := context.Background()
	job := queue.Job{SessionID: "session_voice", UserName: "carol", VoiceID: "not-a-real-voice"}

	st.PutConfig(ctx, job.SessionID, map[string]string{"voice_id": "not-a-real-voice"}, time.Minute)

	err := sp.spawnAgent(ctx, job)
	require.NoError(t, err)

	fields, _ := st.GetSession(ctx, job.SessionID)
	require.Equal(t, string(model.StatusReady), fields["status"])
}

func TestContainsReadinessMarker(t *testing.T) {
	require.True(t, containsReadinessMarker("2026-01-01 INFO Connected to room xyz"))
	require.True(t, containsReadinessMarker("Pipeline started successfully"))
	require.False(t, containsReadinessMarker("just some log noise"))
}
