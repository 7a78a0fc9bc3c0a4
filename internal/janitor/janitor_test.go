package janitor

import (
	"context"
	"os/exec"
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

type fakeTerminator struct{ calls []string }

func (f *fakeTerminator) Terminate(sessionID string, pid int) bool {
	f.calls = append(f.calls, sessionID)
	return true
}

func setupJanitor(t *testing.T) (*store.Store, *queue.Queue, *Janitors, *fakeTerminator) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client)
	q := queue.New(client)
	term := &fakeTerminator{}

	cfg := DefaultConfig()
	cfg.SessionTimeout = 100 * time.Millisecond
	j := New(st, q, term, cfg)
	return st, q, j, term
}

func TestHealthCheck_DemotesDeadAgent(t *testing.T) {
	st, _, j, _ := setupJanitor(t)
	ctx := context.Background()

	// A process that exits immediately: its pid stops being alive quickly.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPid := cmd.Process.Pid

	st.PutSession(ctx, "session_dead", map[string]string{
		"status":    string(model.StatusReady),
		"agent_pid": strconv.Itoa(deadPid),
	}, time.Minute)
	st.AddToPhase(ctx, store.PhaseReady, "session_dead")

	j.runHealthCheck(ctx)

	fields, ok := st.GetSession(ctx, "session_dead")
	require.True(t, ok)
	require.Equal(t, string(model.StatusError), fields["status"])

	ready := st.GetPhase(ctx, store.PhaseReady)
	require.NotContains(t, ready, "session_dead")
}

func TestHealthCheck_LeavesLiveAgentAlone(t *testing.T) {
	st, _, j, _ := setupJanitor(t)
	ctx := context.Background()

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	st.PutSession(ctx, "session_alive", map[string]string{
		"status":    string(model.StatusReady),
		"agent_pid": strconv.Itoa(cmd.Process.Pid),
	}, time.Minute)
	st.AddToPhase(ctx, store.PhaseReady, "session_alive")

	j.runHealthCheck(ctx)

	fields, ok := st.GetSession(ctx, "session_alive")
	require.True(t, ok)
	require.Equal(t, string(model.StatusReady), fields["status"])
}

func TestReaper_ReclaimsStaleSession(t *testing.T) {
	st, _, j, term := setupJanitor(t)
	ctx := context.Background()

	staleTime := time.Now().Add(-time.Hour).Unix()
	st.PutSession(ctx, "session_stale", map[string]string{
		"status":      string(model.StatusReady),
		"last_active": strconv.FormatInt(staleTime, 10),
		"agent_pid":   "99999",
		"user_name":   "dave",
	}, time.Minute)

	j.runReaper(ctx)

	_, ok := st.GetSession(ctx, "session_stale")
	require.False(t, ok)
	require.Contains(t, term.calls, "session_stale")
}

func TestReaper_LeavesFreshSessionAlone(t *testing.T) {
	st, _, j, _ := setupJanitor(t)
	ctx := context.Background()

	st.PutSession(ctx, "session_fresh", map[string]string{
		"status":      string(model.StatusReady),
		"last_active": strconv.FormatInt(time.Now().Unix(), 10),
	}, time.Minute)

	j.runReaper(ctx)

	_, ok := st.GetSession(ctx, "session_fresh")
	require.True(t, ok)
}
