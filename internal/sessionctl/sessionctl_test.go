package sessionctl

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/billing"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/model"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/queue"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/store"
)

// fakeCredit is an in-memory stand-in for billing.CreditEngine so tests
// never need a live PostgreSQL instance.
type fakeCredit struct {
	mu        sync.Mutex
	students  map[string]string // sessionID -> studentID
	balances  map[string]int
	billed    map[string]map[int]bool // studentID -> minute -> billed
	callCount int
}

func newFakeCredit() *fakeCredit {
	return &fakeCredit{
		students: map[string]string{},
		balances: map[string]int{},
		billed:   map[string]map[int]bool{},
	}
}

func (f *fakeCredit) register(sessionID, studentID string, balance int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.students[sessionID] = studentID
	f.balances[studentID] = balance
	f.billed[studentID] = map[int]bool{}
}

func (f *fakeCredit) GetStudentId(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.students[sessionID]
	if !ok {
		return "", billing.ErrStudentNotFound
	}
	return id, nil
}

func (f *fakeCredit) CheckSufficient(_ context.Context, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[studentID] >= 1, nil
}

func (f *fakeCredit) GetCreditsRemaining(_ context.Context, studentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[studentID], nil
}

func (f *fakeCredit) DeductMinute(_ context.Context, _ string, studentID string, minute int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.billed[studentID][minute] {
		return false, nil
	}
	if f.balances[studentID] < 1 {
		return false, billing.ErrInsufficientCredits
	}
	f.balances[studentID]--
	f.billed[studentID][minute] = true
	return true, nil
}

func (f *fakeCredit) ReconcileSession(ctx context.Context, sessionID string, start, ended time.Time) (billing.ReconcileResult, error) {
	studentID, err := f.GetStudentId(ctx, sessionID)
	if err != nil {
		return billing.ReconcileResult{Success: true}, nil
	}
	owed := int(ended.Sub(start).Minutes())
	result := billing.ReconcileResult{Success: true}
	for m := 1; m <= owed; m++ {
		billedNow, err := f.DeductMinute(ctx, sessionID, studentID, m)
		if err != nil {
			result.Success = false
			for rest := m; rest <= owed; rest++ {
				result.FailedMinutes = append(result.FailedMinutes, rest)
			}
			break
		}
		if billedNow {
			result.BilledNow++
		}
	}
	f.mu.Lock()
	for m := range f.billed[studentID] {
		if m > result.TotalBilled {
			result.TotalBilled = m
		}
	}
	f.mu.Unlock()
	return result, nil
}

type fakeTerminator struct {
	terminated map[string]bool
}

func (f *fakeTerminator) Terminate(sessionID string, _ int) bool {
	if f.terminated == nil {
		f.terminated = map[string]bool{}
	}
	f.terminated[sessionID] = true
	return true
}

func setupController(t *testing.T) (*Controller, *fakeCredit, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client)
	q := queue.New(client)
	credit := newFakeCredit()
	cfg := DefaultConfig()
	cfg.RoomServiceSecret = "test-secret"
	cfg.ServerURL = "wss://room.example.test"
	ctl := New(st, credit, q, &fakeTerminator{}, cfg)
	return ctl, credit, st
}

func TestStartSession_HappyPath(t *testing.T) {
	ctl, credit, _ := setupController(t)
	credit.register("tok_abc", "student_1", 5)

	res, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         "alice",
		VoiceID:          "Olivia",
		CorrelationToken: "tok_abc",
	})
	require.NoError(t, err)
	require.Equal(t, "tok_abc", res.SessionID)
	require.True(t, res.InitialCreditDeducted)
	require.Equal(t, 0, res.MinuteBilled)
	require.Equal(t, 4, res.CreditsRemaining)
	require.True(t, res.VoiceValidated)
}

func TestStartSession_UnknownVoiceFallsBackToAshley(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_v", "student_1", 5)

	res, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         "bob",
		VoiceID:          "NotARealVoice",
		CorrelationToken: "tok_v",
	})
	require.NoError(t, err)
	require.False(t, res.VoiceValidated)

	cfg, ok := st.GetConfig(context.Background(), "tok_v")
	require.True(t, ok)
	require.Equal(t, string(model.DefaultVoiceID), cfg["voice_id"])
}

func TestStartSession_NoStudent(t *testing.T) {
	ctl, _, _ := setupController(t)

	_, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         "nobody",
		CorrelationToken: "tok_missing",
	})
	require.ErrorIs(t, err, ErrStudentNotFound)
}

func TestStartSession_InsufficientCredits(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_zero", "student_0", 0)

	_, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         "carol",
		CorrelationToken: "tok_zero",
	})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	_, ok := st.GetSession(context.Background(), "tok_zero")
	require.False(t, ok, "no Session record should be created on a rejected start")
}

func TestStartSession_CorrelationTokenUsedVerbatim(t *testing.T) {
	ctl, credit, _ := setupController(t)
	credit.register("my-custom-token", "student_9", 3)

	res, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         "dave",
		CorrelationToken: "my-custom-token",
	})
	require.NoError(t, err)
	require.Equal(t, "my-custom-token", res.SessionID)
}

func TestHeartbeat_Minute0AlreadyBilled(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_hb0", "student_1", 5)
	start(t, ctl, credit, "tok_hb0", "eve")

	setConversationStart(t, st, "tok_hb0", time.Now().Add(-10*time.Second))

	res, err := ctl.Heartbeat(context.Background(), "tok_hb0")
	require.NoError(t, err)
	require.Equal(t, HeartbeatOK, res.Status)
	require.Equal(t, "minute 0 already billed", res.Message)
	require.Equal(t, 0, res.MinuteBilled)
}

func TestHeartbeat_BillsMinuteAfter60Seconds(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_hb1", "student_1", 5)
	start(t, ctl, credit, "tok_hb1", "eve")

	setConversationStart(t, st, "tok_hb1", time.Now().Add(-61*time.Second))

	res, err := ctl.Heartbeat(context.Background(), "tok_hb1")
	require.NoError(t, err)
	require.Equal(t, HeartbeatOK, res.Status)
	require.Equal(t, 1, res.MinuteBilled)
	require.Equal(t, 3, res.CreditsRemaining)
}

func TestHeartbeat_AlreadyBilledOnDuplicate(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_hb2", "student_1", 5)
	start(t, ctl, credit, "tok_hb2", "eve")
	setConversationStart(t, st, "tok_hb2", time.Now().Add(-61*time.Second))

	first, err := ctl.Heartbeat(context.Background(), "tok_hb2")
	require.NoError(t, err)
	require.Equal(t, HeartbeatOK, first.Status)

	second, err := ctl.Heartbeat(context.Background(), "tok_hb2")
	require.NoError(t, err)
	require.Equal(t, HeartbeatOK, second.Status)
	require.True(t, second.AlreadyBilled)

	require.Equal(t, 3, credit.balances["student_1"], "exactly one debit across both calls")
}

func TestHeartbeat_InsufficientCreditsStopsAndCleansUp(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("tok_hb3", "student_2", 1)
	start(t, ctl, credit, "tok_hb3", "frank")
	setConversationStart(t, st, "tok_hb3", time.Now().Add(-61*time.Second))

	res, err := ctl.Heartbeat(context.Background(), "tok_hb3")
	require.NoError(t, err)
	require.Equal(t, HeartbeatStop, res.Status)
	require.Equal(t, "insufficient_credits", res.Reason)

	require.Eventually(t, func() bool {
		_, ok := st.GetSession(context.Background(), "tok_hb3")
		return !ok
	}, time.Second, 10*time.Millisecond, "cleanup should remove the session asynchronously")
}

func TestHeartbeat_MissingSession(t *testing.T) {
	ctl, _, _ := setupController(t)
	_, err := ctl.Heartbeat(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHeartbeat_MissingConversationStartIsError(t *testing.T) {
	ctl, credit, _ := setupController(t)
	credit.register("tok_hb4", "student_1", 5)
	start(t, ctl, credit, "tok_hb4", "eve")

	res, err := ctl.Heartbeat(context.Background(), "tok_hb4")
	require.NoError(t, err)
	require.Equal(t, HeartbeatError, res.Status)
}

func TestCleanup_IdempotentConcurrentCallsBothSucceed(t *testing.T) {
	ctl, credit, _ := setupController(t)
	credit.register("tok_end", "student_1", 5)
	start(t, ctl, credit, "tok_end", "gina")

	var wg sync.WaitGroup
	results := make([]CleanupDetail, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ctl.EndSession(context.Background(), "tok_end")
		}(i)
	}
	wg.Wait()

	oneNotFound, oneCleaned := 0, 0
	for _, r := range results {
		if len(r.Errors) == 1 && r.Errors[0] == "Session not found" {
			oneNotFound++
		} else {
			oneCleaned++
		}
	}
	require.Equal(t, 1, oneNotFound)
	require.Equal(t, 1, oneCleaned)
}

func TestCleanup_SecondCallAfterCompletionReportsNotFound(t *testing.T) {
	ctl, credit, _ := setupController(t)
	credit.register("tok_end2", "student_1", 5)
	start(t, ctl, credit, "tok_end2", "gina")

	first := ctl.EndSession(context.Background(), "tok_end2")
	require.Empty(t, first.Errors)

	second := ctl.EndSession(context.Background(), "tok_end2")
	require.Equal(t, []string{"Session not found"}, second.Errors)
}

func TestRoomWebhook_BadSignatureRejected(t *testing.T) {
	ctl, _, _ := setupController(t)
	ok, _ := ctl.RoomWebhook(context.Background(), []byte(`{}`), "deadbeef", "participant_left", "session_x")
	require.False(t, ok)
}

func TestRoomWebhook_ParticipantJoinedSetsConversationStart(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("session_join", "student_1", 5)
	start(t, ctl, credit, "session_join", "hank")

	body := []byte(`{"event":"participant_joined","room":{"name":"session_join"}}`)
	sig := signBody(t, "test-secret", body)

	ok, _ := ctl.RoomWebhook(context.Background(), body, sig, "participant_joined", "session_join")
	require.True(t, ok)

	fields, found := st.GetSession(context.Background(), "session_join")
	require.True(t, found)
	require.NotEmpty(t, fields["conversation_start_time"])
	require.Equal(t, string(model.StatusActive), fields["status"])
}

func TestRoomWebhook_ParticipantLeftTriggersCleanup(t *testing.T) {
	ctl, credit, st := setupController(t)
	credit.register("session_leave", "student_1", 5)
	start(t, ctl, credit, "session_leave", "iris")

	body := []byte(`{"event":"participant_left","room":{"name":"session_leave"}}`)
	sig := signBody(t, "test-secret", body)

	ok, detail := ctl.RoomWebhook(context.Background(), body, sig, "participant_left", "session_leave")
	require.True(t, ok)
	require.Empty(t, detail.Errors)

	_, found := st.GetSession(context.Background(), "session_leave")
	require.False(t, found)
}

func TestRoomWebhook_NonSessionRoomIgnored(t *testing.T) {
	ctl, _, _ := setupController(t)
	body := []byte(`{"event":"room_finished","room":{"name":"lobby"}}`)
	sig := signBody(t, "test-secret", body)

	ok, detail := ctl.RoomWebhook(context.Background(), body, sig, "room_finished", "lobby")
	require.True(t, ok)
	require.Zero(t, detail)
}

func start(t *testing.T, ctl *Controller, credit *fakeCredit, sessionID, userName string) {
	t.Helper()
	if _, ok := credit.students[sessionID]; !ok {
		t.Fatalf("test bug: register a student for %s before starting it", sessionID)
	}
	_, err := ctl.StartSession(context.Background(), StartSessionRequest{
		UserName:         userName,
		CorrelationToken: sessionID,
	})
	require.NoError(t, err)
}

func setConversationStart(t *testing.T, st *store.Store, sessionID string, ts time.Time) {
	t.Helper()
	st.PutSession(context.Background(), sessionID, map[string]string{
		"conversation_start_time": fmt.Sprintf("%d", ts.Unix()),
	}, time.Hour)
}

func signBody(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
