// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/health"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/ratelimit"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/sessionctl"
)

type fakeController struct {
	startResult sessionctl.StartSessionResult
	startErr    error

	heartbeatResult sessionctl.HeartbeatResult
	heartbeatErr    error

	endDetail sessionctl.CleanupDetail

	webhookOK     bool
	webhookDetail sessionctl.CleanupDetail
}

func (f *fakeController) StartSession(ctx context.Context, req sessionctl.StartSessionRequest) (sessionctl.StartSessionResult, error) {
	return f.startResult, f.startErr
}

func (f *fakeController) Heartbeat(ctx context.Context, sessionID string) (sessionctl.HeartbeatResult, error) {
	return f.heartbeatResult, f.heartbeatErr
}

func (f *fakeController) EndSession(ctx context.Context, sessionID string) sessionctl.CleanupDetail {
	return f.endDetail
}

func (f *fakeController) RoomWebhook(ctx context.Context, rawBody []byte, signatureHex, event, room string) (bool, sessionctl.CleanupDetail) {
	return f.webhookOK, f.webhookDetail
}

type fakeStore struct {
	sessions map[string]map[string]string
	pids     map[string]int
	logs     map[string][]string
	ids      []string
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (map[string]string, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeStore) GetAgentPid(ctx context.Context, id string) (int, bool) {
	pid, ok := f.pids[id]
	return pid, ok
}

func (f *fakeStore) RecentLogs(ctx context.Context, id string, n int64) []string {
	return f.logs[id]
}

func (f *fakeStore) ScanSessionIds(ctx context.Context, batch int64) []string {
	return f.ids
}

func newTestServer(ctl *fakeController, st *fakeStore) *Server {
	hm := health.NewManager("test")
	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate: 1000, GlobalBurst: 1000,
		PerIPRate: 1000, PerIPBurst: 1000,
	})
	return New(ctl, st, hm, limiter, DefaultConfig())
}

func TestHandleSessionStart_Success(t *testing.T) {
	ctl := &fakeController{startResult: sessionctl.StartSessionResult{
		SessionID: "session_1", Token: "tok", ServerURL: "http://x", CreditsRemaining: 10,
		VoiceValidated: true,
	}}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionStartRequest{UserName: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "session_1", resp.SessionID)
	assert.Equal(t, 10, resp.CreditsRemaining)
	assert.True(t, resp.VoiceValidated)
}

func TestHandleSessionStart_UnvalidatedVoiceReflectedInResponse(t *testing.T) {
	ctl := &fakeController{startResult: sessionctl.StartSessionResult{
		SessionID: "session_2", VoiceValidated: false,
	}}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionStartRequest{UserName: "bob", VoiceID: "NotARealVoice"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.VoiceValidated)
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(&fakeController{}, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSessionStart_InsufficientCredits(t *testing.T) {
	ctl := &fakeController{startErr: sessionctl.ErrInsufficientCredits}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionStartRequest{UserName: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestHandleSessionStart_StudentNotFound(t *testing.T) {
	ctl := &fakeController{startErr: sessionctl.ErrStudentNotFound}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionStartRequest{UserName: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessionStart_QueueUnavailable(t *testing.T) {
	ctl := &fakeController{startErr: sessionctl.ErrEnqueueFailed}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionStartRequest{UserName: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleSessionStart_BadJSON(t *testing.T) {
	srv := newTestServer(&fakeController{}, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/start", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHeartbeat_Stop(t *testing.T) {
	ctl := &fakeController{heartbeatResult: sessionctl.HeartbeatResult{
		Status: sessionctl.HeartbeatStop, Reason: "insufficient_credits",
	}}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionIDRequest{SessionID: "session_1"})
	req := httptest.NewRequest(http.MethodPost, "/api/session/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stop", resp["status"])
	assert.Equal(t, "insufficient_credits", resp["reason"])
}

func TestHandleHeartbeat_SessionNotFound(t *testing.T) {
	ctl := &fakeController{heartbeatErr: sessionctl.ErrSessionNotFound}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionIDRequest{SessionID: "missing"})
	req := httptest.NewRequest(http.MethodPost, "/api/session/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessionEnd_NotFound(t *testing.T) {
	ctl := &fakeController{endDetail: sessionctl.CleanupDetail{Errors: []string{"Session not found"}}}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(sessionIDRequest{SessionID: "missing"})
	req := httptest.NewRequest(http.MethodPost, "/orchestrator/session/end", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	ctl := &fakeController{webhookOK: false}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(map[string]string{"event": "participant_left"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/livekit", bytes.NewReader(body))
	req.Header.Set("X-LiveKit-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_Dedup(t *testing.T) {
	ctl := &fakeController{webhookOK: true}
	srv := newTestServer(ctl, &fakeStore{})

	body, _ := json.Marshal(map[string]string{"event": "participant_left"})

	req1 := httptest.NewRequest(http.MethodPost, "/webhook/livekit", bytes.NewReader(body))
	req1.Header.Set("X-LiveKit-Signature", "abc123")
	rec1 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/webhook/livekit", bytes.NewReader(body))
	req2.Header.Set("X-LiveKit-Signature", "abc123")
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["status"])
}

func TestHandleAdminSessions(t *testing.T) {
	st := &fakeStore{
		ids: []string{"session_1", "session_2"},
		sessions: map[string]map[string]string{
			"session_1": {"user_name": "alice", "status": "ready"},
			"session_2": {"user_name": "bob", "status": "active"},
		},
	}
	srv := newTestServer(&fakeController{}, st)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["count"])
}

func TestHandleAdminSessionLogs(t *testing.T) {
	st := &fakeStore{logs: map[string][]string{"session_1": {"line1", "line2"}}}
	srv := newTestServer(&fakeController{}, st)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/sessions/session_1/logs?limit=5", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["count"])
}

func TestHandleDebugProcesses_NotFound(t *testing.T) {
	srv := newTestServer(&fakeController{}, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/debug/session/missing/processes", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOrchestratorHealth(t *testing.T) {
	srv := newTestServer(&fakeController{}, &fakeStore{})
	srv.cfg.LiveKitConfigured = true

	req := httptest.NewRequest(http.MethodGet, "/orchestrator/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["livekit_configured"])
}
