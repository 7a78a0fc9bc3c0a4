// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/procgroup"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/sessionctl"
	"github.com/MHGanainy/simsbuddy-voice-agent/internal/telemetry"
)

// sessionStartRequest is the JSON body for POST /orchestrator/session/start.
type sessionStartRequest struct {
	SessionID    string `json:"sessionId,omitempty"`
	UserName     string `json:"userName"`
	VoiceID      string `json:"voiceId,omitempty"`
	OpeningLine  string `json:"openingLine,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// sessionStartResponse is SessionStartResponse (§6).
type sessionStartResponse struct {
	SessionID             string `json:"sessionId"`
	Token                 string `json:"token"`
	ServerURL             string `json:"serverUrl"`
	InitialCreditDeducted bool   `json:"initialCreditDeducted"`
	CreditsRemaining      int    `json:"creditsRemaining"`
	MinuteBilled          int    `json:"minuteBilled"`
	VoiceValidated        bool   `json:"voice_validated"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrBadJSON)
		return
	}

	result, err := s.ctl.StartSession(r.Context(), sessionctl.StartSessionRequest{
		UserName:         req.UserName,
		VoiceID:          req.VoiceID,
		OpeningLine:      req.OpeningLine,
		SystemPrompt:     req.SystemPrompt,
		CorrelationToken: req.SessionID,
	})
	if err != nil {
		s.respondStartSessionError(w, r, err)
		return
	}

	addSpanAttributes(r, telemetry.SessionAttributes(result.SessionID, req.VoiceID, "")...)
	addSpanAttributes(r, telemetry.BillingAttributes(result.CreditsRemaining, result.MinuteBilled, false)...)

	writeJSON(w, http.StatusOK, sessionStartResponse{
		SessionID:             result.SessionID,
		Token:                 result.Token,
		ServerURL:             result.ServerURL,
		InitialCreditDeducted: result.InitialCreditDeducted,
		CreditsRemaining:      result.CreditsRemaining,
		MinuteBilled:          result.MinuteBilled,
		VoiceValidated:        result.VoiceValidated,
	})
}

func (s *Server) respondStartSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sessionctl.ErrStudentNotFound):
		RespondError(w, r, http.StatusNotFound, ErrStudentNotFoundAPI)
	case errors.Is(err, sessionctl.ErrInsufficientCredits):
		RespondError(w, r, http.StatusPaymentRequired, ErrNoCreditsAPI)
	case errors.Is(err, sessionctl.ErrEnqueueFailed):
		RespondError(w, r, http.StatusServiceUnavailable, ErrQueueUnavailableAPI)
	case errors.Is(err, sessionctl.ErrInitialBillingFailed):
		RespondError(w, r, http.StatusInternalServerError, ErrBillingFailedAPI)
	default:
		s.logger.Error().Err(err).Msg("start session failed")
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
	}
}

// sessionIDRequest covers both /session/end and the heartbeat body (§6).
type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrBadJSON)
		return
	}

	detail := s.ctl.EndSession(r.Context(), req.SessionID)
	if len(detail.Errors) == 1 && detail.Errors[0] == "Session not found" {
		RespondError(w, r, http.StatusNotFound, ErrSessionNotFoundAPI)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": len(detail.Errors) == 0,
		"details": detail,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		RespondError(w, r, http.StatusBadRequest, ErrBadJSON)
		return
	}

	result, err := s.ctl.Heartbeat(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, sessionctl.ErrSessionNotFound) {
			RespondError(w, r, http.StatusNotFound, ErrSessionNotFoundAPI)
			return
		}
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("heartbeat failed")
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}

	addSpanAttributes(r, telemetry.SessionAttributes(req.SessionID, "", "")...)
	addSpanAttributes(r, telemetry.BillingAttributes(result.CreditsRemaining, result.MinuteBilled, result.AlreadyBilled)...)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            result.Status,
		"message":           omitEmpty(result.Message),
		"minute_billed":     result.MinuteBilled,
		"credits_remaining": result.CreditsRemaining,
		"already_billed":    result.AlreadyBilled,
		"reason":            omitEmpty(result.Reason),
	})
}

func omitEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// livekitWebhookPayload mirrors the fields LiveKit's webhook delivery
// carries that the controller needs (§4.5.4); everything else is ignored.
type livekitWebhookPayload struct {
	Event string `json:"event"`
	Room  struct {
		Name string `json:"name"`
	} `json:"room"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrBadJSON)
		return
	}

	var payload livekitWebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrBadJSON)
		return
	}

	sigHex := r.Header.Get("X-LiveKit-Signature")

	dedupKey := "webhook:" + sigHex
	if sigHex != "" {
		if _, seen := s.webhookDedup.Get(dedupKey); seen {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "event": payload.Event})
			return
		}
	}

	addSpanAttributes(r, telemetry.SessionAttributes("", "", payload.Room.Name)...)

	ok, _ := s.ctl.RoomWebhook(r.Context(), rawBody, sigHex, payload.Event, payload.Room.Name)
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, ErrBadSig)
		return
	}

	if sigHex != "" {
		s.webhookDedup.Set(dedupKey, true, time.Minute)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "event": payload.Event})
}

// handleDebugProcesses implements §4.5.6's process introspection endpoint,
// reporting the agent's pid, whether it is still alive, and (on Linux) every
// pid sharing its process group.
func (s *Server) handleDebugProcesses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pid, ok := s.store.GetAgentPid(r.Context(), id)
	if !ok {
		RespondError(w, r, http.StatusNotFound, ErrSessionNotFoundAPI)
		return
	}

	addSpanAttributes(r, telemetry.SpawnAttributes("", pid, 0)...)

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     id,
		"pid":           pid,
		"alive":         procgroup.IsAlive(pid),
		"groupMembers":  procgroup.GroupMembers(pid),
		"isGroupLeader": true,
	})
}

// sessionSummary is one row of the admin session listing.
type sessionSummary struct {
	SessionID  string `json:"sessionId"`
	UserName   string `json:"userName"`
	Status     string `json:"status"`
	StartTime  string `json:"startTime"`
	LastActive string `json:"lastActive"`
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.store.ScanSessionIds(r.Context(), s.cfg.AdminSessionBatch)

	summaries := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		fields, ok := s.store.GetSession(r.Context(), id)
		if !ok {
			continue
		}
		summaries = append(summaries, sessionSummary{
			SessionID:  id,
			UserName:   fields["user_name"],
			Status:     fields["status"],
			StartTime:  fields["start_time"],
			LastActive: fields["last_active"],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"count":    len(summaries),
	})
}

func (s *Server) handleAdminSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs := s.store.RecentLogs(r.Context(), id, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}
