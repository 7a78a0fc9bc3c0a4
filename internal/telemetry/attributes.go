// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the
// voice-agent orchestrator.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Session attributes (C5)
	SessionIDKey    = "session.id"
	SessionVoiceKey = "session.voice_id"
	SessionRoomKey  = "session.room"

	// Billing attributes (C2)
	BillingCreditsRemainingKey = "billing.credits_remaining"
	BillingMinutesBilledKey    = "billing.minutes_billed"
	BillingAlreadyBilledKey    = "billing.already_billed"

	// Spawn attributes (C3)
	SpawnAgentBinaryKey = "spawn.agent_binary"
	SpawnPIDKey         = "spawn.pid"
	SpawnAttemptKey     = "spawn.attempt"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SessionAttributes creates span attributes identifying a session (§3).
func SessionAttributes(sessionID, voiceID, room string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if voiceID != "" {
		attrs = append(attrs, attribute.String(SessionVoiceKey, voiceID))
	}
	if room != "" {
		attrs = append(attrs, attribute.String(SessionRoomKey, room))
	}
	return attrs
}

// BillingAttributes creates span attributes for a per-minute billing
// decision (§4.2).
func BillingAttributes(creditsRemaining, minutesBilled int, alreadyBilled bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(BillingCreditsRemainingKey, creditsRemaining),
		attribute.Int(BillingMinutesBilledKey, minutesBilled),
		attribute.Bool(BillingAlreadyBilledKey, alreadyBilled),
	}
}

// SpawnAttributes creates span attributes for an agent process launch (§4.3).
func SpawnAttributes(agentBinary string, pid, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SpawnAgentBinaryKey, agentBinary),
		attribute.Int(SpawnPIDKey, pid),
		attribute.Int(SpawnAttemptKey, attempt),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
