// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// otelHTTP wraps the router with OpenTelemetry HTTP instrumentation,
// creating one span per request and propagating trace context from the
// caller. Grounded on the teacher's internal/api/middleware.OTelHTTP.
func otelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(semconv.ServiceName(serviceName)),
			),
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanNameFormatter),
		)
	}
}

// shouldTrace skips the health endpoint to cut noise from liveness probes.
func shouldTrace(r *http.Request) bool {
	return r.URL.Path != "/orchestrator/health"
}

func spanNameFormatter(operation string, r *http.Request) string {
	return operation + " " + r.URL.Path
}

// addSpanAttributes attaches attributes to the request's active span. Safe
// to call when tracing is disabled — the span is then a noop.
func addSpanAttributes(r *http.Request, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(r.Context()).SetAttributes(attrs...)
}
