package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with spans from the global provider.
func TracingMiddleware(redactSensitive bool) mux.MiddlewareFunc {
	return TracingMiddlewareWithProvider(otel.GetTracerProvider(), redactSensitive)
}

// TracingMiddlewareWithProvider is TracingMiddleware with an explicit provider.
// Installed with Router.Use, spans are named after the matched route template.
func TracingMiddlewareWithProvider(tp trace.TracerProvider, redactSensitive bool) mux.MiddlewareFunc {
	tracer := tp.Tracer("field-keyguard/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", ClientAddr(r)),
				),
			)
			defer span.End()

			if id := mux.Vars(r)["id"]; id != "" {
				span.SetAttributes(attribute.String("keyguard.key_id", id))
			}
			if usage := r.URL.Query().Get("usage"); usage != "" {
				span.SetAttributes(attribute.String("keyguard.usage", usage))
			}
			if reqID := RequestID(r.Context()); reqID != "" {
				span.SetAttributes(attribute.String("keyguard.request_id", reqID))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
	}
	sensitiveHeaders = []string{
		"authorization",
		"x-keyguard-token",
		"cookie",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}
