package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func tracedRouter(t *testing.T, redact bool, status int) (*mux.Router, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	r := mux.NewRouter()
	r.Use(TracingMiddlewareWithProvider(tp, redact))
	r.HandleFunc("/v1/keys/{id}/rotate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodPost)
	r.HandleFunc("/v1/keys", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodGet)
	return r, sr
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTracingMiddleware_RouteSpan(t *testing.T) {
	router, sr := tracedRouter(t, true, http.StatusOK)

	req := httptest.NewRequest("POST", "/v1/keys/3f2a/rotate", nil)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP POST /v1/keys/{id}/rotate", spans[0].Name())
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "3f2a", attrs["keyguard.key_id"])
	assert.Equal(t, "/v1/keys/{id}/rotate", attrs["http.route"])
	assert.Equal(t, "application/json", attrs["http.request.header.content-type"])
	assert.Equal(t, "200", attrs["http.status_code"])
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	router, sr := tracedRouter(t, true, http.StatusOK)

	req := httptest.NewRequest("GET", "/v1/keys?usage=signature", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-Keyguard-Token", "tok")
	router.ServeHTTP(httptest.NewRecorder(), req)

	attrs := spanAttrs(sr.Ended()[0])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.authorization"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-keyguard-token"])
	assert.Equal(t, "signature", attrs["keyguard.usage"])
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	router, sr := tracedRouter(t, false, http.StatusOK)

	req := httptest.NewRequest("GET", "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(httptest.NewRecorder(), req)

	attrs := spanAttrs(sr.Ended()[0])
	assert.Equal(t, "Bearer secret-token", attrs["http.request.header.authorization"])
}

func TestTracingMiddleware_ServerErrorStatus(t *testing.T) {
	router, sr := tracedRouter(t, true, http.StatusServiceUnavailable)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/keys", nil))

	span := sr.Ended()[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "Service Unavailable", span.Status().Description)
}

func TestTracingMiddleware_ClientErrorIsNotSpanError(t *testing.T) {
	router, sr := tracedRouter(t, true, http.StatusNotFound)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/keys/x/rotate", nil))

	assert.Equal(t, codes.Ok, sr.Ended()[0].Status().Code)
}

func TestRouteTemplate_Unrouted(t *testing.T) {
	req := httptest.NewRequest("GET", "/raw/path", nil)
	assert.Equal(t, "/raw/path", routeTemplate(req))
}
