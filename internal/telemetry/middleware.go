package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware traces API calls and records request metrics.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{telemetry: telemetry}
}

// Middleware starts one span per call. The span is renamed to the matched
// route once routing is done, and carries the user and download state the
// call is about, so a purchase can be followed from the API into its tasks.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.telemetry == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		m.telemetry.IncrementHTTPInFlight()
		defer m.telemetry.DecrementHTTPInFlight()

		ctx, span := m.telemetry.Tracer().Start(r.Context(), r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		if id := logctx.RequestID(ctx); id != "" {
			span.SetAttributes(attribute.String("request.id", id))
		}

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)

		next.ServeHTTP(rw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rw.status),
			attribute.Int("http.response_size", rw.bytes),
		)

		if userID := chi.URLParam(r, "userID"); userID != "" {
			span.SetAttributes(attribute.String("purchase.user_id", userID))
		}

		if id := chi.URLParam(r, "id"); id != "" {
			span.SetAttributes(attribute.String("purchase.download_state_id", id))
		}

		if rw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(rw.status))
		}

		m.telemetry.RecordHTTPRequest(r.Method, route, getStatusClass(rw.status), time.Since(start))
	})
}

func getStatusClass(statusCode int) string {
	if statusCode < 200 || statusCode > 599 {
		return "unknown"
	}

	return strconv.Itoa(statusCode/100) + "xx"
}

// routePattern keeps ids out of metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}
