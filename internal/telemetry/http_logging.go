package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
)

// responseWriter remembers the status and size of a response.
type responseWriter struct {
	http.ResponseWriter

	status      int
	bytes       int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n

	return n, err
}

// HTTPLogging logs one line per API call. Rejections (4xx) are warnings and
// failures (5xx) errors; health and metrics scrapes only log at debug.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		ctx := r.Context()

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"bytes", rw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		// URL params are only known once the router has matched.
		if userID := chi.URLParam(r, "userID"); userID != "" {
			attrs = append(attrs, "user_id", userID)
		}

		if id := chi.URLParam(r, "id"); id != "" {
			attrs = append(attrs, "download_state_id", id)
		}

		logctx.LoggerFromContext(ctx).Log(ctx, level(r, rw.status), "api request", attrs...)
	})
}

func level(r *http.Request, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
