package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/peerbuy_downloader/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags every API call with an id, reusing one sent by the caller.
// The id is echoed in the response and carried in the context, where the
// log handler picks it up for the request and for any task it starts.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), id)))
	})
}

// GetRequestID returns the request id of ctx, or "".
func GetRequestID(ctx context.Context) string {
	return logctx.RequestID(ctx)
}
