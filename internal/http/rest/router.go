package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/peerbuy_downloader/internal/telemetry"
)

// NewRouter mounts the purchase API next to the health and metrics
// endpoints.
func NewRouter(h *PurchaseHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return r
}
