package api

import (
	"log/slog"
	"net/http"

	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
)

// Routes assembles the coordination API behind its middleware chain:
// request IDs, then request logging, then metrics, innermost the mux.
func (h *Handler) Routes() http.Handler {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := h.recorder()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/v1/uploads/admission", h.Admission)
	mux.HandleFunc("/api/v1/uploads", h.Uploads)
	mux.HandleFunc("/api/v1/uploads/", h.UploadByID)
	mux.HandleFunc("/api/v1/jobs/", h.JobByID)

	chain := http.Handler(mux)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = requestIDMiddleware(logger, chain)
	return chain
}
