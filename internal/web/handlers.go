package web

import (
	"context"
	"net/http"
	"time"

	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/logging"
)

const pingTimeout = 2 * time.Second

type healthResponse struct {
	Status    string `json:"status"`
	Templates int    `json:"templates"`
	Error     string `json:"error,omitempty"`
}

// handleHealth answers 200 when the store responds, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Registry != nil {
		resp.Templates = s.deps.Registry.Count()
	}

	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = "store unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type etlRunResponse struct {
	etl.Summary
	DurationMS int64 `json:"durationMs"`
}

// handleETLRun runs one ETL pass synchronously. 409 while the scheduler (or
// another request) is mid-run.
func (s *Server) handleETLRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.ETL == nil {
		writeError(w, r, http.StatusNotImplemented, "ETL011", "etl stage not configured")
		return
	}

	start := time.Now()
	summary, err := s.deps.ETL.RunOnce(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, etlRunResponse{Summary: summary, DurationMS: time.Since(start).Milliseconds()})
}
