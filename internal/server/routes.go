package server

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	// audio is already compressed and must honour Range, so no gzip here
	mux.Handle("GET /v1/stream", s.deps.Gateway)

	mux.Handle("POST /v1/devices", s.api(s.session(s.handleRegisterDevice)))
	mux.Handle("GET /v1/devices", s.api(s.session(s.handleListDevices)))
	mux.Handle("DELETE /v1/devices/{uuid}", s.api(s.session(s.handleRemoveDevice)))
	mux.Handle("POST /v1/access", s.api(s.session(s.handleAccess)))
	mux.Handle("POST /v1/downloads", s.api(s.session(s.handleDownload)))
	mux.Handle("POST /v1/downloads/complete", s.api(s.session(s.handleCompleteDownload)))

	mux.Handle("POST /v1/synthesize", s.api(s.admin(s.handleSynthesize)))
	mux.Handle("POST /v1/previews/bulk", s.api(s.admin(s.handleBulkPreview)))

	return withRequestID(s.logRequests(s.recoverer(s.rateLimit(mux))))
}

// api wraps a JSON route with a body limit and response compression.
func (s *Server) api(h http.HandlerFunc) http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		h(w, r)
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ledger.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "err", err)
		writeErrorCode(w, r, http.StatusServiceUnavailable, "not_ready", "ledger unavailable")
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
