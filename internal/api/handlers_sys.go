package api

import "net/http"

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		code = http.StatusServiceUnavailable
		status = "storage unreachable"
	}

	s.refreshCapsuleGauges(r.Context())

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": "1.0.0",
	})
}
