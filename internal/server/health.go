package server

import (
	"net/http"
	"time"
)

// handleHealth reports liveness and a few counters. It is unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if s.deps.Gateway != nil {
		connections = s.deps.Gateway.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"backend":       s.deps.Manager.BackendName(),
		"liveSessions":  s.deps.Manager.LiveCount(),
		"connections":   connections,
		"auditDropped":  s.deps.Audit.Dropped(),
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
