package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/session-relay/internal/auth"
	"github.com/workspace/session-relay/internal/gateway"
	"github.com/workspace/session-relay/internal/pty"
	"github.com/workspace/session-relay/internal/session"
)

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{sessionId}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.requireAuth(s.handleKillSession))
	mux.HandleFunc("GET /sessions/{sessionId}/metadata", s.requireAuth(s.handleSessionMetadata))

	mux.HandleFunc("GET /ws", s.requireAuth(s.handleRelayWS))
}

// requireAuth resolves the caller's principal before running next.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			slog.Debug("Request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

func principalOf(r *http.Request) string {
	p, _ := auth.FromContext(r.Context())
	return p.Subject
}

// sessionView is a registry record plus live attachment state.
type sessionView struct {
	session.Session
	Live        bool   `json:"live"`
	MasterHeld  bool   `json:"masterHeld"`
	Connections int    `json:"connections"`
	IdleSeconds *int64 `json:"idleSeconds,omitempty"`
}

// view overlays in-memory activity that has not been flushed to the
// registry yet.
func (s *Server) view(rec session.Session) sessionView {
	v := sessionView{Session: rec}
	p, err := s.deps.Manager.Presence(rec.ID)
	if err != nil {
		return v
	}
	v.Live = true
	v.MasterHeld = p.MasterHeld
	v.Connections = p.Connections
	if at, ok := s.deps.Activity.LastActivity(rec.ID); ok {
		if at = at.UTC(); at.After(v.LastActivityAt) {
			v.LastActivityAt = at
		}
		idle := int64(s.deps.Activity.IdleFor(rec.ID) / time.Second)
		v.IdleSeconds = &idle
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Manager.ListSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	views := make([]sessionView, 0, len(rows))
	for _, rec := range rows {
		views = append(views, s.view(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

type createSessionRequest struct {
	ProjectPath string `json:"projectPath"`
	ProjectName string `json:"projectName"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.deps.Manager.CreateSession(r.Context(), body.ProjectPath, body.ProjectName)
	if err != nil {
		var spawnErr *pty.SpawnError
		var createErr *session.CreateError
		switch {
		case errors.Is(err, session.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		case errors.As(err, &spawnErr):
			slog.Error("Failed to start session process", "projectPath", body.ProjectPath, "error", err)
			writeError(w, http.StatusBadGateway, "failed to start session process")
		case errors.As(err, &createErr):
			writeError(w, http.StatusBadRequest, "invalid project path")
		default:
			slog.Error("Failed to create session", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	slog.Info("Session created via API", "sessionID", rec.ID, "principal", principalOf(r))
	writeJSON(w, http.StatusCreated, s.view(rec))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Manager.GetSession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*rec))
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	if err := s.deps.Manager.KillSession(r.Context(), id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	slog.Info("Session killed via API", "sessionID", id, "principal", principalOf(r))
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": string(session.StatusTerminated)})
}

func (s *Server) handleSessionMetadata(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Manager.Snapshot(r.PathValue("sessionId"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snap})
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Gateway.ServeWS(w, r, principalOf(r))
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		slog.Error("Session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// corsMiddleware adds CORS headers for allowed origins.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && gateway.OriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
