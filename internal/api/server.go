// Package api exposes the orchestrator's query surface: session and preview
// state over JSON, Prometheus metrics, and a websocket event stream. Auth
// beyond a shared token is a collaborator concern.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"vibedeck/internal/event"
	"vibedeck/internal/logging"
	"vibedeck/internal/metrics"
	"vibedeck/internal/ports"
	"vibedeck/internal/preview"
	"vibedeck/internal/terminal"
)

type Server struct {
	Manager        *terminal.Manager
	Previews       *preview.Service
	Allocator      *ports.Allocator
	Registry       *metrics.Registry
	Logger         *logging.Logger
	TerminalBus    *event.Bus[event.TerminalEvent]
	PreviewBus     *event.Bus[event.PreviewEvent]
	AuthToken      string
	AllowedOrigins []string

	startedAt time.Time
}

// Routes builds the HTTP mux. Every /api and /ws route sits behind the
// shared-token check.
func (s *Server) Routes() http.Handler {
	s.startedAt = time.Now().UTC()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /api/terminals", s.withAuth(s.handleListTerminals))
	mux.HandleFunc("POST /api/terminals", s.withAuth(s.handleSpawnTerminal))
	mux.HandleFunc("GET /api/terminals/{agent}", s.withAuth(s.handleGetTerminal))
	mux.HandleFunc("DELETE /api/terminals/{agent}", s.withAuth(s.handleKillTerminal))
	mux.HandleFunc("POST /api/terminals/{agent}/input", s.withAuth(s.handleTerminalInput))
	mux.HandleFunc("POST /api/terminals/{agent}/resize", s.withAuth(s.handleTerminalResize))
	mux.HandleFunc("GET /api/previews", s.withAuth(s.handleListPreviews))
	mux.HandleFunc("POST /api/previews", s.withAuth(s.handleCreatePreview))
	mux.HandleFunc("GET /api/previews/{team}/{branch}", s.withAuth(s.handleGetPreview))
	mux.HandleFunc("DELETE /api/previews/{team}/{branch}", s.withAuth(s.handleStopPreview))
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s.logRequests(mux)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validateToken(r, s.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Logger != nil {
			s.Logger.Debug("api request", map[string]string{
				"method": r.Method,
				"path":   r.URL.Path,
			})
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Status    string      `json:"status"`
	Uptime    string      `json:"uptime"`
	Terminals int         `json:"terminals"`
	Previews  int         `json:"previews"`
	Ports     ports.Stats `json:"ports"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := statusResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.Manager != nil {
		response.Terminals = s.Manager.Count()
	}
	if s.Previews != nil {
		response.Previews = s.Previews.Count()
	}
	if s.Allocator != nil {
		response.Ports = s.Allocator.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.Manager.List())
}

type spawnRequest struct {
	AgentID       string `json:"agent_id"`
	UserID        string `json:"user_id"`
	TeamID        string `json:"team_id"`
	Task          string `json:"task"`
	Location      string `json:"location"`
	Isolation     string `json:"isolation"`
	WorkspaceRepo string `json:"workspace_repo"`
}

func (s *Server) handleSpawnTerminal(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	var request spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	info, err := s.Manager.Spawn(r.Context(), terminal.SpawnRequest{
		AgentID:       request.AgentID,
		UserID:        request.UserID,
		TeamID:        request.TeamID,
		Task:          request.Task,
		Location:      terminal.Location(request.Location),
		Isolation:     terminal.Isolation(request.Isolation),
		WorkspaceRepo: request.WorkspaceRepo,
	})
	if err != nil {
		var disabled *terminal.BackendDisabledError
		switch {
		case errors.Is(err, terminal.ErrAgentRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &disabled):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	agentID := r.PathValue("agent")
	info, err := s.Manager.Get(agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	lines, _ := s.Manager.OutputLines(agentID)
	writeJSON(w, http.StatusOK, struct {
		terminal.SessionInfo
		Output []string `json:"output"`
	}{SessionInfo: info, Output: lines})
}

func (s *Server) handleKillTerminal(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	if err := s.Manager.Kill(r.Context(), r.PathValue("agent")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	var request struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Manager.SendInput(r.PathValue("agent"), []byte(request.Data)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, terminal.ErrSessionNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, terminal.ErrSessionClosed) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	if s.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal manager unavailable")
		return
	}
	var request struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Cols == 0 || request.Rows == 0 {
		writeError(w, http.StatusBadRequest, "cols and rows are required")
		return
	}
	if err := s.Manager.Resize(r.PathValue("agent"), request.Cols, request.Rows); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, terminal.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPreviews(w http.ResponseWriter, r *http.Request) {
	if s.Previews == nil {
		writeError(w, http.StatusServiceUnavailable, "preview service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.Previews.List())
}

type createPreviewRequest struct {
	TeamID string `json:"team_id"`
	Branch string `json:"branch"`
	Repo   string `json:"repo"`
}

func (s *Server) handleCreatePreview(w http.ResponseWriter, r *http.Request) {
	if s.Previews == nil {
		writeError(w, http.StatusServiceUnavailable, "preview service unavailable")
		return
	}
	var request createPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	view, err := s.Previews.CreatePreview(r.Context(), request.TeamID, request.Branch, request.Repo)
	if err != nil {
		switch {
		case errors.Is(err, preview.ErrBranchNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ports.ErrPortsExhausted):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	if s.Previews == nil {
		writeError(w, http.StatusServiceUnavailable, "preview service unavailable")
		return
	}
	teamID, branch := r.PathValue("team"), r.PathValue("branch")
	view, ok := s.Previews.Status(teamID, branch)
	if !ok {
		writeError(w, http.StatusNotFound, "preview not found")
		return
	}
	logs, _ := s.Previews.Logs(teamID, branch)
	writeJSON(w, http.StatusOK, struct {
		preview.Deployment
		Logs []string `json:"logs"`
	}{Deployment: view, Logs: logs})
}

func (s *Server) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	if s.Previews == nil {
		writeError(w, http.StatusServiceUnavailable, "preview service unavailable")
		return
	}
	if err := s.Previews.StopPreview(r.Context(), r.PathValue("team"), r.PathValue("branch")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	registry := s.Registry
	if registry == nil {
		registry = metrics.Default
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_ = registry.WritePrometheus(w)
}
