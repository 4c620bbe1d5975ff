package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/tasks"
)

type routeResponse struct {
	Mode            string         `json:"mode"`
	Route           []string       `json:"route"`
	Position        tasks.Position `json:"position"`
	NextDestination string         `json:"next_destination,omitempty"`
	Idle            bool           `json:"idle"`
}

type moveRequest struct {
	StopID string `json:"stop_id"`
}

type moveResponse struct {
	Position tasks.Position `json:"position"`
	Session  *session.View  `json:"session,omitempty"`
}

func (s *Server) routeView() routeResponse {
	next, ok := s.tasks.NextDestination()
	return routeResponse{
		Mode:            s.tasks.Mode(),
		Route:           s.tasks.Route().Stops(),
		Position:        s.tasks.Position(),
		NextDestination: next,
		Idle:            !ok,
	}
}

func (s *Server) handleRoute(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.routeView())
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.StopID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "stop_id is required")
		return
	}
	pos, view, err := s.dispatch.MoveTo(r.Context(), req.StopID)
	if err != nil {
		respondDomainError(w, err, moveResponse{Position: pos, Session: view})
		return
	}
	respondJSON(w, http.StatusOK, moveResponse{Position: pos, Session: view})
}

func (s *Server) handleListStops(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"stops": s.tasks.Stops()})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	view, err := s.dispatch.Board(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleToggleSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 {
		respondError(w, http.StatusBadRequest, "invalid_slot", "slot must be a non-negative integer")
		return
	}
	view, err := s.dispatch.ToggleSlot(chi.URLParam(r, "id"), slot)
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatch.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReportMissing(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatch.ReportMissing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFeed(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.feedStatus())
}

func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.tasks.StartCycle(r.Context())
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleStopCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.tasks.StopCycle(r.Context())
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	cycles, err := s.tasks.ListCycles(r.Context(), limit)
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	if cycles == nil {
		cycles = []tasks.Cycle{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (s *Server) handleStoreLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"ops":          []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.StoreLatencySnapshot())
}
