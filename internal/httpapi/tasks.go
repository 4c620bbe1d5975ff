package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/tasks"
)

const maxScanBody = 64 << 10

type listTasksResponse struct {
	Mode  string       `json:"mode"`
	Count int          `json:"count"`
	Tasks []tasks.Task `json:"tasks"`
}

type pushScanResponse struct {
	Outcome tasks.IngestOutcome `json:"outcome"`
	Task    *tasks.Task         `json:"task,omitempty"`
}

type missionItem struct {
	ItemLabel         string `json:"item_label"`
	Barcode           string `json:"barcode"`
	SourceStopID      string `json:"source_stop_id"`
	DestinationStopID string `json:"destination_stop_id"`
	ShelfRow          int    `json:"shelf_row"`
	ShelfCol          int    `json:"shelf_col"`
}

type createMissionRequest struct {
	Items []missionItem `json:"items"`
}

type createMissionResponse struct {
	Count int          `json:"count"`
	Tasks []tasks.Task `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	stopID := strings.TrimSpace(r.URL.Query().Get("stop_id"))
	var list []tasks.Task
	if stopID != "" {
		list = s.tasks.RelevantTasks(stopID)
	} else {
		list = s.tasks.Snapshot()
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Mode: s.tasks.Mode(), Count: len(list), Tasks: list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAdvanceTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, task)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleMissingTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.MarkMissing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err, task)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	confirmed, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("confirm")))
	task, err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id"), confirmed)
	if err != nil {
		respondDomainError(w, err, task)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handlePushScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScanBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	evt, err := scanfeed.Parse(body)
	if err != nil {
		s.metrics.ObserveFeedMessage("http", "malformed")
		respondDomainError(w, err, nil)
		return
	}
	task, outcome, err := s.dispatch.PushScan(r.Context(), evt)
	s.metrics.ObserveFeedMessage("http", string(outcome))
	if err != nil {
		respondDomainError(w, err, pushScanResponse{Outcome: outcome, Task: &task})
		return
	}
	status := http.StatusCreated
	if outcome == tasks.IngestDuplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, pushScanResponse{Outcome: outcome, Task: &task})
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = fmt.Errorf("%w: mission has no items", tasks.ErrInvalidTask)
			respondDomainError(w, err, nil)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items := make([]tasks.Task, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, tasks.Task{
			ItemLabel:         it.ItemLabel,
			Barcode:           it.Barcode,
			SourceStopID:      it.SourceStopID,
			DestinationStopID: it.DestinationStopID,
			ShelfRow:          it.ShelfRow,
			ShelfCol:          it.ShelfCol,
		})
	}
	created, err := s.dispatch.CreateMission(r.Context(), items)
	if err != nil {
		respondDomainError(w, err, createMissionResponse{Count: len(created), Tasks: created})
		return
	}
	respondJSON(w, http.StatusCreated, createMissionResponse{Count: len(created), Tasks: created})
}
