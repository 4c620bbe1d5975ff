package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shuttle/internal/config"
	"github.com/ent0n29/shuttle/internal/dispatch"
	"github.com/ent0n29/shuttle/internal/observability"
	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/shelf"
	"github.com/ent0n29/shuttle/internal/tasks"
)

// Options carries runtime details that are not part of Config.
type Options struct {
	StoreKind string
	// BreakerState reports the store circuit state; nil when no breaker is
	// installed.
	BreakerState func() string
	// Feed reports the live scan feed; nil when the feed is off.
	Feed   func() scanfeed.Status
	Logger *slog.Logger
}

type Server struct {
	cfg      config.Config
	tasks    *tasks.Manager
	dispatch *dispatch.Service
	metrics  *observability.Metrics
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan any]struct{}
}

func New(cfg config.Config, manager *tasks.Manager, service *dispatch.Service, metrics *observability.Metrics, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		tasks:    manager,
		dispatch: service,
		metrics:  metrics,
		opts:     opts,
		logger:   logger.With("component", "httpapi"),
		clients:  make(map[chan any]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may attach unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/advance", s.handleAdvanceTask)
	r.Post("/v1/tasks/{id}/missing", s.handleMissingTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
	r.Post("/v1/scans", s.handlePushScan)
	r.Post("/v1/missions", s.handleCreateMission)

	r.Get("/v1/route", s.handleRoute)
	r.Post("/v1/route/move", s.handleMove)
	r.Get("/v1/stops", s.handleListStops)
	r.Get("/v1/stops/{id}/board", s.handleBoard)
	r.Post("/v1/stops/{id}/slots/{slot}/toggle", s.handleToggleSlot)
	r.Post("/v1/stops/{id}/commit", s.handleCommit)
	r.Post("/v1/stops/{id}/missing", s.handleReportMissing)

	r.Get("/v1/feed", s.handleFeed)
	r.Post("/v1/cycles/start", s.handleStartCycle)
	r.Post("/v1/cycles/stop", s.handleStopCycle)
	r.Get("/v1/cycles", s.handleListCycles)
	r.Get("/v1/store/latency", s.handleStoreLatency)

	r.Get("/v1/events", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.status("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := s.status("ready")
	if s.opts.BreakerState != nil && s.opts.BreakerState() == "open" {
		status["status"] = "degraded"
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) status(state string) map[string]any {
	out := map[string]any{
		"status":     state,
		"mode":       s.tasks.Mode(),
		"store_mode": s.storeKind(),
	}
	if s.opts.BreakerState != nil {
		out["store_breaker"] = s.opts.BreakerState()
	}
	return out
}

func (s *Server) storeKind() string {
	if k := strings.TrimSpace(s.opts.StoreKind); k != "" {
		return k
	}
	return tasks.StoreKindMemory
}

func (s *Server) feedStatus() scanfeed.Status {
	if s.opts.Feed == nil {
		return scanfeed.Status{Source: config.FeedOff, State: scanfeed.StateDisconnected}
	}
	return s.opts.Feed()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// storeWriteResponse carries the locally applied result alongside a failed
// persistence call.
type storeWriteResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Result any    `json:"result,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps engine errors to HTTP. A failed store write keeps
// the local change, so result is returned with the 502.
func respondDomainError(w http.ResponseWriter, err error, result any) {
	if errors.Is(err, tasks.ErrStoreWrite) {
		respondJSON(w, http.StatusBadGateway, storeWriteResponse{
			Error:  err.Error(),
			Code:   "store_write_failed",
			Result: result,
		})
		return
	}
	status, code := classify(err)
	respondError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tasks.ErrConfirmationRequired):
		return http.StatusPreconditionRequired, "confirmation_required"
	case errors.Is(err, tasks.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, shelf.ErrUnknownSlot):
		return http.StatusNotFound, "slot_not_found"
	case errors.Is(err, tasks.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, tasks.ErrNotNextDestination):
		return http.StatusConflict, "not_next_destination"
	case errors.Is(err, shelf.ErrNotAcknowledged):
		return http.StatusConflict, "not_acknowledged"
	case errors.Is(err, dispatch.ErrNotAtStop), errors.Is(err, session.ErrNotFound):
		return http.StatusConflict, "not_at_stop"
	case errors.Is(err, dispatch.ErrNothingToAck):
		return http.StatusConflict, "nothing_acknowledged"
	case errors.Is(err, shelf.ErrInertSlot):
		return http.StatusConflict, "inert_slot"
	case errors.Is(err, tasks.ErrCycleActive):
		return http.StatusConflict, "cycle_active"
	case errors.Is(err, tasks.ErrNoActiveCycle):
		return http.StatusConflict, "no_active_cycle"
	case errors.Is(err, tasks.ErrUnknownStop):
		return http.StatusBadRequest, "unknown_stop"
	case errors.Is(err, dispatch.ErrNotSupplyStop):
		return http.StatusBadRequest, "not_supply_stop"
	case errors.Is(err, tasks.ErrInvalidTask):
		return http.StatusBadRequest, "invalid_task"
	case errors.Is(err, scanfeed.ErrMalformedEvent):
		return http.StatusBadRequest, "malformed_event"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
