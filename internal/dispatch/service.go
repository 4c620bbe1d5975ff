// Package dispatch runs the operator workflow at the shuttle's current
// stop: move, reconcile the shelf, then commit or report missing items.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ent0n29/shuttle/internal/observability"
	"github.com/ent0n29/shuttle/internal/session"
	"github.com/ent0n29/shuttle/internal/shelf"
	"github.com/ent0n29/shuttle/internal/tasks"
)

var (
	ErrNotAtStop     = errors.New("shuttle is not at this stop")
	ErrNotSupplyStop = errors.New("missing items can only be reported at a supply stop")
	ErrNothingToAck  = errors.New("no task is acknowledged")
)

// LayoutSource resolves a stop's shelf layout.
type LayoutSource interface {
	Load(stopID string) (shelf.Layout, error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// RecordFeed persists feed scans on ingest. Set it when no upstream
	// producer writes scans to the store, e.g. the in-memory backend.
	RecordFeed bool
}

type Service struct {
	tasks    *tasks.Manager
	layouts  LayoutSource
	sessions *session.Manager
	logger   *slog.Logger
	metrics  *observability.Metrics
	record   bool

	mu          sync.Mutex
	subscribers map[int]chan SessionUpdate
	nextSubID   int
}

// BoardView is everything an operator screen needs for one stop.
type BoardView struct {
	Board         shelf.Board   `json:"board"`
	LayoutMissing bool          `json:"layout_missing,omitempty"`
	Active        bool          `json:"active"`
	Session       *session.View `json:"session,omitempty"`
	Acknowledged  []string      `json:"acknowledged"`
	CanCommit     bool          `json:"can_commit"`
}

// SessionUpdate is published after every change to a reconciliation
// session.
type SessionUpdate struct {
	View      session.View `json:"session"`
	CanCommit bool         `json:"can_commit"`
}

type Failure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type Result struct {
	StopID   string       `json:"stop_id"`
	Tasks    []tasks.Task `json:"tasks"`
	Failures []Failure    `json:"failures,omitempty"`
}

func NewService(manager *tasks.Manager, layouts LayoutSource, sessions *session.Manager, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tasks:       manager,
		layouts:     layouts,
		sessions:    sessions,
		logger:      logger.With("component", "dispatch"),
		metrics:     opts.Metrics,
		record:      opts.RecordFeed,
		subscribers: make(map[int]chan SessionUpdate),
	}
	sessions.SetExpireHook(func(expired session.Session) {
		s.logger.Info("reconciliation session expired", "session_id", expired.ID, "stop_id", expired.StopID)
		s.metrics.SetOpenSessions(sessions.ActiveCount())
		s.publish(SessionUpdate{View: sessions.View(expired)})
	})
	return s
}

func (s *Service) Subscribe() (<-chan SessionUpdate, func()) {
	ch := make(chan SessionUpdate, 64)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Service) publish(u SessionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

// MoveTo dispatches the shuttle and opens a reconciliation session at the
// new stop. A failed position write still moves the shuttle locally, so
// the session is opened in that case too.
func (s *Service) MoveTo(ctx context.Context, stopID string) (tasks.Position, *session.View, error) {
	stopID = strings.TrimSpace(stopID)
	pos, err := s.tasks.MoveTo(ctx, stopID)
	if err != nil && !errors.Is(err, tasks.ErrStoreWrite) {
		return pos, nil, err
	}
	opened := s.sessions.Open(stopID)
	view := s.sessions.View(opened)
	s.metrics.SetOpenSessions(s.sessions.ActiveCount())
	s.metrics.ObserveReconciliation("open")
	s.logger.Info("shuttle dispatched", "stop_id", stopID, "session_id", opened.ID)
	s.publish(SessionUpdate{View: view})
	return pos, &view, err
}

// Board matches the stop's layout against its relevant tasks. Relevant
// tasks without a slot are reported, never hidden.
func (s *Service) Board(stopID string) (BoardView, error) {
	stopID = strings.TrimSpace(stopID)
	if _, ok := s.tasks.Stop(stopID); !ok {
		return BoardView{}, fmt.Errorf("%w: %q", tasks.ErrUnknownStop, stopID)
	}
	board, missing, err := s.buildBoard(stopID)
	if err != nil {
		return BoardView{}, err
	}
	view := BoardView{
		Board:         board,
		LayoutMissing: missing,
		Acknowledged:  []string{},
	}
	if sess, acks, err := s.sessions.Acknowledgements(stopID); err == nil && s.atStop(stopID) {
		v := s.sessions.View(sess)
		view.Active = true
		view.Session = &v
		view.Acknowledged = acks
		view.CanCommit = covers(acks, board)
	}
	return view, nil
}

func (s *Service) buildBoard(stopID string) (shelf.Board, bool, error) {
	relevant := s.tasks.RelevantTasks(stopID)
	layout, err := s.layouts.Load(stopID)
	missing := false
	if err != nil {
		if !errors.Is(err, shelf.ErrLayoutNotFound) {
			return shelf.Board{}, false, err
		}
		missing = true
		layout = shelf.Layout{StopID: stopID}
	}
	board := shelf.BuildBoard(stopID, layout, relevant)
	if len(board.Unmatchable) > 0 {
		ids := make([]string, 0, len(board.Unmatchable))
		for _, t := range board.Unmatchable {
			ids = append(ids, t.ID)
		}
		s.logger.Warn("tasks have no matching shelf slot",
			"stop_id", stopID,
			"task_ids", ids,
			"layout_missing", missing,
		)
	}
	return board, missing, nil
}

// ToggleSlot flips the acknowledgement of every task bound to a slot.
func (s *Service) ToggleSlot(stopID string, slotIndex int) (BoardView, error) {
	stopID = strings.TrimSpace(stopID)
	if !s.atStop(stopID) {
		return BoardView{}, fmt.Errorf("%w: %q", ErrNotAtStop, stopID)
	}
	board, _, err := s.buildBoard(stopID)
	if err != nil {
		return BoardView{}, err
	}
	updated, err := s.sessions.Update(stopID, func(acks *shelf.Acknowledgements) error {
		acks.Prune(board)
		slot, err := board.Slot(slotIndex)
		if err != nil {
			return err
		}
		_, err = acks.ToggleSlot(slot)
		return err
	})
	if err != nil {
		return BoardView{}, s.sessionErr(stopID, err)
	}
	s.metrics.ObserveReconciliation("toggle")
	s.publish(SessionUpdate{View: s.sessions.View(updated), CanCommit: covers(updated.Acknowledged, board)})
	return s.Board(stopID)
}

// Commit advances every acknowledged task once all relevant tasks are
// acknowledged, then closes the session.
func (s *Service) Commit(ctx context.Context, stopID string) (Result, error) {
	stopID = strings.TrimSpace(stopID)
	if !s.atStop(stopID) {
		return Result{}, fmt.Errorf("%w: %q", ErrNotAtStop, stopID)
	}
	board, _, err := s.buildBoard(stopID)
	if err != nil {
		return Result{}, err
	}
	_, acks, err := s.sessions.Acknowledgements(stopID)
	if err != nil {
		return Result{}, s.sessionErr(stopID, err)
	}
	if !covers(acks, board) {
		s.metrics.ObserveReconciliation("commit_blocked")
		if len(board.Unmatchable) > 0 {
			return Result{}, fmt.Errorf("%w: %w", shelf.ErrNotAcknowledged, shelf.ErrUnmatchableTasks)
		}
		return Result{}, shelf.ErrNotAcknowledged
	}

	res, err := s.apply(ctx, stopID, board.RelevantIDs(), s.tasks.Advance)
	closed, cerr := s.sessions.Commit(stopID)
	if cerr == nil {
		s.publish(SessionUpdate{View: s.sessions.View(closed)})
	}
	s.metrics.SetOpenSessions(s.sessions.ActiveCount())
	s.metrics.ObserveReconciliation("commit")
	return res, err
}

// ReportMissing marks every acknowledged pickup as missing. The session
// stays open so the remaining tasks can still be handled.
func (s *Service) ReportMissing(ctx context.Context, stopID string) (Result, error) {
	stopID = strings.TrimSpace(stopID)
	stop, ok := s.tasks.Stop(stopID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", tasks.ErrUnknownStop, stopID)
	}
	if !stop.Supplies() {
		return Result{}, fmt.Errorf("%w: %q is a %s stop", ErrNotSupplyStop, stopID, stop.Role)
	}
	if !s.atStop(stopID) {
		return Result{}, fmt.Errorf("%w: %q", ErrNotAtStop, stopID)
	}
	board, _, err := s.buildBoard(stopID)
	if err != nil {
		return Result{}, err
	}
	pickups := make(map[string]struct{}, len(board.Relevant))
	for _, t := range board.Relevant {
		if t.Status == tasks.StatusToPickUp {
			pickups[t.ID] = struct{}{}
		}
	}
	var covered []string
	if _, err := s.sessions.Update(stopID, func(acks *shelf.Acknowledgements) error {
		// Drop-offs acknowledged at a stop that also supplies stay selected
		// for the next commit.
		for _, id := range acks.Covered(board) {
			if _, ok := pickups[id]; ok {
				covered = append(covered, id)
			}
		}
		if len(covered) == 0 {
			return ErrNothingToAck
		}
		acks.Remove(covered...)
		return nil
	}); err != nil {
		return Result{}, s.sessionErr(stopID, err)
	}

	res, err := s.apply(ctx, stopID, covered, s.tasks.MarkMissing)
	s.metrics.ObserveReconciliation("missing")
	if sess, serr := s.sessions.ForStop(stopID); serr == nil {
		s.publish(SessionUpdate{View: s.sessions.View(sess)})
	}
	return res, err
}

func (s *Service) apply(ctx context.Context, stopID string, ids []string, step func(context.Context, string) (tasks.Task, error)) (Result, error) {
	res := Result{StopID: stopID, Tasks: make([]tasks.Task, 0, len(ids))}
	var errs []error
	for _, id := range ids {
		t, err := step(ctx, id)
		if err != nil {
			res.Failures = append(res.Failures, Failure{TaskID: id, Error: err.Error()})
			errs = append(errs, err)
			// A failed store write still changed the task locally.
			if !errors.Is(err, tasks.ErrStoreWrite) {
				continue
			}
		}
		res.Tasks = append(res.Tasks, t)
	}
	return res, errors.Join(errs...)
}

// PushScan ingests a scan that arrived over HTTP and records it in the
// store, since no upstream producer has written it.
func (s *Service) PushScan(ctx context.Context, evt tasks.ScanEvent) (tasks.Task, tasks.IngestOutcome, error) {
	task, outcome, err := s.tasks.Ingest(evt)
	if err != nil || outcome != tasks.IngestAccepted {
		return task, outcome, err
	}
	return task, outcome, s.tasks.Record(ctx, task)
}

// Ingest is the sink for live feeds. Discarded events are logged by the
// manager and never stop the feed. A failed record keeps the local task.
func (s *Service) Ingest(ctx context.Context, evt tasks.ScanEvent) error {
	task, outcome, err := s.tasks.Ingest(evt)
	if err != nil {
		s.logger.Debug("scan event discarded", "task_id", evt.TaskID, "outcome", outcome, "error", err)
		return nil
	}
	if s.record && outcome == tasks.IngestAccepted {
		if err := s.tasks.Record(ctx, task); err != nil {
			s.logger.Warn("feed scan not recorded", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) CreateMission(ctx context.Context, items []tasks.Task) ([]tasks.Task, error) {
	return s.tasks.AddMission(ctx, items)
}

func (s *Service) atStop(stopID string) bool {
	return stopID != "" && s.tasks.Position().StopID == stopID
}

func (s *Service) sessionErr(stopID string, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: no open session at %q, dispatch the shuttle first", ErrNotAtStop, stopID)
	}
	return err
}

func covers(acks []string, board shelf.Board) bool {
	set := shelf.NewAcknowledgements()
	set.Add(acks...)
	return set.Complete(board)
}
