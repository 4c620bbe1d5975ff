package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/shuttle/internal/observability"
	"github.com/ent0n29/shuttle/internal/route"
)

type IngestOutcome string

const (
	IngestAccepted    IngestOutcome = "accepted"
	IngestDuplicate   IngestOutcome = "duplicate"
	IngestUnknownStop IngestOutcome = "unknown_stop"
	IngestRejected    IngestOutcome = "rejected"
)

const (
	defaultActiveSetLimit = 100
	defaultStoreTimeout   = 2 * time.Second
	defaultRetiredWindow  = 30 * time.Minute
)

type Options struct {
	Mode               string
	Route              route.Path
	Stops              []Stop
	FallbackSupplyStop string
	ActiveSetLimit     int
	StoreTimeout       time.Duration
	Logger             *slog.Logger
	Metrics            *observability.Metrics
}

// Position is the shuttle's last dispatched stop. An empty StopID means the
// position is unknown.
type Position struct {
	StopID    string    `json:"stop_id"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type retiredTask struct {
	task    Task
	at      time.Time
	deleted bool
}

// Manager owns the working set of tasks and the shuttle position for one
// mode. Every mutation holds the lock only for the in-memory step and then
// writes through to the store; a failed write keeps the local change and is
// repaired by the next Refresh.
type Manager struct {
	mu sync.RWMutex

	store          Store
	mode           string
	route          route.Path
	fallbackSupply string
	limit          int
	storeTimeout   time.Duration
	retiredWindow  time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics

	active     []*Task
	retired    map[string]retiredTask
	position   string
	positionAt time.Time
	stops      map[string]Stop

	subscribers map[int]chan Event
	nextSubID   int
}

func NewManager(store Store, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	limit := opts.ActiveSetLimit
	if limit <= 0 {
		limit = defaultActiveSetLimit
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := NormalizeMode(opts.Mode)

	stops := make(map[string]Stop, len(opts.Stops)+opts.Route.Len())
	for _, s := range opts.Stops {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			continue
		}
		s.ID = id
		if s.Name == "" {
			s.Name = id
		}
		if s.Role == "" {
			s.Role = RoleBoth
		}
		stops[id] = s
	}
	for _, id := range opts.Route.Stops() {
		if _, ok := stops[id]; !ok {
			stops[id] = Stop{ID: id, Name: id, Role: RoleBoth}
		}
	}

	return &Manager{
		store:          store,
		mode:           mode,
		route:          opts.Route,
		fallbackSupply: strings.TrimSpace(opts.FallbackSupplyStop),
		limit:          limit,
		storeTimeout:   timeout,
		retiredWindow:  defaultRetiredWindow,
		logger:         logger.With("component", "tasks", "mode", mode),
		metrics:        opts.Metrics,
		retired:        make(map[string]retiredTask),
		stops:          stops,
		subscribers:    make(map[int]chan Event),
	}
}

func (m *Manager) Mode() string { return m.mode }

func (m *Manager) Route() route.Path { return m.route }

func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Snapshot returns the active tasks, newest first.
func (m *Manager) Snapshot() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.Clone())
	}
	return out
}

// Get finds a task in the working set, including tasks that reached a
// terminal status since the last refresh.
func (m *Manager) Get(taskID string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t := m.findLocked(taskID); t != nil {
		return t.Clone(), nil
	}
	if r, ok := m.retired[taskID]; ok && !r.deleted {
		return r.task.Clone(), nil
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// RelevantTasks lists active tasks that need a pickup or a drop-off at stopID.
func (m *Manager) RelevantTasks(stopID string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Task, 0, 8)
	for _, t := range m.active {
		if t.RequiresActionAt(stopID) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (m *Manager) Position() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Position{StopID: m.position, UpdatedAt: m.positionAt}
}

// NextDestination evaluates the route against the current snapshot.
func (m *Manager) NextDestination() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextDestinationLocked()
}

func (m *Manager) Stop(stopID string) (Stop, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stops[stopID]
	return s, ok
}

// Stops lists the directory in route order, then any off-route stops by id.
func (m *Manager) Stops() []Stop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stop, 0, len(m.stops))
	for _, s := range m.stops {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := m.route.IndexOf(out[i].ID), m.route.IndexOf(out[j].ID)
		switch {
		case ri >= 0 && rj >= 0:
			return ri < rj
		case ri >= 0:
			return true
		case rj >= 0:
			return false
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out
}

// Ingest turns a scan event into a pending pickup. It never writes to the
// store: whoever emitted the event already owns the record.
func (m *Manager) Ingest(evt ScanEvent) (Task, IngestOutcome, error) {
	evt = normalizeScanEvent(evt)
	if evt.TaskID == "" || evt.Barcode == "" {
		m.metrics.ObserveIngest(string(IngestRejected))
		return Task{}, IngestRejected, fmt.Errorf("%w: task id and barcode are required", ErrInvalidTask)
	}
	now := time.Now().UTC()

	m.mu.Lock()
	m.gcRetiredLocked(now)
	if existing := m.findLocked(evt.TaskID); existing != nil {
		snapshot := existing.Clone()
		m.mu.Unlock()
		m.metrics.ObserveIngest(string(IngestDuplicate))
		return snapshot, IngestDuplicate, nil
	}
	if r, ok := m.retired[evt.TaskID]; ok {
		m.mu.Unlock()
		m.metrics.ObserveIngest(string(IngestDuplicate))
		return r.task.Clone(), IngestDuplicate, nil
	}
	if _, ok := m.stops[evt.StopID]; !ok {
		m.mu.Unlock()
		m.metrics.ObserveIngest(string(IngestUnknownStop))
		m.logger.Warn("scan event for unknown stop discarded", "task_id", evt.TaskID, "stop_id", evt.StopID)
		return Task{}, IngestUnknownStop, fmt.Errorf("%w: %q", ErrUnknownStop, evt.StopID)
	}
	source := evt.SupplyStopID
	if source == "" {
		source = m.fallbackSupply
	}
	if source == "" || source == evt.StopID {
		m.mu.Unlock()
		m.metrics.ObserveIngest(string(IngestRejected))
		m.logger.Warn("scan event rejected", "task_id", evt.TaskID, "stop_id", evt.StopID, "supply_stop_id", source)
		return Task{}, IngestRejected, fmt.Errorf("%w: task %s has no distinct supply stop", ErrInvalidTask, evt.TaskID)
	}

	task := &Task{
		ID:                evt.TaskID,
		Mode:              m.mode,
		ItemLabel:         evt.ItemLabel,
		Barcode:           evt.Barcode,
		SourceStopID:      source,
		DestinationStopID: evt.StopID,
		Status:            StatusToPickUp,
		Origin:            OriginScan,
		ShelfRow:          evt.ShelfRow,
		ShelfCol:          evt.ShelfCol,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.insertLocked(now, task)
	snapshot := task.Clone()
	m.publishLocked(Event{Type: EventTaskIngested, TaskID: task.ID, Task: taskPtr(snapshot), Status: task.Status})
	count := len(m.active)
	m.mu.Unlock()

	m.metrics.ObserveIngest(string(IngestAccepted))
	m.metrics.SetActiveTasks(count)
	return snapshot, IngestAccepted, nil
}

// Record persists a task that only exists locally, for scans that no
// upstream producer wrote to the store.
func (m *Manager) Record(ctx context.Context, task Task) error {
	if err := m.callStore(ctx, "create_task", func(ctx context.Context) error {
		_, err := m.store.CreateTask(ctx, task)
		return err
	}); err != nil {
		return m.storeWriteFailed("create_task", task.ID, err)
	}
	return nil
}

// AddMission creates custom tasks in the store and adds them to the working
// set. Unlike scans, the store assigns ids, so nothing is added locally
// until the write succeeds.
func (m *Manager) AddMission(ctx context.Context, items []Task) ([]Task, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: mission has no items", ErrInvalidTask)
	}
	prepared := make([]Task, 0, len(items))
	for i, item := range items {
		item.ItemLabel = strings.TrimSpace(item.ItemLabel)
		item.Barcode = NormalizeBarcode(item.Barcode)
		item.SourceStopID = strings.TrimSpace(item.SourceStopID)
		item.DestinationStopID = strings.TrimSpace(item.DestinationStopID)
		if err := m.validateMissionItem(item); err != nil {
			return nil, fmt.Errorf("mission item %d: %w", i, err)
		}
		item.ID = ""
		item.Mode = m.mode
		item.Status = StatusToPickUp
		item.Origin = OriginMission
		item.PickedUpAt = nil
		item.DeliveredAt = nil
		prepared = append(prepared, item)
	}

	created := make([]Task, 0, len(prepared))
	for _, item := range prepared {
		var stored Task
		err := m.callStore(ctx, "create_task", func(ctx context.Context) error {
			var err error
			stored, err = m.store.CreateTask(ctx, item)
			return err
		})
		if err != nil {
			m.addCreated(created)
			return created, m.storeWriteFailed("create_task", "", err)
		}
		created = append(created, stored)
	}
	m.addCreated(created)
	return created, nil
}

func (m *Manager) validateMissionItem(item Task) error {
	if item.Barcode == "" {
		return fmt.Errorf("%w: barcode is required", ErrInvalidTask)
	}
	if item.SourceStopID == item.DestinationStopID {
		return fmt.Errorf("%w: source and destination are both %q", ErrInvalidTask, item.SourceStopID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range []string{item.SourceStopID, item.DestinationStopID} {
		if _, ok := m.stops[id]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStop, id)
		}
	}
	return nil
}

func (m *Manager) addCreated(created []Task) {
	if len(created) == 0 {
		return
	}
	now := time.Now().UTC()
	m.mu.Lock()
	for _, t := range created {
		c := t.Clone()
		m.insertLocked(now, &c)
		m.publishLocked(Event{Type: EventTaskIngested, TaskID: c.ID, Task: taskPtr(c), Status: c.Status, Detail: string(OriginMission)})
	}
	count := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveTasks(count)
}

// Advance moves a task one step along pickup -> drop-off -> completed.
func (m *Manager) Advance(ctx context.Context, taskID string) (Task, error) {
	return m.transition(ctx, "advance", "update_status", taskID, Advance, m.store.UpdateStatus)
}

// MarkMissing retires a task whose item was not found at its supply stop.
func (m *Manager) MarkMissing(ctx context.Context, taskID string) (Task, error) {
	return m.transition(ctx, "mark_missing", "mark_missing", taskID, Missing,
		func(ctx context.Context, id string, _ Status) error {
			return m.store.MarkMissing(ctx, id)
		})
}

func (m *Manager) transition(
	ctx context.Context,
	op, storeOp, taskID string,
	step func(Status) (Status, error),
	write func(context.Context, string, Status) error,
) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	now := time.Now().UTC()

	m.mu.Lock()
	t := m.findLocked(taskID)
	if t == nil {
		r, ok := m.retired[taskID]
		m.mu.Unlock()
		if ok && !r.deleted {
			m.metrics.ObserveInvalidTransition(op)
			m.logger.Warn("invalid task transition", "op", op, "task_id", taskID, "status", r.task.Status)
			return r.task.Clone(), fmt.Errorf("%w: task %s is already %s", ErrInvalidTransition, taskID, r.task.Status)
		}
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	from := t.Status
	to, err := step(from)
	if err != nil {
		snapshot := t.Clone()
		m.mu.Unlock()
		m.metrics.ObserveInvalidTransition(op)
		m.logger.Warn("invalid task transition", "op", op, "task_id", taskID, "status", from)
		return snapshot, err
	}

	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusToDropOff:
		t.PickedUpAt = &now
	case StatusCompleted:
		t.DeliveredAt = &now
	}
	snapshot := t.Clone()
	if snapshot.Terminal() {
		m.removeLocked(taskID)
		m.retired[taskID] = retiredTask{task: snapshot.Clone(), at: now}
	}
	m.publishLocked(Event{Type: EventTaskStatusChanged, TaskID: taskID, Task: taskPtr(snapshot), From: from, Status: to})
	count := len(m.active)
	m.mu.Unlock()

	m.metrics.ObserveTransition(string(to))
	m.metrics.SetActiveTasks(count)

	if err := m.callStore(ctx, storeOp, func(ctx context.Context) error {
		return write(ctx, taskID, to)
	}); err != nil {
		return snapshot, m.storeWriteFailed(storeOp, taskID, err)
	}
	return snapshot, nil
}

// Delete removes a task whatever its status. confirmed must be true.
func (m *Manager) Delete(ctx context.Context, taskID string, confirmed bool) (Task, error) {
	if !confirmed {
		return Task{}, ErrConfirmationRequired
	}
	taskID = strings.TrimSpace(taskID)
	now := time.Now().UTC()

	m.mu.Lock()
	var (
		snapshot Task
		local    bool
	)
	if t := m.findLocked(taskID); t != nil {
		snapshot, local = t.Clone(), true
		m.removeLocked(taskID)
	} else if r, ok := m.retired[taskID]; ok && !r.deleted {
		snapshot, local = r.task.Clone(), true
	}
	if local {
		m.retired[taskID] = retiredTask{task: snapshot.Clone(), at: now, deleted: true}
		m.publishLocked(Event{Type: EventTaskDeleted, TaskID: taskID, Status: snapshot.Status})
	}
	count := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveTasks(count)

	err := m.callStore(ctx, "delete_task", func(ctx context.Context) error {
		return m.store.DeleteTask(ctx, taskID)
	})
	switch {
	case err == nil:
		if !local {
			snapshot = Task{ID: taskID}
		}
		return snapshot, nil
	case errors.Is(err, ErrStoreNotFound):
		if !local {
			return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		// Scanned tasks may never have reached the store.
		return snapshot, nil
	default:
		return snapshot, m.storeWriteFailed("delete_task", taskID, err)
	}
}

// MoveTo dispatches the shuttle. Only the scheduler's current answer is
// accepted.
func (m *Manager) MoveTo(ctx context.Context, stopID string) (Position, error) {
	stopID = strings.TrimSpace(stopID)
	now := time.Now().UTC()

	m.mu.Lock()
	next, ok := m.nextDestinationLocked()
	if !ok || stopID != next {
		current := m.position
		m.mu.Unlock()
		m.metrics.ObserveMove("rejected")
		m.logger.Warn("move rejected", "requested", stopID, "next", next, "current", current)
		if !ok {
			return Position{}, fmt.Errorf("%w: no stop has pending work", ErrNotNextDestination)
		}
		return Position{}, fmt.Errorf("%w: requested %q, next is %q", ErrNotNextDestination, stopID, next)
	}
	m.position = stopID
	m.positionAt = now
	pos := Position{StopID: stopID, UpdatedAt: now}
	m.publishLocked(Event{Type: EventPositionChanged, StopID: stopID})
	m.mu.Unlock()
	m.metrics.ObserveMove("moved")

	if err := m.callStore(ctx, "save_position", func(ctx context.Context) error {
		return m.store.SavePosition(ctx, m.mode, stopID)
	}); err != nil {
		return pos, m.storeWriteFailed("save_position", "", err)
	}
	return pos, nil
}

// Refresh replaces the working set with the store's view of in-progress
// tasks and merges stop names. Local tasks missing from that view move to
// the retired window. The stored position is only adopted when the
// local one is unknown.
func (m *Manager) Refresh(ctx context.Context) error {
	var inProgress []Task
	if err := m.callStore(ctx, "list_in_progress", func(ctx context.Context) error {
		var err error
		inProgress, err = m.store.ListInProgress(ctx, m.mode)
		return err
	}); err != nil {
		return fmt.Errorf("refresh tasks: %w", err)
	}

	var names map[string]string
	if err := m.callStore(ctx, "list_stops", func(ctx context.Context) error {
		var err error
		names, err = m.store.ListStops(ctx)
		return err
	}); err != nil {
		m.logger.Warn("refresh stop names failed", "error", err)
	}

	m.mu.RLock()
	needPosition := m.position == ""
	m.mu.RUnlock()
	var stored string
	if needPosition {
		if err := m.callStore(ctx, "get_position", func(ctx context.Context) error {
			var err error
			stored, err = m.store.GetPosition(ctx, m.mode)
			return err
		}); err != nil {
			m.logger.Warn("refresh position failed", "error", err)
		}
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.gcRetiredLocked(now)
	active := make([]*Task, 0, len(inProgress))
	kept := make(map[string]struct{}, len(inProgress))
	for _, t := range inProgress {
		if t.Terminal() || t.ID == "" {
			continue
		}
		c := t.Clone()
		active = append(active, &c)
		kept[c.ID] = struct{}{}
		delete(m.retired, c.ID)
	}
	// Local tasks the store no longer lists stay retired so a redelivered
	// scan cannot bring them back as new pickups.
	for _, t := range m.active {
		if _, ok := kept[t.ID]; ok {
			continue
		}
		m.retired[t.ID] = retiredTask{task: t.Clone(), at: now}
		m.logger.Debug("task dropped by refresh", "task_id", t.ID, "status", t.Status)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	m.active = active
	for id, name := range names {
		s, ok := m.stops[id]
		if !ok {
			s = Stop{ID: id, Role: RoleBoth}
		}
		if name = strings.TrimSpace(name); name != "" {
			s.Name = name
		} else if s.Name == "" {
			s.Name = id
		}
		m.stops[id] = s
	}
	if m.position == "" && stored != "" {
		m.position = stored
		m.positionAt = now
	}
	m.publishLocked(Event{Type: EventRefreshed, Detail: fmt.Sprintf("%d active task(s)", len(active))})
	count := len(m.active)
	m.mu.Unlock()

	m.metrics.SetActiveTasks(count)
	return nil
}

// StartRefresher runs Refresh every interval until ctx is done.
func (m *Manager) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn("periodic refresh failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) StartCycle(ctx context.Context) (Cycle, error) {
	var c Cycle
	err := m.callStore(ctx, "start_cycle", func(ctx context.Context) error {
		var err error
		c, err = m.store.StartCycle(ctx, m.mode)
		return err
	})
	return c, err
}

func (m *Manager) StopCycle(ctx context.Context) (Cycle, error) {
	var c Cycle
	err := m.callStore(ctx, "stop_cycle", func(ctx context.Context) error {
		var err error
		c, err = m.store.StopCycle(ctx, m.mode)
		return err
	})
	return c, err
}

func (m *Manager) ListCycles(ctx context.Context, limit int) ([]Cycle, error) {
	var out []Cycle
	err := m.callStore(ctx, "list_cycles", func(ctx context.Context) error {
		var err error
		out, err = m.store.ListCycles(ctx, m.mode, limit)
		return err
	})
	return out, err
}

func (m *Manager) callStore(ctx context.Context, op string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	started := time.Now()
	err := fn(callCtx)
	m.metrics.ObserveStoreCall(op, time.Since(started), err)
	return err
}

func (m *Manager) storeWriteFailed(op, taskID string, err error) error {
	m.logger.Error("store write failed", "op", op, "task_id", taskID, "error", err)
	m.mu.Lock()
	m.publishLocked(Event{Type: EventStoreWriteFailed, TaskID: taskID, Detail: op + ": " + err.Error()})
	m.mu.Unlock()
	return &StoreWriteError{Op: op, TaskID: taskID, Err: err}
}

func (m *Manager) nextDestinationLocked() (string, bool) {
	return m.route.NextDestination(m.position, m.hasWorkLocked)
}

func (m *Manager) hasWorkLocked(stopID string) bool {
	for _, t := range m.active {
		if t.RequiresActionAt(stopID) {
			return true
		}
	}
	return false
}

func (m *Manager) findLocked(taskID string) *Task {
	if taskID == "" {
		return nil
	}
	for _, t := range m.active {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

func (m *Manager) removeLocked(taskID string) {
	for i, t := range m.active {
		if t.ID == taskID {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

// insertLocked puts t at the head and trims the tail to the window size.
// Trimmed tasks only leave the local set; the store keeps them.
func (m *Manager) insertLocked(now time.Time, t *Task) {
	m.active = append([]*Task{t}, m.active...)
	if len(m.active) <= m.limit {
		return
	}
	for _, dropped := range m.active[m.limit:] {
		m.retired[dropped.ID] = retiredTask{task: dropped.Clone(), at: now}
		m.logger.Debug("task left the working window", "task_id", dropped.ID)
	}
	m.active = m.active[:m.limit]
}

func (m *Manager) gcRetiredLocked(now time.Time) {
	for id, r := range m.retired {
		if now.Sub(r.at) > m.retiredWindow {
			delete(m.retired, id)
		}
	}
}

func (m *Manager) publishLocked(evt Event) {
	evt.Mode = m.mode
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if next, ok := m.nextDestinationLocked(); ok {
		evt.NextStopID = next
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func normalizeScanEvent(evt ScanEvent) ScanEvent {
	evt.TaskID = strings.TrimSpace(evt.TaskID)
	evt.StopID = strings.TrimSpace(evt.StopID)
	evt.Barcode = NormalizeBarcode(evt.Barcode)
	evt.ItemLabel = strings.TrimSpace(evt.ItemLabel)
	evt.SupplyStopID = strings.TrimSpace(evt.SupplyStopID)
	return evt
}

func taskPtr(t Task) *Task {
	c := t.Clone()
	return &c
}
