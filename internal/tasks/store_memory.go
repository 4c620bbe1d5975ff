package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	positions map[string]string
	stops     map[string]string
	cycles    []Cycle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]Task),
		positions: make(map[string]string),
		stops:     make(map[string]string),
	}
}

// SeedStops replaces the stop directory served by ListStops.
func (s *MemoryStore) SeedStops(stops map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = make(map[string]string, len(stops))
	for id, name := range stops {
		s.stops[id] = name
	}
}

func (s *MemoryStore) ListInProgress(_ context.Context, mode string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Terminal() || !sameMode(t.Mode, mode) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task = prepareNewTask(task)
	s.tasks[task.ID] = task.Clone()
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, taskID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	now := time.Now().UTC()
	t.Status = status
	t.UpdatedAt = now
	switch status {
	case StatusToDropOff:
		t.PickedUpAt = &now
	case StatusCompleted:
		t.DeliveredAt = &now
	}
	s.tasks[taskID] = t
	return nil
}

func (s *MemoryStore) MarkMissing(ctx context.Context, taskID string) error {
	return s.UpdateStatus(ctx, taskID, StatusMissing)
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, mode string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[NormalizeMode(mode)], nil
}

func (s *MemoryStore) SavePosition(_ context.Context, mode, stopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[NormalizeMode(mode)] = stopID
	return nil
}

func (s *MemoryStore) ListStops(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.stops))
	for id, name := range s.stops {
		out[id] = name
	}
	return out, nil
}

func (s *MemoryStore) StartCycle(_ context.Context, mode string) (Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode = NormalizeMode(mode)
	for _, c := range s.cycles {
		if c.Mode == mode && c.Active() {
			return Cycle{}, ErrCycleActive
		}
	}
	c := Cycle{ID: uuid.NewString(), Mode: mode, StartedAt: time.Now().UTC()}
	s.cycles = append(s.cycles, c)
	return c, nil
}

func (s *MemoryStore) StopCycle(_ context.Context, mode string) (Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode = NormalizeMode(mode)
	for i := range s.cycles {
		if s.cycles[i].Mode == mode && s.cycles[i].Active() {
			now := time.Now().UTC()
			s.cycles[i].EndedAt = &now
			return s.cycles[i], nil
		}
	}
	return Cycle{}, ErrNoActiveCycle
}

func (s *MemoryStore) ListCycles(_ context.Context, mode string, limit int) ([]Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mode = NormalizeMode(mode)
	out := make([]Cycle, 0, len(s.cycles))
	for i := len(s.cycles) - 1; i >= 0; i-- {
		if s.cycles[i].Mode == mode {
			out = append(out, s.cycles[i])
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

const DefaultMode = "normal"

// NormalizeMode lowercases mode and defaults it to normal.
func NormalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return DefaultMode
	}
	return mode
}

func sameMode(a, b string) bool {
	return NormalizeMode(a) == NormalizeMode(b)
}
