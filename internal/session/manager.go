package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/shuttle/internal/shelf"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusEnded     Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is an operator's reconciliation pass at the stop the shuttle was
// dispatched to.
type Session struct {
	ID             string    `json:"session_id"`
	StopID         string    `json:"stop_id"`
	Status         Status    `json:"status"`
	Acknowledged   []string  `json:"acknowledged"`
	Toggles        int       `json:"toggles"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

type entry struct {
	session Session
	acks    *shelf.Acknowledgements
}

// Manager keeps at most one active session: the shuttle is only ever at
// one stop.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByStop     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByStop:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Open starts a session at stopID and ends whatever session was active.
func (m *Manager) Open(stopID string) Session {
	now := time.Now().UTC()
	e := &entry{
		session: Session{
			ID:             uuid.NewString(),
			StopID:         stopID,
			Status:         StatusActive,
			Acknowledged:   []string{},
			StartedAt:      now,
			LastActivityAt: now,
		},
		acks: shelf.NewAcknowledgements(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sessionByStop {
		if prev, ok := m.sessions[id]; ok {
			m.finishLocked(prev, StatusEnded, now)
		}
	}
	m.sessionByStop = map[string]string{stopID: e.session.ID}
	m.sessions[e.session.ID] = e
	return e.snapshot()
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// ForStop returns the active session at stopID.
func (m *Manager) ForStop(stopID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.activeLocked(stopID)
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Update runs fn against the active session's acknowledgements under the
// manager lock and records the activity.
func (m *Manager) Update(stopID string, fn func(acks *shelf.Acknowledgements) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.activeLocked(stopID)
	if !ok {
		return Session{}, ErrNotFound
	}
	if err := fn(e.acks); err != nil {
		return e.snapshot(), err
	}
	e.session.Toggles++
	e.session.LastActivityAt = time.Now().UTC()
	return e.snapshot(), nil
}

// Acknowledgements copies the active session's selection for reading.
func (m *Manager) Acknowledgements(stopID string) (Session, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.activeLocked(stopID)
	if !ok {
		return Session{}, nil, ErrNotFound
	}
	return e.snapshot(), e.acks.IDs(), nil
}

// Commit marks the active session at stopID as committed and ends it.
func (m *Manager) Commit(stopID string) (Session, error) {
	return m.finish(stopID, StatusCommitted)
}

func (m *Manager) End(stopID string) (Session, error) {
	return m.finish(stopID, StatusEnded)
}

func (m *Manager) finish(stopID string, status Status) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.activeLocked(stopID)
	if !ok {
		return Session{}, ErrNotFound
	}
	m.finishLocked(e, status, time.Now().UTC())
	return e.snapshot(), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []Session

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Status != StatusActive {
			// Finished sessions stay readable for one timeout period.
			if now.Sub(e.session.EndedAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.finishLocked(e, StatusEnded, now)
		expired = append(expired, e.snapshot())
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) activeLocked(stopID string) (*entry, bool) {
	id, ok := m.sessionByStop[stopID]
	if !ok {
		return nil, false
	}
	e, ok := m.sessions[id]
	if !ok || e.session.Status != StatusActive {
		return nil, false
	}
	return e, true
}

func (m *Manager) finishLocked(e *entry, status Status, now time.Time) {
	if e.session.Status != StatusActive {
		return
	}
	e.session.Status = status
	e.session.LastActivityAt = now
	e.session.EndedAt = now
	e.acks.Clear()
	if m.sessionByStop[e.session.StopID] == e.session.ID {
		delete(m.sessionByStop, e.session.StopID)
	}
}

func (e *entry) snapshot() Session {
	s := e.session
	s.Acknowledged = e.acks.IDs()
	return s
}
