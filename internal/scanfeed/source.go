package scanfeed

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/shuttle/internal/tasks"
)

// Sink receives every well-formed event. Returning an error asks sources
// that support redelivery to hand the event over again.
type Sink func(ctx context.Context, evt tasks.ScanEvent) error

// Source is a live stream of scan events. Run blocks until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Status is what the feed endpoint reports.
type Status struct {
	Source        string    `json:"source"`
	State         State     `json:"state"`
	Since         time.Time `json:"since"`
	Received      int64     `json:"received"`
	Malformed     int64     `json:"malformed"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Tracker records connection state and counters for a source.
type Tracker struct {
	mu       sync.RWMutex
	status   Status
	onChange func(State)
}

func NewTracker(source string, onChange func(State)) *Tracker {
	return &Tracker{
		status: Status{
			Source: source,
			State:  StateDisconnected,
			Since:  time.Now().UTC(),
		},
		onChange: onChange,
	}
}

func (t *Tracker) Status() Status {
	if t == nil {
		return Status{Source: "off", State: StateDisconnected}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Tracker) set(state State, err error) {
	t.mu.Lock()
	changed := t.status.State != state
	if changed {
		t.status.State = state
		t.status.Since = time.Now().UTC()
	}
	if err != nil {
		t.status.LastError = err.Error()
	}
	hook := t.onChange
	t.mu.Unlock()
	if changed && hook != nil {
		hook(state)
	}
}

func (t *Tracker) received(malformed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Received++
	if malformed {
		t.status.Malformed++
	}
	t.status.LastMessageAt = time.Now().UTC()
}
