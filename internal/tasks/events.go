package tasks

import "time"

type EventType string

const (
	EventTaskIngested      EventType = "task_ingested"
	EventTaskStatusChanged EventType = "task_status_changed"
	EventTaskDeleted       EventType = "task_deleted"
	EventPositionChanged   EventType = "position_changed"
	EventStoreWriteFailed  EventType = "store_write_failed"
	EventRefreshed         EventType = "refreshed"
)

// Event is published to subscribers after every manager mutation.
// NextStopID is the scheduler's answer against the post-mutation state.
type Event struct {
	Type       EventType `json:"type"`
	Mode       string    `json:"mode"`
	TaskID     string    `json:"task_id,omitempty"`
	Task       *Task     `json:"task,omitempty"`
	From       Status    `json:"from,omitempty"`
	Status     Status    `json:"status,omitempty"`
	StopID     string    `json:"stop_id,omitempty"`
	NextStopID string    `json:"next_stop_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
