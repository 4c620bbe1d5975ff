package tasks

import (
	"strings"
	"time"
)

type Status string

const (
	StatusToPickUp  Status = "to_pick_up"
	StatusToDropOff Status = "to_drop_off"
	StatusCompleted Status = "completed"
	StatusMissing   Status = "missing"
)

// Origin records which path created a task.
type Origin string

const (
	OriginScan    Origin = "scan"
	OriginMission Origin = "mission"
)

type Task struct {
	ID                string     `json:"id"`
	Mode              string     `json:"mode"`
	ItemLabel         string     `json:"item_label"`
	Barcode           string     `json:"barcode"`
	SourceStopID      string     `json:"source_stop_id"`
	DestinationStopID string     `json:"destination_stop_id"`
	Status            Status     `json:"status"`
	Origin            Origin     `json:"origin,omitempty"`
	ShelfRow          int        `json:"shelf_row,omitempty"`
	ShelfCol          int        `json:"shelf_col,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PickedUpAt        *time.Time `json:"picked_up_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// ScanEvent is one notification from a workstation scanner.
type ScanEvent struct {
	TaskID       string `json:"task_id" validate:"required"`
	StopID       string `json:"stop_id" validate:"required"`
	Barcode      string `json:"barcode" validate:"required"`
	ItemLabel    string `json:"item_label"`
	ShelfRow     int    `json:"shelf_row" validate:"gte=1"`
	ShelfCol     int    `json:"shelf_col" validate:"gte=1"`
	SupplyStopID string `json:"supply_stop_id"`
}

type Cycle struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (c Cycle) Active() bool {
	return c.EndedAt == nil
}

func (t Task) Clone() Task {
	out := t
	if t.PickedUpAt != nil {
		v := *t.PickedUpAt
		out.PickedUpAt = &v
	}
	if t.DeliveredAt != nil {
		v := *t.DeliveredAt
		out.DeliveredAt = &v
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusMissing:
		return true
	default:
		return false
	}
}

// RequiresActionAt reports whether the shuttle has work for this task at
// stopID: a pickup at its source or a drop-off at its destination.
func (t Task) RequiresActionAt(stopID string) bool {
	if stopID == "" {
		return false
	}
	switch t.Status {
	case StatusToPickUp:
		return t.SourceStopID == stopID
	case StatusToDropOff:
		return t.DestinationStopID == stopID
	default:
		return false
	}
}

// NormalizeBarcode is the matching key used against shelf slots.
func NormalizeBarcode(v string) string {
	return strings.TrimSpace(v)
}

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusToPickUp:
		return StatusToPickUp, true
	case StatusToDropOff:
		return StatusToDropOff, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusMissing:
		return StatusMissing, true
	default:
		return "", false
	}
}
