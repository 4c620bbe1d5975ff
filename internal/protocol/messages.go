package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/shuttle/internal/scanfeed"
	"github.com/ent0n29/shuttle/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeSnapshot      MessageType = "snapshot"
	TypeTaskEvent     MessageType = "task_event"
	TypeFeedState     MessageType = "feed_state"
	TypeSessionEvent  MessageType = "session_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing       = "ping"
	ActionResync     = "resync"
	ActionToggleSlot = "toggle_slot"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	StopID string      `json:"stop_id,omitempty"`
	Slot   *int        `json:"slot,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

// Snapshot is sent on connect and after a resync request.
type Snapshot struct {
	Type            MessageType     `json:"type"`
	Mode            string          `json:"mode"`
	Tasks           []tasks.Task    `json:"tasks"`
	Position        tasks.Position  `json:"position"`
	NextDestination string          `json:"next_destination,omitempty"`
	Route           []string        `json:"route"`
	Stops           []tasks.Stop    `json:"stops"`
	Feed            scanfeed.Status `json:"feed"`
	At              time.Time       `json:"at"`
}

type TaskEvent struct {
	Type  MessageType `json:"type"`
	Event tasks.Event `json:"event"`
}

type FeedState struct {
	Type   MessageType `json:"type"`
	Source string      `json:"source"`
	State  string      `json:"state"`
	At     time.Time   `json:"at"`
}

type SessionEvent struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	StopID       string      `json:"stop_id"`
	Status       string      `json:"status"`
	Acknowledged []string    `json:"acknowledged"`
	CanCommit    bool        `json:"can_commit"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.TrimSpace(msg.Action)
		msg.StopID = strings.TrimSpace(msg.StopID)
		switch msg.Action {
		case ActionPing, ActionResync:
		case ActionToggleSlot:
			if msg.StopID == "" || msg.Slot == nil || *msg.Slot < 0 {
				return nil, errors.New("invalid client_control: toggle_slot needs stop_id and slot")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
