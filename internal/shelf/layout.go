// Package shelf matches a stop's physical shelf slots against the tasks
// that need work there.
package shelf

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLayoutNotFound   = errors.New("shelf layout not found")
	ErrInvalidLayout    = errors.New("invalid shelf layout")
	ErrUnknownSlot      = errors.New("unknown shelf slot")
	ErrInertSlot        = errors.New("slot has no matching task")
	ErrNotAcknowledged  = errors.New("not every relevant task is acknowledged")
	ErrUnmatchableTasks = errors.New("relevant tasks have no matching shelf slot")
)

// EmptyMarker is the barcode value that marks a free slot in layout files.
const EmptyMarker = "X"

type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

type Span struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type Slot struct {
	Barcode  string `json:"barcode"`
	Position Cell   `json:"position"`
	Size     Span   `json:"size"`
}

// Empty reports whether the slot holds no product.
func (s Slot) Empty() bool {
	b := strings.TrimSpace(s.Barcode)
	return b == "" || b == EmptyMarker
}

type Layout struct {
	StopID string `json:"stop_id,omitempty"`
	Grid   Grid   `json:"grid"`
	Slots  []Slot `json:"slots"`
}

// ParseLayout decodes and validates a layout document. Rows and columns
// are 1-based; a missing size means a single cell.
func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	for i := range l.Slots {
		l.Slots[i].Barcode = strings.TrimSpace(l.Slots[i].Barcode)
		if l.Slots[i].Size.Rows <= 0 {
			l.Slots[i].Size.Rows = 1
		}
		if l.Slots[i].Size.Cols <= 0 {
			l.Slots[i].Size.Cols = 1
		}
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) Validate() error {
	if l.Grid.Rows <= 0 || l.Grid.Cols <= 0 {
		return fmt.Errorf("%w: grid must be at least 1x1, got %dx%d", ErrInvalidLayout, l.Grid.Rows, l.Grid.Cols)
	}
	occupied := make(map[Cell]int, len(l.Slots))
	for i, s := range l.Slots {
		if s.Position.Row < 1 || s.Position.Col < 1 ||
			s.Position.Row+s.Size.Rows-1 > l.Grid.Rows ||
			s.Position.Col+s.Size.Cols-1 > l.Grid.Cols {
			return fmt.Errorf("%w: slot %d at %d,%d size %dx%d is outside the %dx%d grid",
				ErrInvalidLayout, i, s.Position.Row, s.Position.Col, s.Size.Rows, s.Size.Cols, l.Grid.Rows, l.Grid.Cols)
		}
		for r := s.Position.Row; r < s.Position.Row+s.Size.Rows; r++ {
			for c := s.Position.Col; c < s.Position.Col+s.Size.Cols; c++ {
				cell := Cell{Row: r, Col: c}
				if other, taken := occupied[cell]; taken {
					return fmt.Errorf("%w: slots %d and %d overlap at %d,%d", ErrInvalidLayout, other, i, r, c)
				}
				occupied[cell] = i
			}
		}
	}
	return nil
}
