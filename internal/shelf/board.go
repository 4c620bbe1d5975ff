package shelf

import (
	"fmt"
	"sort"

	"github.com/ent0n29/shuttle/internal/tasks"
)

type BoardSlot struct {
	Index int `json:"index"`
	Slot
	TaskIDs []string `json:"task_ids,omitempty"`
}

// Interactive is false for slots no relevant task maps to.
func (s BoardSlot) Interactive() bool {
	return len(s.TaskIDs) > 0
}

// Board is a stop's layout with relevant tasks bound to their slots.
type Board struct {
	StopID      string       `json:"stop_id"`
	Grid        Grid         `json:"grid"`
	Slots       []BoardSlot  `json:"slots"`
	Relevant    []tasks.Task `json:"relevant"`
	Unmatchable []tasks.Task `json:"unmatchable,omitempty"`
}

// BuildBoard binds each relevant task to every slot whose barcode equals
// the task's trimmed barcode. Tasks with no slot end up in Unmatchable.
func BuildBoard(stopID string, layout Layout, relevant []tasks.Task) Board {
	b := Board{
		StopID:   stopID,
		Grid:     layout.Grid,
		Slots:    make([]BoardSlot, 0, len(layout.Slots)),
		Relevant: make([]tasks.Task, 0, len(relevant)),
	}
	byBarcode := make(map[string][]string, len(relevant))
	for _, t := range relevant {
		b.Relevant = append(b.Relevant, t.Clone())
		key := tasks.NormalizeBarcode(t.Barcode)
		byBarcode[key] = append(byBarcode[key], t.ID)
	}

	matched := make(map[string]bool, len(relevant))
	for i, slot := range layout.Slots {
		bs := BoardSlot{Index: i, Slot: slot}
		if !slot.Empty() {
			ids := byBarcode[tasks.NormalizeBarcode(slot.Barcode)]
			if len(ids) > 0 {
				bs.TaskIDs = append([]string(nil), ids...)
				for _, id := range ids {
					matched[id] = true
				}
			}
		}
		b.Slots = append(b.Slots, bs)
	}
	for _, t := range b.Relevant {
		if !matched[t.ID] {
			b.Unmatchable = append(b.Unmatchable, t.Clone())
		}
	}
	return b
}

func (b Board) RelevantIDs() []string {
	out := make([]string, 0, len(b.Relevant))
	for _, t := range b.Relevant {
		out = append(out, t.ID)
	}
	return out
}

func (b Board) Slot(index int) (BoardSlot, error) {
	if index < 0 || index >= len(b.Slots) {
		return BoardSlot{}, fmt.Errorf("%w: %d", ErrUnknownSlot, index)
	}
	return b.Slots[index], nil
}

// Acknowledgements is the operator's selection for one board. It is not
// safe for concurrent use; the owning session serializes access.
type Acknowledgements struct {
	ids map[string]struct{}
}

func NewAcknowledgements() *Acknowledgements {
	return &Acknowledgements{ids: make(map[string]struct{})}
}

// ToggleSlot flips a whole slot: when every task bound to it is already
// acknowledged they are all cleared, otherwise they are all acknowledged.
func (a *Acknowledgements) ToggleSlot(slot BoardSlot) (bool, error) {
	if !slot.Interactive() {
		return false, fmt.Errorf("%w: slot %d", ErrInertSlot, slot.Index)
	}
	all := true
	for _, id := range slot.TaskIDs {
		if _, ok := a.ids[id]; !ok {
			all = false
			break
		}
	}
	for _, id := range slot.TaskIDs {
		if all {
			delete(a.ids, id)
		} else {
			a.ids[id] = struct{}{}
		}
	}
	return !all, nil
}

func (a *Acknowledgements) Add(taskIDs ...string) {
	for _, id := range taskIDs {
		a.ids[id] = struct{}{}
	}
}

func (a *Acknowledgements) Remove(taskIDs ...string) {
	for _, id := range taskIDs {
		delete(a.ids, id)
	}
}

func (a *Acknowledgements) Has(taskID string) bool {
	_, ok := a.ids[taskID]
	return ok
}

func (a *Acknowledgements) Len() int { return len(a.ids) }

func (a *Acknowledgements) IDs() []string {
	out := make([]string, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Covered returns the acknowledged ids that are still relevant on b, in
// board order.
func (a *Acknowledgements) Covered(b Board) []string {
	out := make([]string, 0, len(a.ids))
	for _, t := range b.Relevant {
		if a.Has(t.ID) {
			out = append(out, t.ID)
		}
	}
	return out
}

// Complete is the commit gate: there is work on the board and all of it is
// acknowledged.
func (a *Acknowledgements) Complete(b Board) bool {
	if len(b.Relevant) == 0 {
		return false
	}
	for _, t := range b.Relevant {
		if !a.Has(t.ID) {
			return false
		}
	}
	return true
}

// Prune forgets acknowledgements for tasks no longer on b.
func (a *Acknowledgements) Prune(b Board) {
	keep := make(map[string]struct{}, len(b.Relevant))
	for _, t := range b.Relevant {
		keep[t.ID] = struct{}{}
	}
	for id := range a.ids {
		if _, ok := keep[id]; !ok {
			delete(a.ids, id)
		}
	}
}

func (a *Acknowledgements) Clear() {
	a.ids = make(map[string]struct{})
}
