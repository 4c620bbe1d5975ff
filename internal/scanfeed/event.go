// Package scanfeed decodes workstation scan notifications and delivers
// them from live sources.
package scanfeed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/shuttle/internal/tasks"
)

var ErrMalformedEvent = errors.New("malformed scan event")

var validate = validator.New()

// flexString accepts a JSON string or number. Scanner firmware sends ids
// either way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts a number or a numeric string. Null and "" leave it
// unset; anything else is an error.
type flexInt struct {
	n   int
	set bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var raw flexString
	if err := raw.UnmarshalJSON(data); err != nil {
		return err
	}
	if raw == "" {
		*f = flexInt{}
		return nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	*f = flexInt{n: n, set: true}
	return nil
}

// wireEvent carries the current field names and the ones emitted by older
// scanner stations.
type wireEvent struct {
	TaskID       flexString `json:"task_id"`
	StopID       flexString `json:"stop_id"`
	Barcode      flexString `json:"barcode"`
	ItemLabel    string     `json:"item_label"`
	ShelfRow     flexInt    `json:"shelf_row"`
	ShelfCol     flexInt    `json:"shelf_col"`
	SupplyStopID flexString `json:"supply_stop_id"`

	LegacyTaskID       flexString `json:"id_commande"`
	LegacyStopID       flexString `json:"poste"`
	LegacyBarcode      flexString `json:"code_barre"`
	LegacyItemLabel    string     `json:"nom_piece"`
	LegacyShelfRow     flexInt    `json:"ligne"`
	LegacyShelfCol     flexInt    `json:"colonne"`
	LegacySupplyStopID flexString `json:"magasin_id"`
}

func firstString(values ...flexString) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

// firstCoord returns the first coordinate that was sent, or 1.
func firstCoord(values ...flexInt) int {
	for _, v := range values {
		if v.set {
			return v.n
		}
	}
	return 1
}

// Parse decodes one scan notification. Missing item labels fall back to
// the barcode and missing shelf coordinates to 1; coordinates that are sent
// must be positive integers.
func Parse(data []byte) (tasks.ScanEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return tasks.ScanEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	evt := tasks.ScanEvent{
		TaskID:       firstString(w.TaskID, w.LegacyTaskID),
		StopID:       firstString(w.StopID, w.LegacyStopID),
		Barcode:      tasks.NormalizeBarcode(firstString(w.Barcode, w.LegacyBarcode)),
		ItemLabel:    strings.TrimSpace(w.ItemLabel),
		ShelfRow:     firstCoord(w.ShelfRow, w.LegacyShelfRow),
		ShelfCol:     firstCoord(w.ShelfCol, w.LegacyShelfCol),
		SupplyStopID: firstString(w.SupplyStopID, w.LegacySupplyStopID),
	}
	if evt.ItemLabel == "" {
		evt.ItemLabel = strings.TrimSpace(w.LegacyItemLabel)
	}
	if evt.ItemLabel == "" {
		evt.ItemLabel = evt.Barcode
	}
	if err := Validate(evt); err != nil {
		return tasks.ScanEvent{}, err
	}
	return evt, nil
}

// Validate checks the struct tags on a scan event.
func Validate(evt tasks.ScanEvent) error {
	if err := validate.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s %s", fieldName(fe), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrMalformedEvent, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "TaskID":
		return "task_id"
	case "StopID":
		return "stop_id"
	case "Barcode":
		return "barcode"
	case "ShelfRow":
		return "shelf_row"
	case "ShelfCol":
		return "shelf_col"
	default:
		return strings.ToLower(fe.Field())
	}
}
