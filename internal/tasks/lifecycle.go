package tasks

import "fmt"

// Advance returns the status that follows from in the pickup/drop-off flow.
//
//	to_pick_up -> to_drop_off -> completed
func Advance(from Status) (Status, error) {
	switch from {
	case StatusToPickUp:
		return StatusToDropOff, nil
	case StatusToDropOff:
		return StatusCompleted, nil
	default:
		return from, fmt.Errorf("%w: cannot advance from %q", ErrInvalidTransition, from)
	}
}

// Missing is only reachable before pickup; an item reported absent at its
// supply point never reaches drop-off.
func Missing(from Status) (Status, error) {
	if from != StatusToPickUp {
		return from, fmt.Errorf("%w: cannot mark missing from %q", ErrInvalidTransition, from)
	}
	return StatusMissing, nil
}
