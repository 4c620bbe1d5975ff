package tasks

import "errors"

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrInvalidTransition    = errors.New("invalid task transition")
	ErrUnknownStop          = errors.New("unknown stop")
	ErrInvalidTask          = errors.New("invalid task")
	ErrStoreWrite           = errors.New("store write failed")
	ErrConfirmationRequired = errors.New("delete requires explicit confirmation")
	ErrNotNextDestination   = errors.New("stop is not the next destination")
)
