package tasks

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStoreNotFound    = errors.New("task not found in store")
	ErrStoreUnavailable = errors.New("task store unavailable")
	ErrCycleActive      = errors.New("a cycle is already running for this mode")
	ErrNoActiveCycle    = errors.New("no active cycle for this mode")
)

// Store is the system of record for tasks, shuttle position, stops and
// cycles. The manager only writes through it; it never reads back a single
// task after a mutation.
type Store interface {
	ListInProgress(ctx context.Context, mode string) ([]Task, error)
	CreateTask(ctx context.Context, task Task) (Task, error)
	UpdateStatus(ctx context.Context, taskID string, status Status) error
	MarkMissing(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error

	GetPosition(ctx context.Context, mode string) (string, error)
	SavePosition(ctx context.Context, mode, stopID string) error

	ListStops(ctx context.Context) (map[string]string, error)

	StartCycle(ctx context.Context, mode string) (Cycle, error)
	StopCycle(ctx context.Context, mode string) (Cycle, error)
	ListCycles(ctx context.Context, mode string, limit int) ([]Cycle, error)

	Close() error
}

// StoreWriteError reports a persistence failure that happened after the
// local state had already been updated.
type StoreWriteError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *StoreWriteError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s for task %s failed: %v", e.Op, e.TaskID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWrite }
