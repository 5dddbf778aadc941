// Package storage persists tasks and their append-only status history. It is
// the single source of truth for the control plane: the lock table and every
// runtime view are derived from it, so a new leader can rebuild its state by
// replaying storage alone.
package storage

import (
	"context"
	"errors"

	"overlord/pkg/types"
)

var (
	// ErrTaskExists is returned by Insert when the task id is already known,
	// in any status. Enforces at-most-once acceptance across failover.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskNotFound is returned when the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStatusConflict is returned when a status update would move a task's
	// history backward or past a terminal code.
	ErrStatusConflict = errors.New("status transition violates monotonic order")
)

// TaskStorage is the durable record of every submitted task. Status entries
// are append-only; history is never overwritten. Iteration follows insertion
// order so replay is deterministic.
type TaskStorage interface {
	// Insert persists a new task with its initial status.
	Insert(ctx context.Context, task *types.Task, status types.TaskStatus) error

	// SetStatus appends a status entry. Re-asserting the current code is a
	// no-op; non-monotonic transitions return ErrStatusConflict.
	SetStatus(ctx context.Context, status types.TaskStatus) error

	// Task returns the immutable payload for the id.
	Task(ctx context.Context, id string) (*types.Task, error)

	// Status returns the latest status entry for the id.
	Status(ctx context.Context, id string) (types.TaskStatus, error)

	// StatusHistory returns all status entries for the id, oldest first.
	StatusHistory(ctx context.Context, id string) ([]types.TaskStatus, error)

	// ActiveTasks returns all tasks whose latest status is non-terminal, in
	// insertion order.
	ActiveTasks(ctx context.Context) ([]*types.Task, error)

	// CompleteStatuses returns the latest status of every terminal task, in
	// insertion order.
	CompleteStatuses(ctx context.Context) ([]types.TaskStatus, error)
}
