package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatusCode is the lifecycle state of a task.
type TaskStatusCode string

const (
	// TaskPending indicates the task is accepted but not yet running.
	TaskPending TaskStatusCode = "PENDING"
	// TaskRunning indicates the task holds its locks and is executing.
	TaskRunning TaskStatusCode = "RUNNING"
	// TaskSuccess indicates the task completed successfully.
	TaskSuccess TaskStatusCode = "SUCCESS"
	// TaskFailed indicates the task completed with an error.
	TaskFailed TaskStatusCode = "FAILED"
)

// statusRank orders codes for the monotonic-transition check.
var statusRank = map[TaskStatusCode]int{
	TaskPending: 0,
	TaskRunning: 1,
	TaskSuccess: 2,
	TaskFailed:  2,
}

// Terminal returns true for SUCCESS and FAILED.
func (c TaskStatusCode) Terminal() bool {
	return c == TaskSuccess || c == TaskFailed
}

// CanTransitionTo reports whether moving from c to next keeps the status
// history monotonic. Re-asserting the same code is allowed (idempotent
// updates); moving backward or past a terminal code is not.
func (c TaskStatusCode) CanTransitionTo(next TaskStatusCode) bool {
	if c == next {
		return true
	}
	if c.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[c]
}

// Interval is a half-open [Start, End) slice of a named resource. Two tasks
// whose intervals overlap on the same resource must never run concurrently.
type Interval struct {
	Resource string `json:"resource"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// Overlaps reports whether two intervals share any point of the same resource.
func (i Interval) Overlaps(o Interval) bool {
	return i.Resource == o.Resource && i.Start < o.End && o.Start < i.End
}

// Validate checks that the interval is well-formed.
func (i Interval) Validate() error {
	if i.Resource == "" {
		return fmt.Errorf("interval resource cannot be empty")
	}
	if i.End <= i.Start {
		return fmt.Errorf("interval end must be after start: [%d, %d)", i.Start, i.End)
	}
	return nil
}

func (i Interval) String() string {
	return fmt.Sprintf("%s[%d,%d)", i.Resource, i.Start, i.End)
}

// Task is a unit of submitted work. It is immutable after submission and is
// referenced, never owned, by the queue, the runner and storage.
type Task struct {
	// ID is the caller-assigned unique identifier.
	ID string `json:"id"`

	// Type names the payload executor that runs this task.
	Type string `json:"type"`

	// Intervals are the resource slices the task intends to lock.
	Intervals []Interval `json:"intervals,omitempty"`

	// Priority reorders contending tasks; higher runs first, bounded by the
	// queue's fairness rule.
	Priority int `json:"priority"`

	// Payload is opaque to the control plane.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the task is acceptable for submission.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.Type == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	for _, iv := range t.Intervals {
		if err := iv.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return nil
}

// TaskStatus is one entry of a task's append-only status history.
type TaskStatus struct {
	TaskID    string         `json:"task"`
	Code      TaskStatusCode `json:"status"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PendingStatus returns a PENDING status for the task.
func PendingStatus(taskID string) TaskStatus {
	return TaskStatus{TaskID: taskID, Code: TaskPending, UpdatedAt: time.Now()}
}

// RunningStatus returns a RUNNING status for the task.
func RunningStatus(taskID string) TaskStatus {
	return TaskStatus{TaskID: taskID, Code: TaskRunning, UpdatedAt: time.Now()}
}

// SuccessStatus returns a terminal SUCCESS status for the task.
func SuccessStatus(taskID string) TaskStatus {
	return TaskStatus{TaskID: taskID, Code: TaskSuccess, UpdatedAt: time.Now()}
}

// FailedStatus returns a terminal FAILED status carrying the cause.
func FailedStatus(taskID string, cause string) TaskStatus {
	return TaskStatus{TaskID: taskID, Code: TaskFailed, Error: cause, UpdatedAt: time.Now()}
}

// TaskSummary is the read-only view of a task returned by list endpoints.
type TaskSummary struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    TaskStatusCode `json:"status"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
