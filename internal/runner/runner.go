// Package runner executes accepted tasks and reports terminal status
// asynchronously. Two variants share one contract: a local runner driving a
// goroutine pool, and a remote runner dispatching to a fleet of workers.
package runner

import (
	"context"
	"sync"
	"time"

	"overlord/pkg/types"
)

// TaskRunner is the single capability contract for all runner variants.
type TaskRunner interface {
	// Run accepts a task and returns a handle resolving to its terminal
	// status. Callers must not block their control thread on the handle.
	Run(ctx context.Context, task *types.Task) (*WorkItem, error)

	// Shutdown requests best-effort cancellation of a task. Termination is
	// not guaranteed; callers wait for (or time out on) the terminal status.
	Shutdown(taskID string)

	// RunningTasks returns a snapshot of tasks currently executing.
	RunningTasks() []WorkItemSummary

	// PendingTasks returns a snapshot of tasks accepted but not dispatched.
	PendingTasks() []WorkItemSummary

	// KnownTasks returns a snapshot of every task the runner tracks.
	KnownTasks() []WorkItemSummary

	// Stop shuts the runner down. Outstanding tasks are abandoned, not
	// killed remotely.
	Stop()
}

// WorkItem is the runner's view of one in-flight task. It resolves exactly
// once to a terminal status.
type WorkItem struct {
	taskID string

	mu           sync.Mutex
	workerID     string
	dispatchedAt time.Time

	result chan types.TaskStatus
	once   sync.Once
}

// NewWorkItem creates a handle for the task.
func NewWorkItem(taskID string) *WorkItem {
	return &WorkItem{
		taskID: taskID,
		result: make(chan types.TaskStatus, 1),
	}
}

// TaskID returns the task this handle tracks.
func (w *WorkItem) TaskID() string { return w.taskID }

// Result resolves once with the terminal status.
func (w *WorkItem) Result() <-chan types.TaskStatus { return w.result }

// Complete resolves the handle. Non-terminal statuses are ignored; repeated
// terminal reports are idempotent, the first one wins.
func (w *WorkItem) Complete(status types.TaskStatus) {
	if !status.Code.Terminal() {
		return
	}
	w.once.Do(func() {
		w.result <- status
	})
}

func (w *WorkItem) assign(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.workerID = workerID
	w.dispatchedAt = time.Now()
}

func (w *WorkItem) assignment() (string, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.workerID, w.dispatchedAt
}

// WorkItemSummary is the immutable observability view of a work item. Never
// a reference into live runner state.
type WorkItemSummary struct {
	TaskID       string    `json:"task"`
	WorkerID     string    `json:"worker,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at,omitempty"`
}

func summarize(w *WorkItem) WorkItemSummary {
	workerID, dispatchedAt := w.assignment()
	return WorkItemSummary{
		TaskID:       w.taskID,
		WorkerID:     workerID,
		DispatchedAt: dispatchedAt,
	}
}
