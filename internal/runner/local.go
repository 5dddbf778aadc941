package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"overlord/internal/executor"
	"overlord/pkg/types"
)

// LocalTaskRunner executes task payloads in-process on a goroutine pool.
// Payload faults, including panics, are caught at the runner boundary and
// converted to FAILED; they never crash the coordinator.
type LocalTaskRunner struct {
	pool     *ants.Pool
	registry *executor.Registry
	log      *zap.Logger

	mu      sync.Mutex
	items   map[string]*WorkItem
	cancels map[string]context.CancelFunc
	stopped bool
}

// NewLocalTaskRunner creates a local runner with the given concurrency.
func NewLocalTaskRunner(concurrency int, registry *executor.Registry, log *zap.Logger) (*LocalTaskRunner, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create execution pool: %w", err)
	}
	return &LocalTaskRunner{
		pool:     pool,
		registry: registry,
		log:      log,
		items:    make(map[string]*WorkItem),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Run submits the task payload to the execution pool.
func (r *LocalTaskRunner) Run(ctx context.Context, task *types.Task) (*WorkItem, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, fmt.Errorf("local runner stopped")
	}
	if existing, ok := r.items[task.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	item := NewWorkItem(task.ID)
	taskCtx, cancel := context.WithCancel(context.Background())
	r.items[task.ID] = item
	r.cancels[task.ID] = cancel
	r.mu.Unlock()

	err := r.pool.Submit(func() {
		r.execute(taskCtx, task, item)
	})
	if err != nil {
		r.remove(task.ID)
		cancel()
		return nil, fmt.Errorf("submit task %s: %w", task.ID, err)
	}
	return item, nil
}

func (r *LocalTaskRunner) execute(ctx context.Context, task *types.Task, item *WorkItem) {
	defer r.remove(task.ID)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("task payload panicked",
				zap.String("task", task.ID), zap.Any("panic", rec))
			item.Complete(types.FailedStatus(task.ID, fmt.Sprintf("payload panic: %v", rec)))
		}
	}()

	exec, err := r.registry.Get(task.Type)
	if err != nil {
		item.Complete(types.FailedStatus(task.ID, err.Error()))
		return
	}

	if err := exec.Execute(ctx, task); err != nil {
		item.Complete(types.FailedStatus(task.ID, err.Error()))
		return
	}
	item.Complete(types.SuccessStatus(task.ID))
}

func (r *LocalTaskRunner) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, taskID)
	if cancel, ok := r.cancels[taskID]; ok {
		cancel()
		delete(r.cancels, taskID)
	}
}

// Shutdown cancels the task's execution context. Best effort only.
func (r *LocalTaskRunner) Shutdown(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[taskID]; ok {
		cancel()
	}
}

// RunningTasks returns a snapshot of in-flight tasks.
func (r *LocalTaskRunner) RunningTasks() []WorkItemSummary {
	return r.KnownTasks()
}

// PendingTasks is always empty for the local runner; submission runs
// immediately on the pool.
func (r *LocalTaskRunner) PendingTasks() []WorkItemSummary {
	return nil
}

// KnownTasks returns a snapshot of every tracked task.
func (r *LocalTaskRunner) KnownTasks() []WorkItemSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkItemSummary, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, summarize(item))
	}
	return out
}

// Stop releases the pool. Outstanding tasks are abandoned.
func (r *LocalTaskRunner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()

	r.pool.Release()
}
