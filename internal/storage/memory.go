package storage

import (
	"context"
	"fmt"
	"sync"

	"overlord/pkg/types"
)

// HeapMemoryTaskStorage keeps tasks and status history on the heap. Used for
// single-node deployments and tests; semantics match the SQL implementation.
type HeapMemoryTaskStorage struct {
	mu      sync.RWMutex
	records map[string]*taskRecord
	order   []string
}

type taskRecord struct {
	task    *types.Task
	history []types.TaskStatus
}

func (r *taskRecord) latest() types.TaskStatus {
	return r.history[len(r.history)-1]
}

// NewHeapMemoryTaskStorage creates an empty in-memory task storage.
func NewHeapMemoryTaskStorage() *HeapMemoryTaskStorage {
	return &HeapMemoryTaskStorage{
		records: make(map[string]*taskRecord),
	}
}

// Insert persists a new task with its initial status.
func (s *HeapMemoryTaskStorage) Insert(ctx context.Context, task *types.Task, status types.TaskStatus) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if status.TaskID != task.ID {
		return fmt.Errorf("status task id %q does not match task %q", status.TaskID, task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[task.ID]; exists {
		return fmt.Errorf("insert %s: %w", task.ID, ErrTaskExists)
	}

	s.records[task.ID] = &taskRecord{
		task:    task,
		history: []types.TaskStatus{status},
	}
	s.order = append(s.order, task.ID)
	return nil
}

// SetStatus appends a status entry, enforcing monotonic transitions.
func (s *HeapMemoryTaskStorage) SetStatus(ctx context.Context, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[status.TaskID]
	if !exists {
		return fmt.Errorf("set status %s: %w", status.TaskID, ErrTaskNotFound)
	}

	current := rec.latest()
	if current.Code == status.Code {
		return nil
	}
	if !current.Code.CanTransitionTo(status.Code) {
		return fmt.Errorf("set status %s: %s -> %s: %w",
			status.TaskID, current.Code, status.Code, ErrStatusConflict)
	}

	rec.history = append(rec.history, status)
	return nil
}

// Task returns the immutable payload for the id.
func (s *HeapMemoryTaskStorage) Task(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return rec.task, nil
}

// Status returns the latest status entry for the id.
func (s *HeapMemoryTaskStorage) Status(ctx context.Context, id string) (types.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return types.TaskStatus{}, fmt.Errorf("status %s: %w", id, ErrTaskNotFound)
	}
	return rec.latest(), nil
}

// StatusHistory returns all status entries for the id, oldest first.
func (s *HeapMemoryTaskStorage) StatusHistory(ctx context.Context, id string) ([]types.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("status history %s: %w", id, ErrTaskNotFound)
	}

	history := make([]types.TaskStatus, len(rec.history))
	copy(history, rec.history)
	return history, nil
}

// ActiveTasks returns non-terminal tasks in insertion order.
func (s *HeapMemoryTaskStorage) ActiveTasks(ctx context.Context) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*types.Task
	for _, id := range s.order {
		rec := s.records[id]
		if !rec.latest().Code.Terminal() {
			active = append(active, rec.task)
		}
	}
	return active, nil
}

// CompleteStatuses returns latest statuses of terminal tasks in insertion order.
func (s *HeapMemoryTaskStorage) CompleteStatuses(ctx context.Context) ([]types.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var complete []types.TaskStatus
	for _, id := range s.order {
		rec := s.records[id]
		if latest := rec.latest(); latest.Code.Terminal() {
			complete = append(complete, latest)
		}
	}
	return complete, nil
}
