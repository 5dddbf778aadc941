// Package executor registers payload executors by task type. The control
// plane treats payloads as opaque; executors are what workers (and the local
// runner) invoke to actually perform a task.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"overlord/pkg/types"
)

// Executor runs one task type's payload.
type Executor interface {
	// Type is the task type this executor handles.
	Type() string

	// Execute runs the payload. A returned error becomes a FAILED status; it
	// never propagates as a process fault.
	Execute(ctx context.Context, task *types.Task) error
}

// Registry maps task types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor, replacing any previous one for the same type.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Get returns the executor for the task type.
func (r *Registry) Get(taskType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[taskType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", taskType)
	}
	return e, nil
}

// Types lists the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}

// DefaultRegistry returns a registry with the builtin executors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&NoopExecutor{})
	r.Register(&SleepExecutor{})
	return r
}

// NoopExecutor completes immediately. Useful for smoke tests and as the
// simplest possible indexing task.
type NoopExecutor struct{}

// Type returns "noop".
func (e *NoopExecutor) Type() string { return "noop" }

// Execute does nothing.
func (e *NoopExecutor) Execute(ctx context.Context, task *types.Task) error {
	return nil
}

// SleepExecutor sleeps for the duration given in the payload. Stands in for
// long-running work in tests and load drills.
type SleepExecutor struct{}

type sleepPayload struct {
	DurationMillis int64 `json:"duration_ms"`
}

// Type returns "sleep".
func (e *SleepExecutor) Type() string { return "sleep" }

// Execute sleeps, honoring cancellation.
func (e *SleepExecutor) Execute(ctx context.Context, task *types.Task) error {
	var p sleepPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode sleep payload: %w", err)
		}
	}

	select {
	case <-time.After(time.Duration(p.DurationMillis) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
