package runner

import (
	"fmt"
	"sync"
	"time"

	"overlord/pkg/types"
)

// WorkerRegistry tracks the live worker set from announcements and
// heartbeats. Workers are ephemeral: a missed heartbeat window marks them
// lost, an explicit decommission removes them.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*types.WorkerInfo
	status  map[string]*types.WorkerStatus

	subMu sync.RWMutex
	subs  []chan *types.WorkerEvent
}

// NewWorkerRegistry creates an empty worker registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*types.WorkerInfo),
		status:  make(map[string]*types.WorkerStatus),
	}
}

// Register adds a worker or refreshes a reconnecting one.
func (r *WorkerRegistry) Register(worker *types.WorkerInfo) error {
	if worker == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if worker.ID == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}
	if worker.Capacity <= 0 {
		return fmt.Errorf("worker %s: capacity must be positive", worker.ID)
	}

	r.mu.Lock()
	_, existed := r.workers[worker.ID]
	r.workers[worker.ID] = worker
	r.status[worker.ID] = &types.WorkerStatus{
		State:        types.WorkerStateOnline,
		RunningTasks: []string{},
		LastSeen:     time.Now(),
	}
	r.mu.Unlock()

	eventType := types.WorkerEventRegistered
	if existed {
		eventType = types.WorkerEventOnline
	}
	r.notify(&types.WorkerEvent{Type: eventType, WorkerID: worker.ID, Worker: worker})
	return nil
}

// Deregister removes a worker entirely (explicit decommission).
func (r *WorkerRegistry) Deregister(workerID string) error {
	r.mu.Lock()
	worker, exists := r.workers[workerID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("worker not found: %s", workerID)
	}
	delete(r.workers, workerID)
	delete(r.status, workerID)
	r.mu.Unlock()

	r.notify(&types.WorkerEvent{Type: types.WorkerEventDeregistered, WorkerID: workerID, Worker: worker})
	return nil
}

// Heartbeat refreshes presence and the worker's running task set. A lost
// worker heartbeating again comes back online.
func (r *WorkerRegistry) Heartbeat(workerID string, runningTasks []string, metrics *types.WorkerMetrics) error {
	r.mu.Lock()
	status, exists := r.status[workerID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("worker not found: %s", workerID)
	}

	status.LastSeen = time.Now()
	status.RunningTasks = append([]string(nil), runningTasks...)
	if metrics != nil {
		status.Metrics = metrics
	}

	cameBack := status.State == types.WorkerStateLost
	if cameBack {
		status.State = types.WorkerStateOnline
	}
	worker := r.workers[workerID]
	r.mu.Unlock()

	if cameBack {
		r.notify(&types.WorkerEvent{Type: types.WorkerEventOnline, WorkerID: workerID, Worker: worker})
	}
	return nil
}

// MarkLost flags a worker whose presence lapsed.
func (r *WorkerRegistry) MarkLost(workerID string) error {
	r.mu.Lock()
	status, exists := r.status[workerID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("worker not found: %s", workerID)
	}
	if status.State == types.WorkerStateLost {
		r.mu.Unlock()
		return nil
	}
	status.State = types.WorkerStateLost
	worker := r.workers[workerID]
	r.mu.Unlock()

	r.notify(&types.WorkerEvent{Type: types.WorkerEventLost, WorkerID: workerID, Worker: worker})
	return nil
}

// Drain stops new assignments to the worker; running tasks finish.
func (r *WorkerRegistry) Drain(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[workerID]
	if !exists {
		return fmt.Errorf("worker not found: %s", workerID)
	}
	status.State = types.WorkerStateDraining
	return nil
}

// SweepLost marks every worker silent past the timeout, returning their ids.
func (r *WorkerRegistry) SweepLost(timeout time.Duration) []string {
	r.mu.RLock()
	now := time.Now()
	var stale []string
	for id, status := range r.status {
		if status.State == types.WorkerStateOnline && now.Sub(status.LastSeen) > timeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		_ = r.MarkLost(id)
	}
	return stale
}

// Worker returns one worker's registration info.
func (r *WorkerRegistry) Worker(workerID string) (*types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}
	return worker, nil
}

// Status returns a copy of one worker's presence record.
func (r *WorkerRegistry) Status(workerID string) (*types.WorkerStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, exists := r.status[workerID]
	if !exists {
		return nil, fmt.Errorf("worker not found: %s", workerID)
	}
	cp := *status
	cp.RunningTasks = append([]string(nil), status.RunningTasks...)
	return &cp, nil
}

// WorkerSnapshot pairs a worker with its presence record.
type WorkerSnapshot struct {
	Info   types.WorkerInfo   `json:"info"`
	Status types.WorkerStatus `json:"status"`
}

// List returns a snapshot of all workers.
func (r *WorkerRegistry) List() []WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerSnapshot, 0, len(r.workers))
	for id, worker := range r.workers {
		status := r.status[id]
		cp := *status
		cp.RunningTasks = append([]string(nil), status.RunningTasks...)
		out = append(out, WorkerSnapshot{Info: *worker, Status: cp})
	}
	return out
}

// OnlineWorkers returns a snapshot of online workers only.
func (r *WorkerRegistry) OnlineWorkers() []WorkerSnapshot {
	var out []WorkerSnapshot
	for _, snap := range r.List() {
		if snap.Status.State == types.WorkerStateOnline {
			out = append(out, snap)
		}
	}
	return out
}

// Count returns the number of registered workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Watch subscribes to worker events until the channel is unsubscribed.
func (r *WorkerRegistry) Watch() <-chan *types.WorkerEvent {
	ch := make(chan *types.WorkerEvent, 64)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

// Unwatch removes a subscription and closes its channel.
func (r *WorkerRegistry) Unwatch(ch <-chan *types.WorkerEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subs {
		if sub == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (r *WorkerRegistry) notify(event *types.WorkerEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop the event.
		}
	}
}
