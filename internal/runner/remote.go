package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlord/pkg/types"
)

// WorkerGateway transmits control frames to a connected worker. Implemented
// by the REST layer's websocket hub.
type WorkerGateway interface {
	// AssignTask pushes a task to the worker. An error means the dispatch
	// did not reach the worker.
	AssignTask(workerID string, task *types.Task) error

	// ShutdownTask requests best-effort cancellation on the worker.
	ShutdownTask(workerID, taskID string) error
}

// RemoteConfig tunes the remote runner's dispatch and failure handling.
type RemoteConfig struct {
	// MinFreeCapacity excludes workers with fewer free slots from selection.
	MinFreeCapacity int `yaml:"min_free_capacity"`

	// MaxDispatchAttempts bounds dispatch retries across distinct workers
	// before the task is reported FAILED.
	MaxDispatchAttempts int `yaml:"max_dispatch_attempts"`

	// HeartbeatTimeout marks a silent worker lost.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// WorkerGracePeriod is how long a lost worker may stay silent before its
	// in-flight tasks are failed.
	WorkerGracePeriod time.Duration `yaml:"worker_grace_period"`

	// SweepPeriod is the interval of the presence sweep and dispatch retry.
	SweepPeriod time.Duration `yaml:"sweep_period"`
}

// DefaultRemoteConfig returns production defaults.
func DefaultRemoteConfig() *RemoteConfig {
	return &RemoteConfig{
		MinFreeCapacity:     1,
		MaxDispatchAttempts: 3,
		HeartbeatTimeout:    30 * time.Second,
		WorkerGracePeriod:   2 * time.Minute,
		SweepPeriod:         5 * time.Second,
	}
}

type pendingDispatch struct {
	task     *types.Task
	attempts int
	tried    map[string]bool
}

// RemoteTaskRunner dispatches tasks to remote workers over the gateway and
// tracks completion through worker status reports rather than local threads.
type RemoteTaskRunner struct {
	cfg      *RemoteConfig
	registry *WorkerRegistry
	gateway  WorkerGateway
	log      *zap.Logger

	mu       sync.Mutex
	items    map[string]*WorkItem
	tasks    map[string]*types.Task
	pending  map[string]*pendingDispatch
	order    []string
	assigned map[string]string    // task id -> worker id
	lostAt   map[string]time.Time // worker id -> when marked lost

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRemoteTaskRunner creates a remote runner and starts its sweep loop.
func NewRemoteTaskRunner(cfg *RemoteConfig, registry *WorkerRegistry, gateway WorkerGateway, log *zap.Logger) *RemoteTaskRunner {
	if cfg == nil {
		cfg = DefaultRemoteConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &RemoteTaskRunner{
		cfg:      cfg,
		registry: registry,
		gateway:  gateway,
		log:      log,
		items:    make(map[string]*WorkItem),
		tasks:    make(map[string]*types.Task),
		pending:  make(map[string]*pendingDispatch),
		assigned: make(map[string]string),
		lostAt:   make(map[string]time.Time),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.loop()
	return r
}

// Run accepts the task and queues it for dispatch. If no eligible worker
// exists yet the task waits in the runner's pending set; waiting does not
// consume dispatch attempts.
func (r *RemoteTaskRunner) Run(ctx context.Context, task *types.Task) (*WorkItem, error) {
	r.mu.Lock()
	if existing, ok := r.items[task.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}

	item := NewWorkItem(task.ID)
	r.items[task.ID] = item
	r.tasks[task.ID] = task
	r.pending[task.ID] = &pendingDispatch{task: task, tried: make(map[string]bool)}
	r.order = append(r.order, task.ID)
	r.mu.Unlock()

	r.wake()
	return item, nil
}

func (r *RemoteTaskRunner) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *RemoteTaskRunner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepWorkers()
			r.dispatchPending()
		case <-r.notify:
			r.dispatchPending()
		}
	}
}

// dispatchPending attempts to place every pending task on a worker.
func (r *RemoteTaskRunner) dispatchPending() {
	r.mu.Lock()
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, taskID := range ids {
		r.mu.Lock()
		p, stillPending := r.pending[taskID]
		r.mu.Unlock()
		if !stillPending {
			continue
		}
		r.dispatchOne(taskID, p)
	}
}

func (r *RemoteTaskRunner) dispatchOne(taskID string, p *pendingDispatch) {
	for {
		workerID, ok := r.selectWorker(p.tried)
		if !ok {
			// No eligible worker right now; stay pending for the next pass.
			return
		}

		err := r.gateway.AssignTask(workerID, p.task)
		if err == nil {
			r.mu.Lock()
			if item, known := r.items[taskID]; known {
				item.assign(workerID)
				r.assigned[taskID] = workerID
				delete(r.pending, taskID)
			}
			r.mu.Unlock()
			r.log.Info("task dispatched",
				zap.String("task", taskID), zap.String("worker", workerID))
			return
		}

		p.tried[workerID] = true
		p.attempts++
		r.log.Warn("task dispatch failed",
			zap.String("task", taskID),
			zap.String("worker", workerID),
			zap.Int("attempt", p.attempts),
			zap.Error(err))

		if p.attempts >= r.cfg.MaxDispatchAttempts {
			r.failTask(taskID, fmt.Sprintf(
				"dispatch failed after %d attempts: %v", p.attempts, err))
			return
		}
	}
}

// selectWorker picks the online worker with the most free slots, excluding
// draining workers, workers below the free-capacity floor, and workers
// already tried for this task.
func (r *RemoteTaskRunner) selectWorker(tried map[string]bool) (string, bool) {
	snaps := r.registry.OnlineWorkers()

	r.mu.Lock()
	inFlight := make(map[string]int)
	for _, workerID := range r.assigned {
		inFlight[workerID]++
	}
	r.mu.Unlock()

	type candidate struct {
		id   string
		free int
	}
	var candidates []candidate
	for _, snap := range snaps {
		if tried[snap.Info.ID] {
			continue
		}
		// Heartbeats lag our own assignments; count whichever is larger.
		load := len(snap.Status.RunningTasks)
		if inFlight[snap.Info.ID] > load {
			load = inFlight[snap.Info.ID]
		}
		free := snap.Info.Capacity - load
		if free < r.cfg.MinFreeCapacity {
			continue
		}
		candidates = append(candidates, candidate{id: snap.Info.ID, free: free})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].free != candidates[j].free {
			return candidates[i].free > candidates[j].free
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id, true
}

// OnStatusReport applies a worker's status report. Duplicate terminal
// reports are idempotent; the first one wins.
func (r *RemoteTaskRunner) OnStatusReport(status types.TaskStatus) {
	if !status.Code.Terminal() {
		return
	}

	r.mu.Lock()
	item, known := r.items[status.TaskID]
	if known {
		r.untrackLocked(status.TaskID)
	}
	r.mu.Unlock()

	if !known {
		r.log.Debug("status report for unknown task ignored",
			zap.String("task", status.TaskID))
		return
	}
	item.Complete(status)
}

// sweepWorkers marks silent workers lost and fails tasks on workers that
// stayed lost past the grace period.
func (r *RemoteTaskRunner) sweepWorkers() {
	r.registry.SweepLost(r.cfg.HeartbeatTimeout)

	now := time.Now()
	lost := make(map[string]bool)
	for _, snap := range r.registry.List() {
		if snap.Status.State == types.WorkerStateLost {
			lost[snap.Info.ID] = true
		}
	}

	r.mu.Lock()
	for workerID := range lost {
		if _, tracked := r.lostAt[workerID]; !tracked {
			r.lostAt[workerID] = now
		}
	}

	var expired []string
	for workerID, since := range r.lostAt {
		if !lost[workerID] {
			// Came back before the grace period elapsed.
			delete(r.lostAt, workerID)
			continue
		}
		if now.Sub(since) > r.cfg.WorkerGracePeriod {
			expired = append(expired, workerID)
			delete(r.lostAt, workerID)
		}
	}

	var orphaned []string
	for _, workerID := range expired {
		for taskID, assignedTo := range r.assigned {
			if assignedTo == workerID {
				orphaned = append(orphaned, taskID)
			}
		}
	}
	r.mu.Unlock()

	for _, taskID := range orphaned {
		r.failTask(taskID, "assigned worker lost past grace period")
	}
	for _, workerID := range expired {
		r.log.Warn("worker decommissioned after grace period",
			zap.String("worker", workerID))
		_ = r.registry.Deregister(workerID)
	}
}

func (r *RemoteTaskRunner) failTask(taskID, cause string) {
	r.mu.Lock()
	item, known := r.items[taskID]
	if known {
		r.untrackLocked(taskID)
	}
	r.mu.Unlock()

	if known {
		item.Complete(types.FailedStatus(taskID, cause))
	}
}

// untrackLocked drops all bookkeeping for the task. Caller holds r.mu.
func (r *RemoteTaskRunner) untrackLocked(taskID string) {
	delete(r.items, taskID)
	delete(r.tasks, taskID)
	delete(r.pending, taskID)
	delete(r.assigned, taskID)
	for i, id := range r.order {
		if id == taskID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Shutdown forwards a best-effort cancellation to the assigned worker.
func (r *RemoteTaskRunner) Shutdown(taskID string) {
	r.mu.Lock()
	workerID, isAssigned := r.assigned[taskID]
	r.mu.Unlock()

	if !isAssigned {
		return
	}
	if err := r.gateway.ShutdownTask(workerID, taskID); err != nil {
		r.log.Warn("shutdown request failed",
			zap.String("task", taskID), zap.String("worker", workerID), zap.Error(err))
	}
}

// RunningTasks returns a snapshot of dispatched tasks.
func (r *RemoteTaskRunner) RunningTasks() []WorkItemSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WorkItemSummary
	for taskID := range r.assigned {
		if item, ok := r.items[taskID]; ok {
			out = append(out, summarize(item))
		}
	}
	return out
}

// PendingTasks returns a snapshot of tasks awaiting a worker.
func (r *RemoteTaskRunner) PendingTasks() []WorkItemSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WorkItemSummary
	for taskID := range r.pending {
		if item, ok := r.items[taskID]; ok {
			out = append(out, summarize(item))
		}
	}
	return out
}

// KnownTasks returns a snapshot of every tracked task.
func (r *RemoteTaskRunner) KnownTasks() []WorkItemSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkItemSummary, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, summarize(item))
	}
	return out
}

// Stop halts the sweep loop. Outstanding remote tasks are abandoned, not
// killed on their workers.
func (r *RemoteTaskRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
