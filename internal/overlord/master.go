// Package overlord implements the coordinator core: the task queue that owns
// task lifecycles and the master that gates the whole control plane behind
// leader election.
package overlord

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"overlord/internal/autoscale"
	"overlord/internal/election"
	"overlord/internal/lockbox"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/types"
)

// ServiceAnnouncer publishes the coordinator's availability once it leads.
type ServiceAnnouncer interface {
	Announce(ctx context.Context) error
	Unannounce()
}

// NoopAnnouncer is used when no discovery layer is configured.
type NoopAnnouncer struct{}

// Announce does nothing.
func (NoopAnnouncer) Announce(ctx context.Context) error { return nil }

// Unannounce does nothing.
func (NoopAnnouncer) Unannounce() {}

// RunnerFactory builds a fresh runner for one leadership term. Runners carry
// in-memory dispatch state that must not survive across terms.
type RunnerFactory func() (runner.TaskRunner, error)

// ScalerFactory builds the resource scheduler for one leadership term, fed
// by the given runner's demand.
type ScalerFactory func(r runner.TaskRunner) (autoscale.ResourceScheduler, error)

// TaskMaster assembles the leader-only machinery. While this node leads it
// holds a live queue, runner and scaler; while it stands by all of them are
// nil and the task APIs refuse work.
type TaskMaster struct {
	store         storage.TaskStorage
	lockbox       *lockbox.Lockbox
	elector       election.Elector
	runnerFactory RunnerFactory
	scalerFactory ScalerFactory
	announcer     ServiceAnnouncer
	queueCfg      *TaskQueueConfig
	log           *zap.Logger

	mu      sync.Mutex
	leading bool
	queue   *TaskQueue
	runner  runner.TaskRunner
	scaler  autoscale.ResourceScheduler
}

// NewTaskMaster wires the master. Start begins the election.
func NewTaskMaster(
	store storage.TaskStorage,
	lb *lockbox.Lockbox,
	elector election.Elector,
	runnerFactory RunnerFactory,
	scalerFactory ScalerFactory,
	announcer ServiceAnnouncer,
	queueCfg *TaskQueueConfig,
	log *zap.Logger,
) *TaskMaster {
	if announcer == nil {
		announcer = NoopAnnouncer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskMaster{
		store:         store,
		lockbox:       lb,
		elector:       elector,
		runnerFactory: runnerFactory,
		scalerFactory: scalerFactory,
		announcer:     announcer,
		queueCfg:      queueCfg,
		log:           log,
	}
}

// Start joins the election. The master begins serving task APIs only after
// it wins and BecomeLeader completes.
func (m *TaskMaster) Start(ctx context.Context) error {
	return m.elector.Start(ctx, m)
}

// Stop leaves the election, tearing down leader state if held.
func (m *TaskMaster) Stop() error {
	return m.elector.Stop()
}

// BecomeLeader rebuilds derived state from storage and brings up the queue,
// runner and scaler, in that order. Any failure tears down what started and
// is returned to the elector, which relinquishes the term. Idempotent.
func (m *TaskMaster) BecomeLeader(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leading {
		return nil
	}

	if err := m.lockbox.SyncFromStorage(ctx); err != nil {
		return fmt.Errorf("sync lockbox: %w", err)
	}

	r, err := m.runnerFactory()
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	queue := NewTaskQueue(m.queueCfg, m.store, m.lockbox, r, m.log)
	queue.Start()

	scaler, err := m.scalerFactory(r)
	if err != nil {
		queue.Stop()
		r.Stop()
		return fmt.Errorf("build scaler: %w", err)
	}
	if err := scaler.Start(); err != nil {
		queue.Stop()
		r.Stop()
		return fmt.Errorf("start scaler: %w", err)
	}

	if err := m.announcer.Announce(ctx); err != nil {
		_ = scaler.Stop()
		queue.Stop()
		r.Stop()
		return fmt.Errorf("announce leadership: %w", err)
	}

	m.queue = queue
	m.runner = r
	m.scaler = scaler
	m.leading = true
	m.log.Info("task master is leading")
	return nil
}

// LoseLeadership tears leader state down in reverse start order. Idempotent.
func (m *TaskMaster) LoseLeadership() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.leading {
		return
	}
	m.leading = false

	m.announcer.Unannounce()
	if err := m.scaler.Stop(); err != nil {
		m.log.Warn("scaler stop failed", zap.Error(err))
	}
	m.queue.Stop()
	m.runner.Stop()

	m.queue = nil
	m.runner = nil
	m.scaler = nil
	m.log.Info("task master stood down")
}

// IsLeading reports whether this node currently serves task APIs.
func (m *TaskMaster) IsLeading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leading
}

// Leader resolves the current leader's address via the elector.
func (m *TaskMaster) Leader(ctx context.Context) (string, error) {
	return m.elector.Leader(ctx)
}

// Queue returns the live queue when leading.
func (m *TaskMaster) Queue() (*TaskQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leading {
		return nil, false
	}
	return m.queue, true
}

// Runner returns the live runner when leading.
func (m *TaskMaster) Runner() (runner.TaskRunner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.leading {
		return nil, false
	}
	return m.runner, true
}

// Lockbox returns the interval lock table. Observability only.
func (m *TaskMaster) Lockbox() *lockbox.Lockbox {
	return m.lockbox
}

// Storage returns the task metadata store.
func (m *TaskMaster) Storage() storage.TaskStorage {
	return m.store
}

// ReportTaskStatus forwards a worker's status report to the current remote
// runner. Reports arriving while not leading belong to a previous term and
// are dropped.
func (m *TaskMaster) ReportTaskStatus(status types.TaskStatus) {
	m.mu.Lock()
	r := m.runner
	leading := m.leading
	m.mu.Unlock()

	if !leading {
		m.log.Debug("status report dropped, not leading",
			zap.String("task", status.TaskID))
		return
	}
	if remote, ok := r.(*runner.RemoteTaskRunner); ok {
		remote.OnStatusReport(status)
	}
}

// WaitingTasks lists storage-active tasks the runner does not know about:
// accepted work that has not started, including tasks written to storage
// outside this process.
func (m *TaskMaster) WaitingTasks(ctx context.Context) ([]types.TaskSummary, error) {
	r, ok := m.Runner()
	if !ok {
		return nil, fmt.Errorf("not leading")
	}

	known := make(map[string]bool)
	for _, item := range r.KnownTasks() {
		known[item.TaskID] = true
	}

	active, err := m.store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}

	waiting := make([]types.TaskSummary, 0)
	for _, task := range active {
		if known[task.ID] {
			continue
		}
		status, err := m.store.Status(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		waiting = append(waiting, types.TaskSummary{
			ID:        task.ID,
			Type:      task.Type,
			Status:    status.Code,
			Error:     status.Error,
			UpdatedAt: status.UpdatedAt,
		})
	}
	return waiting, nil
}

// RunningTasks lists tasks the runner currently tracks as executing.
func (m *TaskMaster) RunningTasks(ctx context.Context) ([]types.TaskSummary, error) {
	r, ok := m.Runner()
	if !ok {
		return nil, fmt.Errorf("not leading")
	}

	running := make([]types.TaskSummary, 0)
	for _, item := range r.RunningTasks() {
		task, err := m.store.Task(ctx, item.TaskID)
		if err != nil {
			continue
		}
		running = append(running, types.TaskSummary{
			ID:        task.ID,
			Type:      task.Type,
			Status:    types.TaskRunning,
			UpdatedAt: item.DispatchedAt,
		})
	}
	return running, nil
}

// CompleteTasks lists every task whose latest status is terminal.
func (m *TaskMaster) CompleteTasks(ctx context.Context) ([]types.TaskSummary, error) {
	statuses, err := m.store.CompleteStatuses(ctx)
	if err != nil {
		return nil, err
	}

	complete := make([]types.TaskSummary, 0, len(statuses))
	for _, status := range statuses {
		task, err := m.store.Task(ctx, status.TaskID)
		if err != nil {
			return nil, err
		}
		complete = append(complete, types.TaskSummary{
			ID:        task.ID,
			Type:      task.Type,
			Status:    status.Code,
			Error:     status.Error,
			UpdatedAt: status.UpdatedAt,
		})
	}
	return complete, nil
}
