package overlord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"overlord/internal/lockbox"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/types"
)

// ErrDuplicateTask is returned by Add when the task id was already accepted,
// regardless of its current status.
var ErrDuplicateTask = errors.New("duplicate task")

// TaskQueueConfig tunes the queue's management loop.
type TaskQueueConfig struct {
	// PollPeriod is the interval between management passes when nothing wakes
	// the loop earlier.
	PollPeriod time.Duration `yaml:"poll_period"`

	// MaxPriorityBypasses bounds how many times a pending task may be passed
	// over by higher-priority work before it is considered first regardless
	// of priority.
	MaxPriorityBypasses int `yaml:"max_priority_bypasses"`
}

// DefaultTaskQueueConfig returns production defaults.
func DefaultTaskQueueConfig() *TaskQueueConfig {
	return &TaskQueueConfig{
		PollPeriod:          time.Second,
		MaxPriorityBypasses: 10,
	}
}

// queuedTask is the queue's bookkeeping for one active task.
type queuedTask struct {
	task *types.Task

	// seq is the adoption order, used as the FIFO tie-break.
	seq int64

	// bypassed counts management passes in which a younger, higher-priority
	// task started while this one stayed pending.
	bypassed int

	// running is set once the task holds its locks and was handed to the
	// runner.
	running bool
}

// TaskQueue owns the lifecycle of every active task: it admits submissions,
// grants interval locks, hands lock holders to the runner and persists
// terminal statuses. All state transitions happen on one management goroutine;
// Add and completion reports only enqueue work for it.
type TaskQueue struct {
	cfg     *TaskQueueConfig
	store   storage.TaskStorage
	lockbox *lockbox.Lockbox
	runner  runner.TaskRunner
	log     *zap.Logger

	epoch int64

	mu      sync.Mutex
	active  map[string]*queuedTask
	nextSeq int64

	notify      chan struct{}
	completions chan types.TaskStatus
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewTaskQueue creates a queue bound to an already-synced lockbox. The caller
// must have called lockbox.SyncFromStorage first; the queue captures the
// resulting epoch and every lock request it issues carries it.
func NewTaskQueue(cfg *TaskQueueConfig, store storage.TaskStorage, lb *lockbox.Lockbox, r runner.TaskRunner, log *zap.Logger) *TaskQueue {
	if cfg == nil {
		cfg = DefaultTaskQueueConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskQueue{
		cfg:         cfg,
		store:       store,
		lockbox:     lb,
		runner:      r,
		log:         log,
		epoch:       lb.Epoch(),
		active:      make(map[string]*queuedTask),
		notify:      make(chan struct{}, 1),
		completions: make(chan types.TaskStatus, 64),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the management loop.
func (q *TaskQueue) Start() {
	q.wg.Add(1)
	go q.loop()
	q.wake()
}

// Stop halts the management loop. Persisted state is untouched; a later
// Start on a fresh queue re-adopts everything from storage.
func (q *TaskQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

// Add accepts a new task. The id must be globally unique across all time;
// resubmitting a known id returns ErrDuplicateTask even after the original
// completed.
func (q *TaskQueue) Add(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	err := q.store.Insert(ctx, task, types.PendingStatus(task.ID))
	if errors.Is(err, storage.ErrTaskExists) {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}

	q.log.Info("task accepted",
		zap.String("task", task.ID),
		zap.String("type", task.Type),
		zap.Int("priority", task.Priority))
	q.wake()
	return nil
}

// Shutdown requests best-effort cancellation of a running task.
func (q *TaskQueue) Shutdown(taskID string) {
	q.runner.Shutdown(taskID)
}

// Status returns the latest persisted status of the task.
func (q *TaskQueue) Status(ctx context.Context, taskID string) (types.TaskStatus, error) {
	return q.store.Status(ctx, taskID)
}

// ReportCompletion feeds a terminal status into the management loop. Used by
// the runner watch goroutines; duplicate and non-terminal reports are
// discarded.
func (q *TaskQueue) ReportCompletion(status types.TaskStatus) {
	if !status.Code.Terminal() {
		return
	}
	select {
	case q.completions <- status:
	case <-q.stopCh:
	}
}

func (q *TaskQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *TaskQueue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case status := <-q.completions:
			q.handleCompletion(status)
		case <-ticker.C:
			q.managePass()
		case <-q.notify:
			q.managePass()
		}
	}
}

// managePass is one reconciliation cycle: adopt storage-active tasks the
// queue does not know yet, then try to start every pending task in fairness
// order.
func (q *TaskQueue) managePass() {
	ctx := context.Background()

	activeTasks, err := q.store.ActiveTasks(ctx)
	if err != nil {
		q.log.Error("management pass: load active tasks", zap.Error(err))
		return
	}

	q.mu.Lock()
	for _, task := range activeTasks {
		if _, known := q.active[task.ID]; known {
			continue
		}
		q.nextSeq++
		q.active[task.ID] = &queuedTask{task: task, seq: q.nextSeq}
		q.log.Info("task adopted from storage", zap.String("task", task.ID))
	}

	// Tasks gone from storage no longer belong to us.
	inStorage := make(map[string]bool, len(activeTasks))
	for _, task := range activeTasks {
		inStorage[task.ID] = true
	}
	for id := range q.active {
		if !inStorage[id] {
			delete(q.active, id)
		}
	}

	pending := q.pendingLocked()
	q.mu.Unlock()

	q.startPending(ctx, pending)
}

// pendingLocked orders not-yet-running tasks for this pass: starved tasks
// first in adoption order, then by priority descending, then adoption order.
// Caller holds q.mu.
func (q *TaskQueue) pendingLocked() []*queuedTask {
	var pending []*queuedTask
	for _, qt := range q.active {
		if !qt.running {
			pending = append(pending, qt)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		iStarved := pending[i].bypassed >= q.cfg.MaxPriorityBypasses
		jStarved := pending[j].bypassed >= q.cfg.MaxPriorityBypasses
		if iStarved != jStarved {
			return iStarved
		}
		if !iStarved && pending[i].task.Priority != pending[j].task.Priority {
			return pending[i].task.Priority > pending[j].task.Priority
		}
		return pending[i].seq < pending[j].seq
	})
	return pending
}

func (q *TaskQueue) startPending(ctx context.Context, pending []*queuedTask) {
	for idx, qt := range pending {
		granted, err := q.lockbox.TryLock(q.epoch, qt.task.ID, qt.task.Intervals)
		if err != nil {
			// A newer leader rebuilt the table; this queue is defunct.
			q.log.Warn("lock request rejected, queue epoch is stale",
				zap.String("task", qt.task.ID), zap.Error(err))
			return
		}
		if !granted {
			continue
		}

		if started := q.startTask(ctx, qt); started {
			// An older pending task was passed over by this one.
			q.mu.Lock()
			for _, other := range pending[idx+1:] {
				if !other.running && other.seq < qt.seq {
					other.bypassed++
				}
			}
			q.mu.Unlock()
		}
	}
}

// startTask persists RUNNING and hands the task to the runner. Returns true
// when the task started.
func (q *TaskQueue) startTask(ctx context.Context, qt *queuedTask) bool {
	taskID := qt.task.ID

	if err := q.store.SetStatus(ctx, types.RunningStatus(taskID)); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrTaskNotFound) {
			// Already terminal or removed out from under us; release and drop.
			q.lockbox.Unlock(taskID)
			q.mu.Lock()
			delete(q.active, taskID)
			q.mu.Unlock()
			return false
		}
		q.log.Error("persist RUNNING failed, keeping task pending",
			zap.String("task", taskID), zap.Error(err))
		q.lockbox.Unlock(taskID)
		return false
	}

	item, err := q.runner.Run(ctx, qt.task)
	if err != nil {
		q.log.Error("runner rejected task", zap.String("task", taskID), zap.Error(err))
		// Handled inline: this goroutine drains completions, so it must not
		// send to that channel itself.
		q.handleCompletion(types.FailedStatus(taskID, fmt.Sprintf("runner rejected task: %v", err)))
		return false
	}

	q.mu.Lock()
	qt.running = true
	q.mu.Unlock()

	q.log.Info("task started", zap.String("task", taskID))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case status := <-item.Result():
			q.ReportCompletion(status)
		case <-q.stopCh:
		}
	}()
	return true
}

// handleCompletion persists the terminal status, releases the task's locks
// and wakes the loop so waiting tasks can take over the freed intervals.
func (q *TaskQueue) handleCompletion(status types.TaskStatus) {
	ctx := context.Background()

	if err := q.store.SetStatus(ctx, status); err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) {
			q.log.Error("persist terminal status failed",
				zap.String("task", status.TaskID), zap.Error(err))
		}
	}

	q.lockbox.Unlock(status.TaskID)

	q.mu.Lock()
	delete(q.active, status.TaskID)
	q.mu.Unlock()

	q.log.Info("task complete",
		zap.String("task", status.TaskID),
		zap.String("status", string(status.Code)),
		zap.String("error", status.Error))
	q.wake()
}
