package overlord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlord/internal/executor"
	"overlord/internal/lockbox"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/types"
)

// latchExecutor blocks each task until released, so tests control exactly
// when work completes.
type latchExecutor struct {
	mu       sync.Mutex
	releases map[string]chan struct{}
}

func newLatchExecutor() *latchExecutor {
	return &latchExecutor{
		releases: make(map[string]chan struct{}),
	}
}

func (e *latchExecutor) Type() string { return "latch" }

func (e *latchExecutor) Execute(ctx context.Context, task *types.Task) error {
	e.mu.Lock()
	release, ok := e.releases[task.ID]
	if !ok {
		release = make(chan struct{})
		e.releases[task.ID] = release
	}
	e.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release unblocks the task's Execute call.
func (e *latchExecutor) release(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.releases[taskID]
	if !ok {
		ch = make(chan struct{})
		e.releases[taskID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

type queueFixture struct {
	store   storage.TaskStorage
	lockbox *lockbox.Lockbox
	runner  runner.TaskRunner
	queue   *TaskQueue
	latch   *latchExecutor
}

func setupQueue(t *testing.T) *queueFixture {
	t.Helper()

	store := storage.NewHeapMemoryTaskStorage()
	lb := lockbox.New(store, nil)
	require.NoError(t, lb.SyncFromStorage(context.Background()))

	latch := newLatchExecutor()
	registry := executor.DefaultRegistry()
	registry.Register(latch)

	r, err := runner.NewLocalTaskRunner(8, registry, nil)
	require.NoError(t, err)

	cfg := &TaskQueueConfig{
		PollPeriod:          20 * time.Millisecond,
		MaxPriorityBypasses: 10,
	}
	queue := NewTaskQueue(cfg, store, lb, r, nil)
	queue.Start()

	t.Cleanup(func() {
		queue.Stop()
		r.Stop()
	})
	return &queueFixture{store: store, lockbox: lb, runner: r, queue: queue, latch: latch}
}

func latchTask(id string, priority int, ivs ...types.Interval) *types.Task {
	return &types.Task{ID: id, Type: "latch", Priority: priority, Intervals: ivs}
}

func iv(start, end int64) types.Interval {
	return types.Interval{Resource: "ds", Start: start, End: end}
}

func (f *queueFixture) waitStatus(t *testing.T, taskID string, code types.TaskStatusCode) {
	t.Helper()

	require.Eventually(t, func() bool {
		status, err := f.store.Status(context.Background(), taskID)
		return err == nil && status.Code == code
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, code)
}

func TestQueueRunsTaskToCompletion(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Add(ctx, latchTask("t1", 0, iv(0, 10))))
	f.waitStatus(t, "t1", types.TaskRunning)

	f.latch.release("t1")
	f.waitStatus(t, "t1", types.TaskSuccess)

	assert.Empty(t, f.lockbox.Locks(), "completion releases the locks")
}

func TestQueueRejectsDuplicateID(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Add(ctx, latchTask("t1", 0)))

	err := f.queue.Add(ctx, latchTask("t1", 0))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	// Still duplicate after completion; ids are never reused.
	f.latch.release("t1")
	f.waitStatus(t, "t1", types.TaskSuccess)

	err = f.queue.Add(ctx, latchTask("t1", 0))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestQueueRejectsInvalidTask(t *testing.T) {
	f := setupQueue(t)

	assert.Error(t, f.queue.Add(context.Background(), &types.Task{ID: "", Type: "latch"}))
	assert.Error(t, f.queue.Add(context.Background(), &types.Task{ID: "t1", Type: ""}))
}

func TestQueueSerializesOverlappingTasks(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Add(ctx, latchTask("t1", 0, iv(0, 10))))
	f.waitStatus(t, "t1", types.TaskRunning)

	require.NoError(t, f.queue.Add(ctx, latchTask("t2", 0, iv(5, 15))))

	// t2 must stay pending while t1 holds the overlapping interval.
	time.Sleep(100 * time.Millisecond)
	status, err := f.store.Status(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, status.Code)

	f.latch.release("t1")
	f.waitStatus(t, "t1", types.TaskSuccess)

	// Freed locks hand over to the waiting task.
	f.waitStatus(t, "t2", types.TaskRunning)
	f.latch.release("t2")
	f.waitStatus(t, "t2", types.TaskSuccess)
}

func TestQueueDisjointTasksRunConcurrently(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Add(ctx, latchTask("t1", 0, iv(0, 10))))
	require.NoError(t, f.queue.Add(ctx, latchTask("t2", 0, iv(10, 20))))

	f.waitStatus(t, "t1", types.TaskRunning)
	f.waitStatus(t, "t2", types.TaskRunning)

	f.latch.release("t1")
	f.latch.release("t2")
	f.waitStatus(t, "t1", types.TaskSuccess)
	f.waitStatus(t, "t2", types.TaskSuccess)
}

func TestQueueFailedTaskReleasesLocks(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	// Unknown executor type fails at the runner boundary.
	require.NoError(t, f.queue.Add(ctx, &types.Task{
		ID: "t1", Type: "mystery", Intervals: []types.Interval{iv(0, 10)},
	}))
	f.waitStatus(t, "t1", types.TaskFailed)

	require.NoError(t, f.queue.Add(ctx, latchTask("t2", 0, iv(0, 10))))
	f.waitStatus(t, "t2", types.TaskRunning)
	f.latch.release("t2")
	f.waitStatus(t, "t2", types.TaskSuccess)
}

func TestQueueAdoptsTasksInsertedDirectly(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	// Written straight to storage, bypassing Add. The next management pass
	// adopts and runs it.
	task := latchTask("direct", 0, iv(0, 10))
	require.NoError(t, f.store.Insert(ctx, task, types.PendingStatus("direct")))

	f.waitStatus(t, "direct", types.TaskRunning)
	f.latch.release("direct")
	f.waitStatus(t, "direct", types.TaskSuccess)
}

func TestQueuePriorityOrdersContendingTasks(t *testing.T) {
	f := setupQueue(t)
	ctx := context.Background()

	// Occupy the interval so the contenders queue up behind it.
	require.NoError(t, f.queue.Add(ctx, latchTask("holder", 0, iv(0, 10))))
	f.waitStatus(t, "holder", types.TaskRunning)

	require.NoError(t, f.queue.Add(ctx, latchTask("low", 1, iv(0, 10))))
	require.NoError(t, f.queue.Add(ctx, latchTask("high", 5, iv(0, 10))))
	time.Sleep(60 * time.Millisecond)

	f.latch.release("holder")
	f.waitStatus(t, "holder", types.TaskSuccess)

	// The higher-priority contender takes the interval first.
	f.waitStatus(t, "high", types.TaskRunning)
	status, err := f.store.Status(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, status.Code)

	f.latch.release("high")
	f.waitStatus(t, "high", types.TaskSuccess)
	f.waitStatus(t, "low", types.TaskRunning)
	f.latch.release("low")
	f.waitStatus(t, "low", types.TaskSuccess)
}

// rejectingRunner refuses every task at the Run boundary.
type rejectingRunner struct{}

func (rejectingRunner) Run(ctx context.Context, task *types.Task) (*runner.WorkItem, error) {
	return nil, errors.New("no capacity")
}
func (rejectingRunner) Shutdown(taskID string)                 {}
func (rejectingRunner) RunningTasks() []runner.WorkItemSummary { return nil }
func (rejectingRunner) PendingTasks() []runner.WorkItemSummary { return nil }
func (rejectingRunner) KnownTasks() []runner.WorkItemSummary   { return nil }
func (rejectingRunner) Stop()                                  {}

func TestQueueRunnerRejectionsDoNotStallTheLoop(t *testing.T) {
	ctx := context.Background()
	store := storage.NewHeapMemoryTaskStorage()
	lb := lockbox.New(store, nil)
	require.NoError(t, lb.SyncFromStorage(ctx))

	// More rejections in a single management pass than the completion
	// channel buffers; every one must still land as FAILED.
	const n = 80
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("reject-%d", i)
		task := &types.Task{
			ID:        id,
			Type:      "latch",
			Intervals: []types.Interval{iv(int64(i*10), int64(i*10+5))},
		}
		require.NoError(t, store.Insert(ctx, task, types.PendingStatus(id)))
		ids = append(ids, id)
	}

	cfg := &TaskQueueConfig{
		PollPeriod:          20 * time.Millisecond,
		MaxPriorityBypasses: 10,
	}
	queue := NewTaskQueue(cfg, store, lb, rejectingRunner{}, nil)
	queue.Start()
	t.Cleanup(queue.Stop)

	require.Eventually(t, func() bool {
		complete, err := store.CompleteStatuses(ctx)
		return err == nil && len(complete) == n
	}, 5*time.Second, 20*time.Millisecond, "rejected tasks never all failed")

	for _, id := range ids {
		status, err := store.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskFailed, status.Code)
	}
	assert.Empty(t, lb.Locks(), "rejection releases the task's locks")
}

func TestQueueStarvedTaskEventuallyJumpsTheLine(t *testing.T) {
	store := storage.NewHeapMemoryTaskStorage()
	lb := lockbox.New(store, nil)
	require.NoError(t, lb.SyncFromStorage(context.Background()))

	latch := newLatchExecutor()
	registry := executor.DefaultRegistry()
	registry.Register(latch)

	r, err := runner.NewLocalTaskRunner(8, registry, nil)
	require.NoError(t, err)

	cfg := &TaskQueueConfig{
		PollPeriod:          20 * time.Millisecond,
		MaxPriorityBypasses: 2,
	}
	queue := NewTaskQueue(cfg, store, lb, r, nil)
	queue.Start()
	t.Cleanup(func() {
		queue.Stop()
		r.Stop()
	})

	ctx := context.Background()
	require.NoError(t, queue.Add(ctx, latchTask("old-low", 0, iv(0, 10))))

	// Keep feeding higher-priority overlapping work; after the bypass budget
	// is spent the old task must run despite its priority.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			id := string(rune('a' + i))
			if err := queue.Add(ctx, latchTask(id, 100, iv(0, 10))); err != nil {
				return
			}
			latch.release(id)
			time.Sleep(25 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		status, err := store.Status(ctx, "old-low")
		return err == nil && status.Code != types.TaskPending
	}, 5*time.Second, 20*time.Millisecond, "low-priority task starved forever")

	latch.release("old-low")
	<-done
}
