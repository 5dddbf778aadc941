package overlord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlord/internal/autoscale"
	"overlord/internal/election"
	"overlord/internal/executor"
	"overlord/internal/lockbox"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/types"
)

type recordingAnnouncer struct {
	announced   int
	unannounced int
	failNext    bool
}

func (a *recordingAnnouncer) Announce(ctx context.Context) error {
	if a.failNext {
		return fmt.Errorf("discovery unavailable")
	}
	a.announced++
	return nil
}

func (a *recordingAnnouncer) Unannounce() {
	a.unannounced++
}

func setupMaster(t *testing.T, announcer ServiceAnnouncer) (*TaskMaster, storage.TaskStorage) {
	t.Helper()

	store := storage.NewHeapMemoryTaskStorage()
	lb := lockbox.New(store, nil)
	elector := election.NewStandaloneElector("127.0.0.1:8090")

	runnerFactory := func() (runner.TaskRunner, error) {
		return runner.NewLocalTaskRunner(4, executor.DefaultRegistry(), nil)
	}
	scalerFactory := func(r runner.TaskRunner) (autoscale.ResourceScheduler, error) {
		return autoscale.NoopScheduler{}, nil
	}

	cfg := &TaskQueueConfig{PollPeriod: 20 * time.Millisecond, MaxPriorityBypasses: 10}
	master := NewTaskMaster(store, lb, elector, runnerFactory, scalerFactory, announcer, cfg, nil)
	return master, store
}

func TestMasterLifecycle(t *testing.T) {
	announcer := &recordingAnnouncer{}
	master, _ := setupMaster(t, announcer)
	ctx := context.Background()

	assert.False(t, master.IsLeading())
	_, ok := master.Queue()
	assert.False(t, ok, "no queue while standing by")

	require.NoError(t, master.Start(ctx))
	assert.True(t, master.IsLeading())
	assert.Equal(t, 1, announcer.announced)

	_, ok = master.Queue()
	assert.True(t, ok)
	_, ok = master.Runner()
	assert.True(t, ok)

	require.NoError(t, master.Stop())
	assert.False(t, master.IsLeading())
	assert.Equal(t, 1, announcer.unannounced)

	_, ok = master.Queue()
	assert.False(t, ok)
}

func TestMasterLeadershipTransitionsIdempotent(t *testing.T) {
	master, _ := setupMaster(t, nil)
	ctx := context.Background()

	require.NoError(t, master.BecomeLeader(ctx))
	require.NoError(t, master.BecomeLeader(ctx))
	assert.True(t, master.IsLeading())

	master.LoseLeadership()
	master.LoseLeadership()
	assert.False(t, master.IsLeading())
}

func TestMasterAnnounceFailureRelinquishes(t *testing.T) {
	announcer := &recordingAnnouncer{failNext: true}
	master, _ := setupMaster(t, announcer)

	err := master.Start(context.Background())
	require.Error(t, err)
	assert.False(t, master.IsLeading())
	_, ok := master.Queue()
	assert.False(t, ok, "partial bring-up must be torn down")
}

func TestMasterRunsTasksEndToEnd(t *testing.T) {
	master, store := setupMaster(t, nil)
	ctx := context.Background()

	require.NoError(t, master.Start(ctx))
	t.Cleanup(func() { _ = master.Stop() })

	queue, ok := master.Queue()
	require.True(t, ok)

	require.NoError(t, queue.Add(ctx, &types.Task{ID: "t1", Type: "noop"}))

	require.Eventually(t, func() bool {
		status, err := store.Status(ctx, "t1")
		return err == nil && status.Code == types.TaskSuccess
	}, 5*time.Second, 10*time.Millisecond)

	complete, err := master.CompleteTasks(ctx)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, "t1", complete[0].ID)
	assert.Equal(t, types.TaskSuccess, complete[0].Status)
}

func TestMasterRecoversPersistedTasksOnElection(t *testing.T) {
	master, store := setupMaster(t, nil)
	ctx := context.Background()

	// Accepted by a previous leader: a PENDING and a RUNNING task survive in
	// storage. The new leader must pick both up.
	pending := &types.Task{ID: "pending", Type: "noop"}
	require.NoError(t, store.Insert(ctx, pending, types.PendingStatus("pending")))

	interrupted := &types.Task{ID: "interrupted", Type: "noop"}
	require.NoError(t, store.Insert(ctx, interrupted, types.PendingStatus("interrupted")))
	require.NoError(t, store.SetStatus(ctx, types.RunningStatus("interrupted")))

	require.NoError(t, master.Start(ctx))
	t.Cleanup(func() { _ = master.Stop() })

	for _, id := range []string{"pending", "interrupted"} {
		require.Eventually(t, func() bool {
			status, err := store.Status(ctx, id)
			return err == nil && status.Code == types.TaskSuccess
		}, 5*time.Second, 10*time.Millisecond, "task %s was not recovered", id)
	}
}

func TestMasterWaitingTasks(t *testing.T) {
	store := storage.NewHeapMemoryTaskStorage()
	lb := lockbox.New(store, nil)
	elector := election.NewStandaloneElector("127.0.0.1:8090")
	runnerFactory := func() (runner.TaskRunner, error) {
		return runner.NewLocalTaskRunner(4, executor.DefaultRegistry(), nil)
	}
	scalerFactory := func(r runner.TaskRunner) (autoscale.ResourceScheduler, error) {
		return autoscale.NoopScheduler{}, nil
	}
	// Slow poll so the direct insert is observably waiting before adoption.
	cfg := &TaskQueueConfig{PollPeriod: 300 * time.Millisecond, MaxPriorityBypasses: 10}
	master := NewTaskMaster(store, lb, elector, runnerFactory, scalerFactory, nil, cfg, nil)
	ctx := context.Background()

	require.NoError(t, master.Start(ctx))
	t.Cleanup(func() { _ = master.Stop() })

	// Inserted directly into storage; it is waiting until the queue's next
	// management pass hands it to the runner.
	task := &types.Task{ID: "t1", Type: "sleep", Payload: []byte(`{"duration_ms": 30000}`)}
	require.NoError(t, store.Insert(ctx, task, types.PendingStatus("t1")))

	waiting, err := master.WaitingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "t1", waiting[0].ID)

	// Once the runner knows the task it is no longer waiting.
	require.Eventually(t, func() bool {
		waiting, err := master.WaitingTasks(ctx)
		return err == nil && len(waiting) == 0
	}, 5*time.Second, 10*time.Millisecond)

	running, err := master.RunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "t1", running[0].ID)
}

func TestMasterReportDroppedWhileStandby(t *testing.T) {
	master, _ := setupMaster(t, nil)

	// Must not panic or touch any runner.
	master.ReportTaskStatus(types.SuccessStatus("ghost"))
	assert.False(t, master.IsLeading())
}

func TestMasterLeaderAddress(t *testing.T) {
	master, _ := setupMaster(t, nil)

	leader, err := master.Leader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", leader)
}
