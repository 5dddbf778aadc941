package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlord/pkg/types"
)

// fakeGateway records assignments and can be told to fail specific workers.
type fakeGateway struct {
	mu          sync.Mutex
	assigned    map[string][]string // worker id -> task ids
	shutdowns   []string
	failWorkers map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		assigned:    make(map[string][]string),
		failWorkers: make(map[string]bool),
	}
}

func (g *fakeGateway) AssignTask(workerID string, task *types.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failWorkers[workerID] {
		return fmt.Errorf("worker %s unreachable", workerID)
	}
	g.assigned[workerID] = append(g.assigned[workerID], task.ID)
	return nil
}

func (g *fakeGateway) ShutdownTask(workerID, taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdowns = append(g.shutdowns, workerID+"/"+taskID)
	return nil
}

func (g *fakeGateway) assignedTo(workerID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.assigned[workerID]...)
}

func (g *fakeGateway) setFailing(workerID string, failing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWorkers[workerID] = failing
}

func remoteTestConfig() *RemoteConfig {
	return &RemoteConfig{
		MinFreeCapacity:     1,
		MaxDispatchAttempts: 3,
		HeartbeatTimeout:    time.Hour,
		WorkerGracePeriod:   time.Hour,
		SweepPeriod:         10 * time.Millisecond,
	}
}

func setupRemote(t *testing.T, cfg *RemoteConfig) (*RemoteTaskRunner, *WorkerRegistry, *fakeGateway) {
	t.Helper()

	if cfg == nil {
		cfg = remoteTestConfig()
	}
	registry := NewWorkerRegistry()
	gateway := newFakeGateway()
	r := NewRemoteTaskRunner(cfg, registry, gateway, nil)
	t.Cleanup(r.Stop)
	return r, registry, gateway
}

func TestRemoteDispatchToLeastLoadedWorker(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))
	require.NoError(t, registry.Register(testWorker("w2", 4)))
	require.NoError(t, registry.Heartbeat("w1", []string{"x1", "x2"}, nil))
	require.NoError(t, registry.Heartbeat("w2", nil, nil))

	_, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w2")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, gateway.assignedTo("w1"))
}

func TestRemoteWaitsWhenNoWorkerEligible(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.PendingTasks(), 1, "no worker yet, the task stays pending")

	// A worker arriving later picks the task up; waiting consumed no
	// dispatch attempts.
	require.NoError(t, registry.Register(testWorker("w1", 4)))

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w1")) == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-item.Result():
		t.Fatal("task must not complete before a status report arrives")
	default:
	}
}

func TestRemoteRetriesOnDifferentWorker(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))
	require.NoError(t, registry.Register(testWorker("w2", 2)))
	gateway.setFailing("w1", true)

	_, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w2")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteFailsAfterMaxAttempts(t *testing.T) {
	cfg := remoteTestConfig()
	cfg.MaxDispatchAttempts = 2
	r, registry, gateway := setupRemote(t, cfg)

	require.NoError(t, registry.Register(testWorker("w1", 4)))
	require.NoError(t, registry.Register(testWorker("w2", 4)))
	require.NoError(t, registry.Register(testWorker("w3", 4)))
	gateway.setFailing("w1", true)
	gateway.setFailing("w2", true)
	gateway.setFailing("w3", true)

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	select {
	case status := <-item.Result():
		assert.Equal(t, types.TaskFailed, status.Code)
		assert.Contains(t, status.Error, "dispatch failed")
	case <-time.After(2 * time.Second):
		t.Fatal("task was not failed after exhausting dispatch attempts")
	}
}

func TestRemoteStatusReportCompletesTask(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w1")) == 1
	}, time.Second, 10*time.Millisecond)

	r.OnStatusReport(types.SuccessStatus("t1"))

	select {
	case status := <-item.Result():
		assert.Equal(t, types.TaskSuccess, status.Code)
	case <-time.After(time.Second):
		t.Fatal("status report did not resolve the work item")
	}
	assert.Empty(t, r.KnownTasks())
}

func TestRemoteDuplicateStatusReportsIdempotent(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w1")) == 1
	}, time.Second, 10*time.Millisecond)

	r.OnStatusReport(types.SuccessStatus("t1"))
	r.OnStatusReport(types.FailedStatus("t1", "late duplicate"))

	status := <-item.Result()
	assert.Equal(t, types.TaskSuccess, status.Code, "first terminal report wins")
}

func TestRemoteNonTerminalReportIgnored(t *testing.T) {
	r, registry, _ := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	r.OnStatusReport(types.RunningStatus("t1"))

	select {
	case <-item.Result():
		t.Fatal("non-terminal report must not resolve the work item")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteLostWorkerFailsTasksPastGrace(t *testing.T) {
	cfg := remoteTestConfig()
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.WorkerGracePeriod = 50 * time.Millisecond
	r, registry, gateway := setupRemote(t, cfg)

	require.NoError(t, registry.Register(testWorker("w1", 4)))

	item, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w1")) == 1
	}, time.Second, 10*time.Millisecond)

	// w1 never heartbeats again; it goes lost, the grace period expires and
	// its task is failed.
	select {
	case status := <-item.Result():
		assert.Equal(t, types.TaskFailed, status.Code)
		assert.Contains(t, status.Error, "worker lost")
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned task was not failed")
	}
	assert.Equal(t, 0, registry.Count(), "worker decommissioned after grace period")
}

func TestRemoteShutdownForwardsToWorker(t *testing.T) {
	r, registry, gateway := setupRemote(t, nil)

	require.NoError(t, registry.Register(testWorker("w1", 4)))

	_, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(gateway.assignedTo("w1")) == 1
	}, time.Second, 10*time.Millisecond)

	r.Shutdown("t1")

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, []string{"w1/t1"}, gateway.shutdowns)
}

func TestRemoteSkipsWorkersBelowFreeCapacityFloor(t *testing.T) {
	cfg := remoteTestConfig()
	cfg.MinFreeCapacity = 2
	r, registry, gateway := setupRemote(t, cfg)

	require.NoError(t, registry.Register(testWorker("w1", 2)))
	require.NoError(t, registry.Heartbeat("w1", []string{"x1"}, nil))

	_, err := r.Run(context.Background(), &types.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gateway.assignedTo("w1"))
	assert.Len(t, r.PendingTasks(), 1)
}
