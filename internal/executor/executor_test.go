package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlord/pkg/types"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&NoopExecutor{})

	exec, err := registry.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", exec.Type())

	_, err = registry.Get("mystery")
	assert.Error(t, err)
}

func TestDefaultRegistryHasBuiltins(t *testing.T) {
	registry := DefaultRegistry()
	assert.ElementsMatch(t, []string{"noop", "sleep"}, registry.Types())
}

func TestNoopExecutor(t *testing.T) {
	exec := &NoopExecutor{}
	assert.NoError(t, exec.Execute(context.Background(), &types.Task{ID: "t1", Type: "noop"}))
}

func TestSleepExecutorCompletes(t *testing.T) {
	exec := &SleepExecutor{}

	start := time.Now()
	err := exec.Execute(context.Background(), &types.Task{
		ID:      "t1",
		Type:    "sleep",
		Payload: []byte(`{"duration_ms": 20}`),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSleepExecutorHonorsCancellation(t *testing.T) {
	exec := &SleepExecutor{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := exec.Execute(ctx, &types.Task{
		ID:      "t1",
		Type:    "sleep",
		Payload: []byte(`{"duration_ms": 60000}`),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepExecutorBadPayload(t *testing.T) {
	exec := &SleepExecutor{}

	err := exec.Execute(context.Background(), &types.Task{
		ID:      "t1",
		Type:    "sleep",
		Payload: []byte(`{"duration_ms": "soon"}`),
	})
	assert.Error(t, err)
}
