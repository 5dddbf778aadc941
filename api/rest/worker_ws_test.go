package rest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func hubConn(workerID string) *WorkerConn {
	return &WorkerConn{
		workerID: workerID,
		send:     make(chan []byte, 1),
		done:     make(chan struct{}),
	}
}

func TestWorkerHubUnregisterIgnoresReplacedConn(t *testing.T) {
	hub := NewWorkerHub(nil)

	old := hubConn("w1")
	hub.register(old)

	// The worker re-dials while the old connection is still half-open.
	replacement := hubConn("w1")
	hub.register(replacement)

	// The stale handler's teardown must leave the live connection registered.
	assert.False(t, hub.unregister(old))
	assert.True(t, hub.HasConn("w1"))

	assert.True(t, hub.unregister(replacement))
	assert.False(t, hub.HasConn("w1"))
}

func TestWorkerHubRegisterClosesPreviousConn(t *testing.T) {
	hub := NewWorkerHub(nil)

	old := hubConn("w1")
	hub.register(old)
	hub.register(hubConn("w1"))

	select {
	case <-old.done:
	default:
		t.Fatal("replaced connection was not closed")
	}
}
