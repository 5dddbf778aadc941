package types

import "time"

// WorkerState is the presence state of a remote worker.
type WorkerState string

const (
	// WorkerStateOnline indicates the worker heartbeats within the timeout.
	WorkerStateOnline WorkerState = "online"
	// WorkerStateLost indicates the worker missed its heartbeat window.
	WorkerStateLost WorkerState = "lost"
	// WorkerStateDraining indicates the worker finishes current tasks but
	// receives no new assignments (decommission in progress).
	WorkerStateDraining WorkerState = "draining"
)

// WorkerInfo identifies a remote execution slot pool. Workers are ephemeral:
// created on announcement, destroyed on presence loss or decommission.
type WorkerInfo struct {
	// ID is the worker's stable identifier across reconnects.
	ID string `json:"id"`

	// Address is the worker's host:port.
	Address string `json:"address"`

	// Capacity is the number of tasks the worker runs concurrently.
	Capacity int `json:"capacity"`

	// Version is the worker build version, informational only.
	Version string `json:"version,omitempty"`

	// Labels are free-form key/value tags.
	Labels map[string]string `json:"labels,omitempty"`
}

// WorkerStatus is the mutable presence record kept per worker.
type WorkerStatus struct {
	State        WorkerState    `json:"state"`
	RunningTasks []string       `json:"running_tasks"`
	LastSeen     time.Time      `json:"last_seen"`
	Metrics      *WorkerMetrics `json:"metrics,omitempty"`
}

// FreeSlots returns the worker's remaining concurrent capacity.
func (s *WorkerStatus) FreeSlots(capacity int) int {
	free := capacity - len(s.RunningTasks)
	if free < 0 {
		return 0
	}
	return free
}

// WorkerMetrics carries the execution statistics a worker reports with each
// heartbeat. Latencies come from the worker's run-duration histogram.
type WorkerMetrics struct {
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	RunLatencyP50  int64 `json:"run_latency_p50_ms"`
	RunLatencyP95  int64 `json:"run_latency_p95_ms"`
	RunLatencyP99  int64 `json:"run_latency_p99_ms"`
}

// WorkerEventType classifies registry events.
type WorkerEventType string

const (
	WorkerEventRegistered   WorkerEventType = "registered"
	WorkerEventDeregistered WorkerEventType = "deregistered"
	WorkerEventOnline       WorkerEventType = "online"
	WorkerEventLost         WorkerEventType = "lost"
)

// WorkerEvent is published by the worker registry on presence changes.
type WorkerEvent struct {
	Type     WorkerEventType `json:"type"`
	WorkerID string          `json:"worker_id"`
	Worker   *WorkerInfo     `json:"worker,omitempty"`
}
