package types

import "encoding/json"

// WSMessageType identifies a websocket frame between overlord and worker.
type WSMessageType string

const (
	// WSMsgAnnounce is the first frame a worker sends after connecting.
	WSMsgAnnounce WSMessageType = "announce"
	// WSMsgHeartbeat carries periodic presence and load updates.
	WSMsgHeartbeat WSMessageType = "heartbeat"
	// WSMsgAssignTask pushes a task assignment to a worker.
	WSMsgAssignTask WSMessageType = "assign_task"
	// WSMsgStatusReport carries a task status update from a worker.
	WSMsgStatusReport WSMessageType = "status_report"
	// WSMsgShutdownTask requests best-effort cancellation of a task.
	WSMsgShutdownTask WSMessageType = "shutdown_task"
)

// WSMessage is the envelope for all worker-channel frames.
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewWSMessage marshals payload into an envelope.
func NewWSMessage(t WSMessageType, payload any) (*WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &WSMessage{Type: t, Data: data}, nil
}

// AnnounceFrame is the payload of WSMsgAnnounce.
type AnnounceFrame struct {
	Worker WorkerInfo `json:"worker"`
}

// HeartbeatFrame is the payload of WSMsgHeartbeat.
type HeartbeatFrame struct {
	WorkerID     string         `json:"worker_id"`
	RunningTasks []string       `json:"running_tasks"`
	Metrics      *WorkerMetrics `json:"metrics,omitempty"`
}

// AssignTaskFrame is the payload of WSMsgAssignTask.
type AssignTaskFrame struct {
	Task *Task `json:"task"`
}

// StatusReportFrame is the payload of WSMsgStatusReport.
type StatusReportFrame struct {
	Status TaskStatus `json:"status"`
}

// ShutdownTaskFrame is the payload of WSMsgShutdownTask.
type ShutdownTaskFrame struct {
	TaskID string `json:"task_id"`
}
