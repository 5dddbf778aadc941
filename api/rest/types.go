package rest

import (
	"encoding/json"
	"time"

	"overlord/pkg/types"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TaskSubmitResponse acknowledges an accepted task.
type TaskSubmitResponse struct {
	Task string `json:"task"`
}

// TaskStatusResponse is the latest status of one task.
type TaskStatusResponse struct {
	Task   string           `json:"task"`
	Status types.TaskStatus `json:"status"`
}

// TaskPayloadResponse returns the original submitted task.
type TaskPayloadResponse struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

// TaskHistoryResponse is the append-only status log of one task.
type TaskHistoryResponse struct {
	Task    string             `json:"task"`
	History []types.TaskStatus `json:"history"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// ReadyResponse reports whether this node serves task APIs.
type ReadyResponse struct {
	Ready  bool `json:"ready"`
	Leader bool `json:"leader"`
}

// LockView is one granted interval lock.
type LockView struct {
	Task     string `json:"task"`
	Resource string `json:"resource"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Version  int64  `json:"version"`
}
