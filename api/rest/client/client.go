// Package client implements the HTTP client for the coordinator API, used by
// the CLI and by tooling that submits and observes tasks.
package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"overlord/pkg/types"
)

// Config holds the client settings.
type Config struct {
	// BaseURL is the coordinator base URL (e.g., "http://localhost:8090").
	BaseURL string

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8090",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the coordinator REST API.
type Client struct {
	config *Config
}

// New creates a client.
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{config: config}
}

// APIError is a non-2xx response decoded from the coordinator.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsDuplicateTask reports whether the error is a duplicate-id rejection.
func IsDuplicateTask(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "duplicate_task"
}

// SubmitTask submits a task and returns its acknowledged id.
func (c *Client) SubmitTask(task *types.Task) (string, error) {
	agent := fiber.Post(c.config.BaseURL + "/api/v1/task")
	agent.Timeout(c.config.RequestTimeout)
	agent.JSON(task)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", fmt.Errorf("submit task: %w", errs[0])
	}
	if code != fiber.StatusOK {
		return "", decodeError(code, body)
	}

	var resp struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("submit task: decode response: %w", err)
	}
	return resp.Task, nil
}

// TaskStatus returns the latest status of the task.
func (c *Client) TaskStatus(taskID string) (*types.TaskStatus, error) {
	var resp struct {
		Status types.TaskStatus `json:"status"`
	}
	if err := c.getJSON("/api/v1/task/"+taskID+"/status", &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// TaskPayload returns the original submitted task.
func (c *Client) TaskPayload(taskID string) (*types.Task, error) {
	var resp struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.getJSON("/api/v1/task/"+taskID+"/payload", &resp); err != nil {
		return nil, err
	}

	var task types.Task
	if err := json.Unmarshal(resp.Payload, &task); err != nil {
		return nil, fmt.Errorf("task payload: decode: %w", err)
	}
	return &task, nil
}

// Leader returns the current leader's host:port.
func (c *Client) Leader() (string, error) {
	agent := fiber.Get(c.config.BaseURL + "/api/v1/leader")
	agent.Timeout(c.config.RequestTimeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", fmt.Errorf("resolve leader: %w", errs[0])
	}
	if code != fiber.StatusOK {
		return "", decodeError(code, body)
	}
	return string(body), nil
}

// WaitingTasks lists accepted tasks the runner has not picked up.
func (c *Client) WaitingTasks() ([]types.TaskSummary, error) {
	var out []types.TaskSummary
	if err := c.getJSON("/api/v1/waitingTasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunningTasks lists currently executing tasks.
func (c *Client) RunningTasks() ([]types.TaskSummary, error) {
	var out []types.TaskSummary
	if err := c.getJSON("/api/v1/runningTasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteTasks lists terminally finished tasks.
func (c *Client) CompleteTasks() ([]types.TaskSummary, error) {
	var out []types.TaskSummary
	if err := c.getJSON("/api/v1/completeTasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ShutdownTask requests best-effort cancellation of the task.
func (c *Client) ShutdownTask(taskID string) error {
	agent := fiber.Post(c.config.BaseURL + "/api/v1/task/" + taskID + "/shutdown")
	agent.Timeout(c.config.RequestTimeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("shutdown task: %w", errs[0])
	}
	if code != fiber.StatusOK && code != fiber.StatusAccepted {
		return decodeError(code, body)
	}
	return nil
}

func (c *Client) getJSON(path string, out any) error {
	agent := fiber.Get(c.config.BaseURL + path)
	agent.Timeout(c.config.RequestTimeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("GET %s: %w", path, errs[0])
	}
	if code != fiber.StatusOK {
		return decodeError(code, body)
	}
	return json.Unmarshal(body, out)
}

func decodeError(code int, body []byte) error {
	apiErr := &APIError{StatusCode: code}
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		apiErr.Code = resp.Error
		apiErr.Message = resp.Message
	} else {
		apiErr.Message = string(body)
	}
	return apiErr
}
