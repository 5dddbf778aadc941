package rest

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"overlord/internal/overlord"
	"overlord/internal/storage"
	"overlord/pkg/types"
)

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{Status: "ok", Time: time.Now()})
}

// readyCheck reports leadership. Standbys answer 503 so load balancers route
// task traffic to the leader.
func (s *Server) readyCheck(c *fiber.Ctx) error {
	leading := s.master.IsLeading()
	resp := ReadyResponse{Ready: leading, Leader: leading}
	if !leading {
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// submitTask accepts a new task. Duplicate ids answer 400; the id space is
// global across all time, a completed id stays taken.
func (s *Server) submitTask(c *fiber.Ctx) error {
	queue, ok := s.master.Queue()
	if !ok {
		return s.notLeading(c)
	}

	var task types.Task
	if err := c.BodyParser(&task); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "malformed task body: " + err.Error(),
		})
	}

	if err := queue.Add(c.Context(), &task); err != nil {
		if errors.Is(err, overlord.ErrDuplicateTask) {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "duplicate_task",
				Message: "task already exists: " + task.ID,
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_task",
			Message: err.Error(),
		})
	}

	return c.JSON(TaskSubmitResponse{Task: task.ID})
}

func (s *Server) getTaskStatus(c *fiber.Ctx) error {
	id := c.Params("id")

	status, err := s.master.Storage().Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return s.taskNotFound(c, id)
		}
		return err
	}
	return c.JSON(TaskStatusResponse{Task: id, Status: status})
}

func (s *Server) getTaskPayload(c *fiber.Ctx) error {
	id := c.Params("id")

	task, err := s.master.Storage().Task(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return s.taskNotFound(c, id)
		}
		return err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return c.JSON(TaskPayloadResponse{Task: id, Payload: payload})
}

func (s *Server) getTaskHistory(c *fiber.Ctx) error {
	id := c.Params("id")

	history, err := s.master.Storage().StatusHistory(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return s.taskNotFound(c, id)
		}
		return err
	}
	return c.JSON(TaskHistoryResponse{Task: id, History: history})
}

// shutdownTask requests best-effort cancellation. 202: termination is not
// guaranteed, callers poll the status endpoint.
func (s *Server) shutdownTask(c *fiber.Ctx) error {
	queue, ok := s.master.Queue()
	if !ok {
		return s.notLeading(c)
	}

	id := c.Params("id")
	if _, err := s.master.Storage().Task(c.Context(), id); err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			return s.taskNotFound(c, id)
		}
		return err
	}

	queue.Shutdown(id)
	return c.Status(fiber.StatusAccepted).JSON(TaskSubmitResponse{Task: id})
}

func (s *Server) listWaitingTasks(c *fiber.Ctx) error {
	waiting, err := s.master.WaitingTasks(c.Context())
	if err != nil {
		return s.notLeading(c)
	}
	return c.JSON(waiting)
}

func (s *Server) listRunningTasks(c *fiber.Ctx) error {
	running, err := s.master.RunningTasks(c.Context())
	if err != nil {
		return s.notLeading(c)
	}
	return c.JSON(running)
}

func (s *Server) listCompleteTasks(c *fiber.Ctx) error {
	complete, err := s.master.CompleteTasks(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(complete)
}

// getLeader answers the leader's host:port as plain text.
func (s *Server) getLeader(c *fiber.Ctx) error {
	leader, err := s.master.Leader(c.Context())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "no_leader",
			Message: err.Error(),
		})
	}
	return c.SendString(leader)
}

func (s *Server) isLeader(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"leader": s.master.IsLeading()})
}

func (s *Server) listLocks(c *fiber.Ctx) error {
	locks := s.master.Lockbox().Locks()
	out := make([]LockView, 0, len(locks))
	for _, lock := range locks {
		out = append(out, LockView{
			Task:     lock.TaskID,
			Resource: lock.Interval.Resource,
			Start:    lock.Interval.Start,
			End:      lock.Interval.End,
			Version:  lock.Version,
		})
	}
	return c.JSON(out)
}

func (s *Server) listWorkers(c *fiber.Ctx) error {
	return c.JSON(s.registry.List())
}

func (s *Server) getWorker(c *fiber.Ctx) error {
	id := c.Params("id")

	worker, err := s.registry.Worker(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "worker_not_found",
			Message: err.Error(),
		})
	}
	status, err := s.registry.Status(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "worker_not_found",
			Message: err.Error(),
		})
	}
	return c.JSON(struct {
		Info   *types.WorkerInfo   `json:"info"`
		Status *types.WorkerStatus `json:"status"`
	}{worker, status})
}

// drainWorker stops new assignments to the worker; running tasks finish.
func (s *Server) drainWorker(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.registry.Drain(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "worker_not_found",
			Message: err.Error(),
		})
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Server) notLeading(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
		Error:   "not_leader",
		Message: "this node is not the leader",
	})
}

func (s *Server) taskNotFound(c *fiber.Ctx, id string) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "task_not_found",
		Message: "unknown task: " + id,
	})
}
