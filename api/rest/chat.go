package rest

import (
	"sync"

	"github.com/gofiber/fiber/v2"
)

// ChatRegistry routes per-task HTTP traffic to whatever handler a running
// task registered. The coordinator never interprets chat requests; it only
// forwards them. Unknown task ids answer 404, including tasks that are known
// but never registered a handler.
type ChatRegistry struct {
	mu       sync.RWMutex
	handlers map[string]fiber.Handler
}

// NewChatRegistry creates an empty chat registry.
func NewChatRegistry() *ChatRegistry {
	return &ChatRegistry{handlers: make(map[string]fiber.Handler)}
}

// Register installs the task's chat handler, replacing any previous one.
func (r *ChatRegistry) Register(taskID string, handler fiber.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskID] = handler
}

// Deregister removes the task's chat handler. No-op for unknown ids.
func (r *ChatRegistry) Deregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, taskID)
}

// Handler returns the task's registered handler.
func (r *ChatRegistry) Handler(taskID string) (fiber.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskID]
	return h, ok
}

// chatDispatch forwards the request to the task's registered handler.
func (s *Server) chatDispatch(c *fiber.Ctx) error {
	id := c.Params("id")

	handler, ok := s.chat.Handler(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "no_chat_handler",
			Message: "no chat handler registered for task: " + id,
		})
	}
	return handler(c)
}
