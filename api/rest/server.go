// Package rest provides the coordinator's HTTP surface: task submission and
// observation, leader resolution, per-task chat handlers and the worker
// websocket channel.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"overlord/internal/overlord"
	"overlord/internal/runner"
)

// Config holds the REST server settings.
type Config struct {
	// Address is the address to listen on (e.g., ":8090").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out response writes.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8090",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		EnableCORS:   true,
	}
}

// Server is the coordinator's HTTP server.
type Server struct {
	app      *fiber.App
	master   *overlord.TaskMaster
	registry *runner.WorkerRegistry
	chat     *ChatRegistry
	wsHub    *WorkerHub
	config   *Config
}

// NewServer creates the REST server over a master and worker registry.
func NewServer(m *overlord.TaskMaster, registry *runner.WorkerRegistry, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorHandler: customErrorHandler,
		AppName:      "Overlord API",
	})

	server := &Server{
		app:      app,
		master:   m,
		registry: registry,
		chat:     NewChatRegistry(),
		config:   config,
	}
	server.wsHub = NewWorkerHub(server)

	server.setupMiddleware()
	server.setupRoutes()
	return server
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,PUT,DELETE,PATCH,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")

	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	// Task routes
	api.Post("/task", s.submitTask)
	api.Get("/task/:id/status", s.getTaskStatus)
	api.Get("/task/:id/payload", s.getTaskPayload)
	api.Get("/task/:id/history", s.getTaskHistory)
	api.Post("/task/:id/shutdown", s.shutdownTask)

	// Queue views
	api.Get("/waitingTasks", s.listWaitingTasks)
	api.Get("/runningTasks", s.listRunningTasks)
	api.Get("/completeTasks", s.listCompleteTasks)

	// Leadership
	api.Get("/leader", s.getLeader)
	api.Get("/isLeader", s.isLeader)

	// Lock table, observability only
	api.Get("/locks", s.listLocks)

	// Worker fleet
	api.Get("/workers", s.listWorkers)
	api.Get("/workers/:id", s.getWorker)
	api.Post("/workers/:id/drain", s.drainWorker)

	// Task chat: requests routed to whatever handler the task registered.
	api.All("/chat/:id/*", s.chatDispatch)
	api.All("/chat/:id", s.chatDispatch)

	s.setupWorkerWSRoute()
}

// ChatRegistry exposes the per-task handler registry for executor wiring.
func (s *Server) ChatRegistry() *ChatRegistry {
	return s.chat
}

// WorkerHub exposes the websocket hub; it implements runner.WorkerGateway.
func (s *Server) WorkerHub() *WorkerHub {
	return s.wsHub
}

// Start starts the REST server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the server and shuts it down when ctx ends.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app. Tests drive it via app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
