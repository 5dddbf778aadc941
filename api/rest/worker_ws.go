package rest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"overlord/pkg/logger"
	"overlord/pkg/types"
)

// WorkerConn wraps a single websocket connection from a worker.
type WorkerConn struct {
	workerID string
	conn     *fiberws.Conn
	send     chan []byte
	hub      *WorkerHub
	done     chan struct{}
	once     sync.Once
}

// WorkerHub manages all worker websocket connections. It implements
// runner.WorkerGateway: assignments and shutdowns travel over the same
// channel the worker announces and heartbeats on.
type WorkerHub struct {
	conns  map[string]*WorkerConn
	mu     sync.RWMutex
	server *Server
}

// NewWorkerHub creates a new hub.
func NewWorkerHub(server *Server) *WorkerHub {
	return &WorkerHub{
		conns:  make(map[string]*WorkerConn),
		server: server,
	}
}

// HasConn reports whether the worker has an active connection.
func (h *WorkerHub) HasConn(workerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[workerID]
	return ok
}

// AssignTask pushes a task assignment to a worker.
func (h *WorkerHub) AssignTask(workerID string, task *types.Task) error {
	msg, err := types.NewWSMessage(types.WSMsgAssignTask, types.AssignTaskFrame{Task: task})
	if err != nil {
		return err
	}
	return h.sendToWorker(workerID, msg)
}

// ShutdownTask requests best-effort cancellation on a worker.
func (h *WorkerHub) ShutdownTask(workerID, taskID string) error {
	msg, err := types.NewWSMessage(types.WSMsgShutdownTask, types.ShutdownTaskFrame{TaskID: taskID})
	if err != nil {
		return err
	}
	return h.sendToWorker(workerID, msg)
}

func (h *WorkerHub) sendToWorker(workerID string, msg *types.WSMessage) error {
	h.mu.RLock()
	conn, ok := h.conns[workerID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("worker %s not connected", workerID)
	}

	envelope, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case conn.send <- envelope:
		return nil
	default:
		return fmt.Errorf("send buffer full for worker %s", workerID)
	}
}

func (h *WorkerHub) register(conn *WorkerConn) {
	h.mu.Lock()
	if old, ok := h.conns[conn.workerID]; ok {
		old.close()
	}
	h.conns[conn.workerID] = conn
	h.mu.Unlock()
}

// unregister removes the connection's map entry and reports whether it was
// still the registered one. A worker that re-dialed has already replaced the
// entry; the old handler's teardown must not touch the live connection.
func (h *WorkerHub) unregister(conn *WorkerConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[conn.workerID] != conn {
		return false
	}
	delete(h.conns, conn.workerID)
	return true
}

// setupWorkerWSRoute registers the Fiber-native websocket endpoint.
func (s *Server) setupWorkerWSRoute() {
	s.app.Use("/api/v1/worker-ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/api/v1/worker-ws", fiberws.New(func(c *fiberws.Conn) {
		s.wsHub.handleConnection(c)
	}))
}

// handleConnection handles a newly established worker connection.
func (h *WorkerHub) handleConnection(c *fiberws.Conn) {
	// The first frame must be an announce.
	var first types.WSMessage
	if err := c.ReadJSON(&first); err != nil {
		logger.Error("ws: read first frame failed", zap.Error(err))
		return
	}
	if first.Type != types.WSMsgAnnounce {
		logger.Error("ws: expected announce frame", zap.String("got", string(first.Type)))
		return
	}

	var announce types.AnnounceFrame
	if err := json.Unmarshal(first.Data, &announce); err != nil {
		logger.Error("ws: parse announce frame failed", zap.Error(err))
		return
	}

	workerID := announce.Worker.ID
	if err := h.server.registry.Register(&announce.Worker); err != nil {
		logger.Error("ws: worker registration rejected",
			zap.String("worker", workerID), zap.Error(err))
		return
	}

	conn := &WorkerConn{
		workerID: workerID,
		conn:     c,
		send:     make(chan []byte, 256),
		hub:      h,
		done:     make(chan struct{}),
	}

	h.register(conn)
	defer func() {
		if !h.unregister(conn) {
			return
		}
		// A dropped connection is a missed-heartbeat situation, not a
		// decommission; the presence sweep decides the worker's fate.
		_ = h.server.registry.MarkLost(workerID)
		logger.Info("ws: worker disconnected", zap.String("worker", workerID))
	}()

	logger.Info("ws: worker connected", zap.String("worker", workerID))

	go conn.writePump()

	// readPump blocks until the connection closes.
	conn.readPump()
}

func (c *WorkerConn) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg types.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("ws: invalid frame", zap.String("worker", c.workerID), zap.Error(err))
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *WorkerConn) handleMessage(msg *types.WSMessage) {
	switch msg.Type {
	case types.WSMsgHeartbeat:
		var hb types.HeartbeatFrame
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			return
		}
		if err := c.hub.server.registry.Heartbeat(c.workerID, hb.RunningTasks, hb.Metrics); err != nil {
			logger.Warn("ws: heartbeat from unknown worker",
				zap.String("worker", c.workerID), zap.Error(err))
		}

	case types.WSMsgStatusReport:
		var report types.StatusReportFrame
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			return
		}
		c.hub.server.master.ReportTaskStatus(report.Status)
	}
}

func (c *WorkerConn) writePump() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WorkerConn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
