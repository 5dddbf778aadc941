// Package worker implements the remote worker agent: it dials the
// coordinator's websocket channel, announces its capacity, heartbeats its
// presence and runs assigned task payloads on a bounded pool.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"overlord/internal/executor"
	"overlord/pkg/types"
)

// Config holds the agent settings.
type Config struct {
	// ID is the worker's stable identifier. Defaults to hostname, then to a
	// generated id.
	ID string `yaml:"id"`

	// Address is the advertised host:port, informational only.
	Address string `yaml:"address"`

	// Capacity is the number of concurrent task slots.
	Capacity int `yaml:"capacity"`

	// OverlordURL is the coordinator base URL (e.g., "http://127.0.0.1:8090").
	OverlordURL string `yaml:"overlord_url"`

	// HeartbeatPeriod is the presence report interval.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// ReconnectInterval is the pause between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// Version is reported at announce time.
	Version string `yaml:"version"`

	// Labels are free-form tags reported at announce time.
	Labels map[string]string `yaml:"labels"`
}

// DefaultConfig returns a default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Capacity:          4,
		OverlordURL:       "http://127.0.0.1:8090",
		HeartbeatPeriod:   5 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// Agent is one worker process.
type Agent struct {
	cfg      *Config
	registry *executor.Registry
	log      *zap.Logger
	pool     *ants.Pool

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	running map[string]context.CancelFunc

	// run-duration statistics reported with each heartbeat
	statsMu   sync.Mutex
	latency   *hdrhistogram.Histogram
	completed int64
	failed    int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgent creates a worker agent.
func NewAgent(cfg *Config, registry *executor.Registry, log *zap.Logger) (*Agent, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("worker capacity must be positive")
	}
	if cfg.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.ID = host
		} else {
			cfg.ID = "worker-" + uuid.NewString()
		}
	}

	pool, err := ants.NewPool(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		registry: registry,
		log:      log,
		pool:     pool,
		running:  make(map[string]context.CancelFunc),
		latency:  hdrhistogram.New(1, 3_600_000, 3), // 1ms .. 1h
		stopCh:   make(chan struct{}),
	}, nil
}

// ID returns the worker's identifier.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Run connects to the coordinator and serves assignments until Stop. A
// dropped connection is retried forever; in-flight tasks keep running across
// reconnects and their results are reported on the next connection.
func (a *Agent) Run() error {
	wsURL, err := a.channelURL()
	if err != nil {
		return err
	}

	for {
		select {
		case <-a.stopCh:
			return nil
		default:
		}

		if err := a.serveOnce(wsURL); err != nil {
			a.log.Warn("coordinator channel lost, reconnecting",
				zap.String("worker", a.cfg.ID), zap.Error(err))
		}

		select {
		case <-a.stopCh:
			return nil
		case <-time.After(a.cfg.ReconnectInterval):
		}
	}
}

// Stop shuts the agent down. Running payloads are cancelled.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})

	a.mu.Lock()
	for _, cancel := range a.running {
		cancel()
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()
	a.pool.Release()
}

func (a *Agent) channelURL() (string, error) {
	base, err := url.Parse(a.cfg.OverlordURL)
	if err != nil {
		return "", fmt.Errorf("parse overlord url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/v1/worker-ws"
	return base.String(), nil
}

// serveOnce runs one connection: dial, announce, heartbeat, read until the
// connection fails.
func (a *Agent) serveOnce(wsURL string) error {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		_ = conn.Close()
	}()

	if err := a.announce(); err != nil {
		return err
	}
	a.log.Info("connected to coordinator",
		zap.String("worker", a.cfg.ID), zap.String("url", wsURL))

	hbStop := make(chan struct{})
	defer close(hbStop)
	a.wg.Add(1)
	go a.heartbeatLoop(hbStop)

	// First heartbeat immediately so the coordinator sees current load.
	a.sendHeartbeat()

	for {
		var msg types.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		a.handleMessage(&msg)
	}
}

func (a *Agent) announce() error {
	return a.send(types.WSMsgAnnounce, types.AnnounceFrame{
		Worker: types.WorkerInfo{
			ID:       a.cfg.ID,
			Address:  a.cfg.Address,
			Capacity: a.cfg.Capacity,
			Version:  a.cfg.Version,
			Labels:   a.cfg.Labels,
		},
	})
}

func (a *Agent) heartbeatLoop(stop <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	a.mu.Lock()
	runningIDs := make([]string, 0, len(a.running))
	for id := range a.running {
		runningIDs = append(runningIDs, id)
	}
	a.mu.Unlock()

	if err := a.send(types.WSMsgHeartbeat, types.HeartbeatFrame{
		WorkerID:     a.cfg.ID,
		RunningTasks: runningIDs,
		Metrics:      a.snapshotMetrics(),
	}); err != nil {
		a.log.Debug("heartbeat send failed", zap.Error(err))
	}
}

func (a *Agent) snapshotMetrics() *types.WorkerMetrics {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	return &types.WorkerMetrics{
		CompletedTasks: a.completed,
		FailedTasks:    a.failed,
		RunLatencyP50:  a.latency.ValueAtQuantile(50),
		RunLatencyP95:  a.latency.ValueAtQuantile(95),
		RunLatencyP99:  a.latency.ValueAtQuantile(99),
	}
}

func (a *Agent) handleMessage(msg *types.WSMessage) {
	switch msg.Type {
	case types.WSMsgAssignTask:
		var frame types.AssignTaskFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil || frame.Task == nil {
			a.log.Error("malformed assignment frame", zap.Error(err))
			return
		}
		a.accept(frame.Task)

	case types.WSMsgShutdownTask:
		var frame types.ShutdownTaskFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			return
		}
		a.mu.Lock()
		cancel, ok := a.running[frame.TaskID]
		a.mu.Unlock()
		if ok {
			a.log.Info("cancelling task on request", zap.String("task", frame.TaskID))
			cancel()
		}
	}
}

// accept registers the task as running and hands it to the pool. Duplicate
// assignments of an already-running task are ignored.
func (a *Agent) accept(task *types.Task) {
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if _, dup := a.running[task.ID]; dup {
		a.mu.Unlock()
		cancel()
		return
	}
	a.running[task.ID] = cancel
	a.mu.Unlock()

	err := a.pool.Submit(func() {
		a.execute(ctx, task)
	})
	if err != nil {
		a.finish(task.ID, types.FailedStatus(task.ID, fmt.Sprintf("worker pool rejected task: %v", err)))
		cancel()
	}
}

func (a *Agent) execute(ctx context.Context, task *types.Task) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("task payload panicked",
				zap.String("task", task.ID), zap.Any("panic", rec))
			a.finish(task.ID, types.FailedStatus(task.ID, fmt.Sprintf("payload panic: %v", rec)))
		}
	}()

	var status types.TaskStatus
	exec, err := a.registry.Get(task.Type)
	if err != nil {
		status = types.FailedStatus(task.ID, err.Error())
	} else if err := exec.Execute(ctx, task); err != nil {
		status = types.FailedStatus(task.ID, err.Error())
	} else {
		status = types.SuccessStatus(task.ID)
	}

	a.recordRun(status, time.Since(start))
	a.finish(task.ID, status)
}

func (a *Agent) recordRun(status types.TaskStatus, elapsed time.Duration) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	if status.Code == types.TaskSuccess {
		a.completed++
	} else {
		a.failed++
	}
	_ = a.latency.RecordValue(elapsed.Milliseconds())
}

// finish drops the task from the running set and reports its terminal
// status. A send failure is tolerated; the coordinator's presence sweep and
// re-dispatch own the recovery.
func (a *Agent) finish(taskID string, status types.TaskStatus) {
	a.mu.Lock()
	if cancel, ok := a.running[taskID]; ok {
		cancel()
		delete(a.running, taskID)
	}
	a.mu.Unlock()

	if err := a.send(types.WSMsgStatusReport, types.StatusReportFrame{Status: status}); err != nil {
		a.log.Warn("status report send failed",
			zap.String("task", taskID), zap.Error(err))
		return
	}
	a.log.Info("task finished",
		zap.String("task", taskID), zap.String("status", string(status.Code)))
}

func (a *Agent) send(t types.WSMessageType, payload any) error {
	msg, err := types.NewWSMessage(t, payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(msg)
}
