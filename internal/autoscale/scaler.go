// Package autoscale sizes the worker fleet against task demand. Decisions
// use hysteresis: a condition must hold across a sustain window before the
// provisioner is called, and calls are fire-and-forget; the next poll
// reconciles against the actual worker count.
package autoscale

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"overlord/internal/runner"
)

// Provisioner is the external fleet API.
type Provisioner interface {
	// Provision requests count additional workers.
	Provision(ctx context.Context, count int) error

	// Terminate requests removal of the given workers.
	Terminate(ctx context.Context, workerIDs []string) error
}

// NoopProvisioner declines every request. Used with fixed worker pools.
type NoopProvisioner struct{}

// Provision does nothing.
func (NoopProvisioner) Provision(ctx context.Context, count int) error { return nil }

// Terminate does nothing.
func (NoopProvisioner) Terminate(ctx context.Context, workerIDs []string) error { return nil }

// DemandFunc reports current task demand: tasks awaiting dispatch and tasks
// running.
type DemandFunc func() (pending, running int)

// ResourceScheduler is the lifecycle contract shared by the real scaler and
// the no-op variant.
type ResourceScheduler interface {
	Start() error
	Stop() error
}

// Config tunes the scaling policy.
type Config struct {
	// PollPeriod is the evaluation interval.
	PollPeriod time.Duration `yaml:"poll_period"`

	// ProvisionDelay is how long demand must exceed capacity before scaling
	// up.
	ProvisionDelay time.Duration `yaml:"provision_delay"`

	// TerminateDelay is how long workers must sit idle before scaling down.
	TerminateDelay time.Duration `yaml:"terminate_delay"`

	// MinWorkers is never scaled below.
	MinWorkers int `yaml:"min_workers"`

	// MaxWorkers is never scaled above.
	MaxWorkers int `yaml:"max_workers"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		PollPeriod:     30 * time.Second,
		ProvisionDelay: time.Minute,
		TerminateDelay: 5 * time.Minute,
		MinWorkers:     1,
		MaxWorkers:     10,
	}
}

// Scaler periodically compares aggregate worker capacity against task
// demand and issues provision/terminate requests.
type Scaler struct {
	cfg         *Config
	registry    *runner.WorkerRegistry
	demand      DemandFunc
	provisioner Provisioner
	log         *zap.Logger

	sched gocron.Scheduler

	// hysteresis state, touched only by the poll job
	demandSince time.Time
	idleSince   time.Time
}

// New creates a scaler. Start launches the poll job.
func New(cfg *Config, registry *runner.WorkerRegistry, demand DemandFunc, provisioner Provisioner, log *zap.Logger) *Scaler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scaler{
		cfg:         cfg,
		registry:    registry,
		demand:      demand,
		provisioner: provisioner,
		log:         log,
	}
}

// Start schedules the periodic evaluation.
func (s *Scaler) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scaler scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.PollPeriod),
		gocron.NewTask(s.Poll),
	); err != nil {
		return fmt.Errorf("schedule scaler poll: %w", err)
	}
	s.sched = sched
	sched.Start()
	return nil
}

// Stop halts the poll job.
func (s *Scaler) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

// Poll evaluates the scaling policy once. Exposed for tests; the scheduler
// calls it on every tick.
func (s *Scaler) Poll() {
	pending, running := s.demand()
	snaps := s.registry.OnlineWorkers()

	capacity := 0
	var idleWorkers []string
	for _, snap := range snaps {
		capacity += snap.Info.Capacity
		if len(snap.Status.RunningTasks) == 0 {
			idleWorkers = append(idleWorkers, snap.Info.ID)
		}
	}
	demand := pending + running
	now := time.Now()

	// Scale up: sustained demand above capacity.
	if demand > capacity && len(snaps) < s.cfg.MaxWorkers {
		if s.demandSince.IsZero() {
			s.demandSince = now
		} else if now.Sub(s.demandSince) >= s.cfg.ProvisionDelay {
			want := demand - capacity
			if len(snaps)+want > s.cfg.MaxWorkers {
				want = s.cfg.MaxWorkers - len(snaps)
			}
			if want > 0 {
				s.log.Info("provisioning workers",
					zap.Int("count", want),
					zap.Int("demand", demand),
					zap.Int("capacity", capacity))
				if err := s.provisioner.Provision(context.Background(), want); err != nil {
					s.log.Warn("provision request failed", zap.Error(err))
				}
			}
			s.demandSince = time.Time{}
		}
	} else {
		s.demandSince = time.Time{}
	}

	// Scale down: sustained idle capacity, never below the floor.
	excess := len(snaps) - s.cfg.MinWorkers
	if demand == 0 && len(idleWorkers) > 0 && excess > 0 {
		if s.idleSince.IsZero() {
			s.idleSince = now
		} else if now.Sub(s.idleSince) >= s.cfg.TerminateDelay {
			victims := idleWorkers
			if len(victims) > excess {
				victims = victims[:excess]
			}
			s.log.Info("terminating idle workers", zap.Strings("workers", victims))
			if err := s.provisioner.Terminate(context.Background(), victims); err != nil {
				s.log.Warn("terminate request failed", zap.Error(err))
			}
			s.idleSince = time.Time{}
		}
	} else {
		s.idleSince = time.Time{}
	}
}

// NoopScheduler always declines to scale. Used for local runners and fixed
// pools.
type NoopScheduler struct{}

// Start does nothing.
func (NoopScheduler) Start() error { return nil }

// Stop does nothing.
func (NoopScheduler) Stop() error { return nil }
