package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overlord/api/rest"
	"overlord/internal/autoscale"
	"overlord/internal/config"
	"overlord/internal/election"
	"overlord/internal/executor"
	"overlord/internal/lockbox"
	"overlord/internal/overlord"
	"overlord/internal/runner"
	"overlord/internal/storage"
	"overlord/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Starts the coordinator process: it joins the leader election and, once
leading, serves the task API, grants interval locks and dispatches work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	logger.Init(cfg.Log)
	defer logger.Sync()
	log := logger.L()

	store, closeStore, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	lb := lockbox.New(store, log)
	registry := runner.NewWorkerRegistry()

	elector, err := buildElector(cfg, log)
	if err != nil {
		return err
	}

	// The remote runner needs the websocket hub, which exists only after the
	// server is built; the factory closes over srv and runs at election time.
	var srv *rest.Server

	runnerFactory := func() (runner.TaskRunner, error) {
		switch cfg.Overlord.RunnerType {
		case "remote":
			return runner.NewRemoteTaskRunner(cfg.Runner, registry, srv.WorkerHub(), log), nil
		default:
			return runner.NewLocalTaskRunner(cfg.Overlord.LocalConcurrency, executor.DefaultRegistry(), log)
		}
	}

	scalerFactory := func(r runner.TaskRunner) (autoscale.ResourceScheduler, error) {
		if cfg.Overlord.RunnerType != "remote" {
			return autoscale.NoopScheduler{}, nil
		}
		demand := func() (int, int) {
			return len(r.PendingTasks()), len(r.RunningTasks())
		}
		return autoscale.New(cfg.Autoscale, registry, demand, autoscale.NoopProvisioner{}, log), nil
	}

	queueCfg := &overlord.TaskQueueConfig{
		PollPeriod:          cfg.Overlord.PollPeriod,
		MaxPriorityBypasses: cfg.Overlord.MaxPriorityBypasses,
	}
	master := overlord.NewTaskMaster(
		store, lb, elector, runnerFactory, scalerFactory, nil, queueCfg, log)

	srv = rest.NewServer(master, registry, &rest.Config{
		Address:      cfg.Server.Addr(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		EnableCORS:   true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := master.Start(ctx); err != nil {
		return fmt.Errorf("start task master: %w", err)
	}
	defer func() {
		if err := master.Stop(); err != nil {
			log.Warn("task master stop failed", zap.Error(err))
		}
	}()

	log.Info("coordinator listening", zap.String("address", cfg.Server.Addr()))
	return srv.StartWithContext(ctx)
}

func buildStorage(cfg *config.Config) (storage.TaskStorage, func(), error) {
	switch cfg.Storage.Type {
	case "sql":
		store, err := storage.OpenSQLTaskStorage(cfg.Storage.SQL)
		if err != nil {
			return nil, nil, fmt.Errorf("open task storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewHeapMemoryTaskStorage(), func() {}, nil
	}
}

func buildElector(cfg *config.Config, log *zap.Logger) (election.Elector, error) {
	self := cfg.Server.Addr()
	switch cfg.Election.Type {
	case "redis":
		return election.NewRedisElector(cfg.Election.Redis, self, log)
	default:
		return election.NewStandaloneElector(self), nil
	}
}
