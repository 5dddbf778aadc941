package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overlord/internal/config"
	"overlord/internal/executor"
	"overlord/internal/worker"
	"overlord/pkg/logger"
)

var (
	workerID       string
	workerCapacity int
	overlordURL    string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
	Long: `Starts a worker agent: it connects to the coordinator, announces its
capacity and runs assigned task payloads until stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (defaults to hostname)")
	workerCmd.Flags().IntVar(&workerCapacity, "capacity", 0, "concurrent task slots")
	workerCmd.Flags().StringVar(&overlordURL, "overlord", "", "coordinator base URL")
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
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

	agentCfg := worker.DefaultConfig()
	agentCfg.ID = cfg.Worker.ID
	agentCfg.Capacity = cfg.Worker.Capacity
	agentCfg.OverlordURL = cfg.Worker.OverlordURL
	agentCfg.HeartbeatPeriod = cfg.Worker.HeartbeatPeriod
	agentCfg.Version = Version
	if workerID != "" {
		agentCfg.ID = workerID
	}
	if workerCapacity > 0 {
		agentCfg.Capacity = workerCapacity
	}
	if overlordURL != "" {
		agentCfg.OverlordURL = overlordURL
	}

	agent, err := worker.NewAgent(agentCfg, executor.DefaultRegistry(), log)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting worker down")
		agent.Stop()
	}()

	log.Info("worker starting",
		zap.String("id", agent.ID()),
		zap.String("overlord", agentCfg.OverlordURL))
	return agent.Run()
}
