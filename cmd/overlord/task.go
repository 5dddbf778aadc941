package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"overlord/api/rest/client"
	"overlord/pkg/types"
)

var (
	serverURL    string
	taskType     string
	taskPriority int
	taskPayload  string
	taskFile     string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <task-id>",
	Short: "Submit a task",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := loadTask(args)
		if err != nil {
			return err
		}

		id, err := apiClient().SubmitTask(task)
		if err != nil {
			if client.IsDuplicateTask(err) {
				return fmt.Errorf("task %s already exists", task.ID)
			}
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's latest status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().TaskStatus(args[0])
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var taskShutdownCmd = &cobra.Command{
	Use:   "shutdown <task-id>",
	Short: "Request best-effort cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().ShutdownTask(args[0]); err != nil {
			return err
		}
		fmt.Println("shutdown requested:", args[0])
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list {waiting|running|complete}",
	Short: "List tasks by queue state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()

		var (
			tasks []types.TaskSummary
			err   error
		)
		switch args[0] {
		case "waiting":
			tasks, err = c.WaitingTasks()
		case "running":
			tasks, err = c.RunningTasks()
		case "complete":
			tasks, err = c.CompleteTasks()
		default:
			return fmt.Errorf("unknown queue state %q", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(tasks)
	},
}

var leaderCmd = &cobra.Command{
	Use:   "leader",
	Short: "Print the current leader's address",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, err := apiClient().Leader()
		if err != nil {
			return err
		}
		fmt.Println(leader)
		return nil
	},
}

func init() {
	taskCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "coordinator base URL")
	leaderCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "coordinator base URL")

	taskSubmitCmd.Flags().StringVar(&taskType, "type", "noop", "task type")
	taskSubmitCmd.Flags().IntVar(&taskPriority, "priority", 0, "task priority, higher runs first")
	taskSubmitCmd.Flags().StringVar(&taskPayload, "payload", "", "inline JSON payload")
	taskSubmitCmd.Flags().StringVar(&taskFile, "file", "", "JSON file with the full task definition")

	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskShutdownCmd, taskListCmd)
	rootCmd.AddCommand(taskCmd, leaderCmd)
}

func apiClient() *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL = serverURL
	return client.New(cfg)
}

// loadTask builds the task from --file or from flags plus the positional id.
func loadTask(args []string) (*types.Task, error) {
	if taskFile != "" {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return nil, fmt.Errorf("read task file: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("parse task file: %w", err)
		}
		return &task, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("task id required (or use --file)")
	}
	task := &types.Task{
		ID:       args[0],
		Type:     taskType,
		Priority: taskPriority,
	}
	if taskPayload != "" {
		task.Payload = json.RawMessage(taskPayload)
	}
	return task, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
