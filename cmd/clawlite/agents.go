package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/queue"
	"github.com/nextlevelbuilder/clawlite/internal/store"
)

func openQueue() (*queue.Manager, func(), error) {
	db, err := store.OpenMultiagent(config.MultiagentDBPath())
	if err != nil {
		return nil, nil, err
	}
	return queue.NewManager(db), func() { db.Close() }, nil
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage background agent workers and their task queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(*cobra.Command, []string) error {
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			workers, err := q.ListWorkers("", "")
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Println("No workers.")
				return nil
			}
			for _, w := range workers {
				state := "stopped"
				if w.PID > 0 && queue.PIDAlive(w.PID) {
					state = fmt.Sprintf("running (pid %d)", w.PID)
				}
				fmt.Printf("#%d  %-20s %s/%s  %s\n", w.ID, w.Label, w.Channel, w.ChatID, state)
			}
			return nil
		},
	})

	var addChannel, addChat, addThread, addCommand string
	add := &cobra.Command{
		Use:   "add <label>",
		Short: "Create or update a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			w, err := q.UpsertWorker(addChannel, addChat, addThread, args[0], addCommand)
			if err != nil {
				return err
			}
			fmt.Printf("Worker #%d (%s) ready.\n", w.ID, w.Label)
			return nil
		},
	}
	add.Flags().StringVar(&addChannel, "channel", "", "conversation channel")
	add.Flags().StringVar(&addChat, "chat-id", "", "conversation chat id")
	add.Flags().StringVar(&addThread, "thread-id", "", "conversation thread id")
	add.Flags().StringVar(&addCommand, "command", "", "command template, e.g. 'mytool {task}'")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "enqueue <worker-id> <text>",
		Short: "Queue a task for a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			task, err := q.Enqueue(id, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Task #%d queued.\n", task.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tasks <worker-id>",
		Short: "Show a worker's recent tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			tasks, err := q.Tasks(id, 20)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("#%d  %-9s %s\n", t.ID, t.Status, t.Text)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "start <worker-id>",
		Short: "Launch a worker's subprocess",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			pid, err := q.StartWorker(id)
			if err != nil {
				return err
			}
			fmt.Printf("Worker #%d running (pid %d).\n", id, pid)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <worker-id>",
		Short: "Stop a running worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			return q.StopWorker(id)
		},
	})

	// worker is the subprocess entry the gateway launches; not for humans.
	var workerID int64
	worker := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if workerID <= 0 {
				return usageErrorf("--worker-id is required")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			q, closer, err := openQueue()
			if err != nil {
				return err
			}
			defer closer()
			runner := queue.NewRunner(q, workerID, cfg.BatteryMode, nil)
			return runner.Run(cmd.Context())
		},
	}
	worker.Flags().Int64Var(&workerID, "worker-id", 0, "worker id to serve")
	cmd.AddCommand(worker)

	return cmd
}
