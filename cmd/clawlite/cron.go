package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/cron"
	"github.com/nextlevelbuilder/clawlite/internal/store"
)

func openCronStore() (*cron.Store, func(), error) {
	db, err := store.OpenMultiagent(config.MultiagentDBPath())
	if err != nil {
		return nil, nil, err
	}
	return cron.NewStore(db), func() { db.Close() }, nil
}

func cronCLICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled conversation jobs",
	}

	var channel, chatID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		RunE: func(*cobra.Command, []string) error {
			cs, closer, err := openCronStore()
			if err != nil {
				return err
			}
			defer closer()
			jobs, err := cs.ListJobs(channel, chatID)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No cron jobs.")
				return nil
			}
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				cadence := j.Schedule
				if cadence == "" {
					cadence = (time.Duration(j.IntervalSeconds * float64(time.Second))).String()
				}
				fmt.Printf("#%d  %-20s %-10s %-12s next %s\n", j.ID, j.Label, state, cadence, j.NextRunAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	list.Flags().StringVar(&channel, "channel", "", "filter by channel")
	list.Flags().StringVar(&chatID, "chat-id", "", "filter by chat id")
	cmd.AddCommand(list)

	var addChannel, addChat, addThread, addLabel, addName, addSchedule string
	var addIntervalS float64
	add := &cobra.Command{
		Use:   "add <message>",
		Short: "Add a cron job delivering a message into a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if addIntervalS <= 0 && addSchedule == "" {
				return usageErrorf("one of --interval or --schedule is required")
			}
			cs, closer, err := openCronStore()
			if err != nil {
				return err
			}
			defer closer()
			job, err := cs.AddJob(addChannel, addChat, addThread, addLabel, addName, args[0],
				time.Duration(addIntervalS*float64(time.Second)), addSchedule)
			if err != nil {
				return err
			}
			fmt.Printf("Added job #%d, next run %s.\n", job.ID, job.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}
	add.Flags().StringVar(&addChannel, "channel", "", "channel to deliver into")
	add.Flags().StringVar(&addChat, "chat-id", "", "chat id to deliver into")
	add.Flags().StringVar(&addThread, "thread-id", "", "thread id (optional)")
	add.Flags().StringVar(&addLabel, "label", "", "job label")
	add.Flags().StringVar(&addName, "name", "", "job name; re-adding the same name updates in place")
	add.Flags().Float64Var(&addIntervalS, "interval", 0, "interval in seconds")
	add.Flags().StringVar(&addSchedule, "schedule", "", "cron expression (overrides --interval)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cs, closer, err := openCronStore()
			if err != nil {
				return err
			}
			defer closer()
			if err := cs.RemoveJob(id); err != nil {
				return err
			}
			fmt.Println("Removed.")
			return nil
		},
	})

	for _, sub := range []struct {
		use     string
		enabled bool
	}{{"enable <id>", true}, {"disable <id>", false}} {
		enabled := sub.enabled
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: fmt.Sprintf("%s a cron job", map[bool]string{true: "Enable", false: "Disable"}[enabled]),
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				cs, closer, err := openCronStore()
				if err != nil {
					return err
				}
				defer closer()
				return cs.SetEnabled(id, enabled)
			},
		})
	}
	return cmd
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, usageErrorf("invalid id %q", s)
	}
	return id, nil
}
