package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune conversation history",
	}

	open := func() (*sessions.Store, error) {
		return sessions.NewStore(config.SessionsDir())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(*cobra.Command, []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			infos, err := s.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%-32s %4d turns  %s\n", info.SessionID, info.TurnCount, info.Updated.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	var limit int
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's recent turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			turns, err := s.History(args[0], limit)
			if err != nil {
				return err
			}
			for _, turn := range turns {
				fmt.Printf("[%s] %s\n", turn.Role, turn.Content)
			}
			return nil
		},
	}
	show.Flags().IntVar(&limit, "limit", 20, "number of turns to show")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			return s.Delete(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <session-id>",
		Short: "Archive the current history and start the session fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			return s.Reset(args[0])
		},
	})
	return cmd
}
