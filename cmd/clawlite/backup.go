package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/backup"
	"github.com/nextlevelbuilder/clawlite/internal/config"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and restore local state",
	}

	var label string
	var keep int
	create := &cobra.Command{
		Use:   "create",
		Short: "Archive config, databases, workspace and dashboard state",
		RunE: func(*cobra.Command, []string) error {
			archive, entries, err := backup.NewStore(config.Home()).Create(label, keep)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", archive.Path, archive.SizeBytes)
			for _, e := range entries {
				fmt.Println("  +", e)
			}
			return nil
		},
	}
	create.Flags().StringVar(&label, "label", "manual", "label embedded in the archive name")
	create.Flags().IntVar(&keep, "keep", 7, "archives to retain (0 keeps all)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archives, newest first",
		RunE: func(*cobra.Command, []string) error {
			archives, err := backup.NewStore(config.Home()).List()
			if err != nil {
				return err
			}
			if len(archives) == 0 {
				fmt.Println("No backups.")
				return nil
			}
			for _, a := range archives {
				fmt.Printf("%-52s %10d  %s\n", a.Name, a.SizeBytes, a.Modified.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <archive>",
		Short: "Extract an archive back into the config home",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			restored, err := backup.NewStore(config.Home()).Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d entries into %s. Restart the gateway.\n", len(restored), config.Home())
			return nil
		},
	})
	return cmd
}
