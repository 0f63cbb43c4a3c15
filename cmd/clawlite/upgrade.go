package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/upgrade"
)

func upgradeCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Self-update to the latest release on the configured channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if channel == "" {
				channel = cfg.Update.Channel
			}
			resolved := upgrade.ResolveChannel(channel)
			fmt.Printf("Upgrading on the %s channel...\n", resolved)
			ref, err := upgrade.NewUpdater().Run(cmd.Context(), resolved)
			if err != nil {
				return err
			}
			fmt.Printf("Updated to %s. Restart the gateway to pick it up.\n", ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "release channel: stable, beta or dev (default: from config)")
	return cmd
}
