package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/trust"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests from unknown senders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			pairing, err := trust.NewPairing(config.PairingPath(), cfg.PairingTTL())
			if err != nil {
				return err
			}
			pending := pairing.Pending()
			if len(pending) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			for _, req := range pending {
				fmt.Printf("%s  %s/%s  requested %s\n", req.Code, req.Channel, req.SenderID, req.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and add the sender to the allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			pairing, err := trust.NewPairing(config.PairingPath(), cfg.PairingTTL())
			if err != nil {
				return err
			}
			approved, err := trust.ApproveSender(cfg, cfgPath, pairing, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s on %s.\n", approved.SenderID, approved.Channel)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reject <code>",
		Short: "Reject a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			pairing, err := trust.NewPairing(config.PairingPath(), cfg.PairingTTL())
			if err != nil {
				return err
			}
			if err := pairing.Reject(args[0]); err != nil {
				return err
			}
			fmt.Println("Rejected.")
			return nil
		},
	})
	return cmd
}
