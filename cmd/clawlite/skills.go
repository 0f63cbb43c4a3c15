package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawlite/internal/config"
	"github.com/nextlevelbuilder/clawlite/internal/cron"
	"github.com/nextlevelbuilder/clawlite/internal/skills"
)

func skillsCmd() *cobra.Command {
	var indexURL string
	var allowFile bool

	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage marketplace skills",
	}
	cmd.PersistentFlags().StringVar(&indexURL, "index", skills.IndexURLFromEnv(), "marketplace index URL")
	cmd.PersistentFlags().BoolVar(&allowFile, "allow-file", false, "allow file:// index and download URLs (testing)")

	marketplace := func() *skills.Marketplace {
		m := skills.NewMarketplace(config.MarketplaceDir(), indexURL)
		if allowFile {
			m.AllowFileURLs()
		}
		return m
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed skills",
		RunE: func(*cobra.Command, []string) error {
			installed, err := marketplace().Installed()
			if err != nil {
				return err
			}
			if len(installed) == 0 {
				fmt.Println("No skills installed.")
				return nil
			}
			for _, s := range installed {
				fmt.Printf("%-24s %-10s installed %s\n", s.Slug, s.Version, s.InstalledAt.Format("2006-01-02"))
			}
			return nil
		},
	})

	var version string
	var force bool
	install := &cobra.Command{
		Use:   "install <slug>",
		Short: "Install a skill from the marketplace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := marketplace().Install(cmd.Context(), args[0], version, force)
			if err != nil {
				return err
			}
			fmt.Printf("Installed %s %s.\n", result.Slug, result.Version)
			return nil
		},
	}
	install.Flags().StringVar(&version, "version", "", "pin a version (default: latest)")
	install.Flags().BoolVar(&force, "force", false, "reinstall even when up to date")
	cmd.AddCommand(install)

	var dryRun, strict bool
	update := &cobra.Command{
		Use:   "update [slug...]",
		Short: "Update installed skills (all when no slug is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := marketplace().Update(cmd.Context(), args, dryRun, strict)
			if err != nil {
				return err
			}
			for _, u := range report.Updated {
				fmt.Println("updated:", u)
			}
			for _, s := range report.Skipped {
				fmt.Println("skipped:", s)
			}
			for _, b := range report.Blocked {
				fmt.Println("blocked:", b)
			}
			for _, m := range report.Missing {
				fmt.Println("missing:", m)
			}
			return nil
		},
	}
	update.Flags().BoolVar(&dryRun, "dry-run", false, "report without installing")
	update.Flags().BoolVar(&strict, "strict", false, "fail on the first error")
	cmd.AddCommand(update)

	var everyS float64
	schedule := &cobra.Command{
		Use:   "schedule-updates",
		Short: "Register the recurring auto-update system job",
		RunE: func(*cobra.Command, []string) error {
			cs, closer, err := openCronStore()
			if err != nil {
				return err
			}
			defer closer()
			job, err := cs.AddJob(cron.SystemChannel, "", "",
				cron.SystemSkillsLabel, cron.SystemAutoUpdateName,
				"skills auto-update sweep",
				time.Duration(everyS*float64(time.Second)), "")
			if err != nil {
				return err
			}
			fmt.Printf("Auto-update job #%d, next run %s.\n", job.ID, job.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}
	schedule.Flags().Float64Var(&everyS, "every", 86400, "interval in seconds")
	cmd.AddCommand(schedule)

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall <slug>",
		Short: "Remove an installed skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := marketplace().Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Println("Uninstalled.")
			return nil
		},
	})
	return cmd
}
