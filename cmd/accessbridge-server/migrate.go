package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forgefit/accessbridge/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and print their status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		conn, err := db.Open(ctx, db.Config{Path: cfg.Database.Path, Env: cfg.App.Env})
		if err != nil {
			return err
		}
		defer conn.Close()

		statuses, err := db.Status(ctx, conn)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED AT")
		for _, s := range statuses {
			at := "pending"
			if s.Applied {
				at = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%04d\t%s\t%s\n", s.Version, s.Name, at)
		}
		logger.Debug().Str("path", cfg.Database.Path).Int("migrations", len(statuses)).Msg("migrations checked")
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
