package main

import (
	"github.com/spf13/cobra"

	"github.com/forgefit/accessbridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "accessbridge-server",
	Short: "Ingests Hikvision access events and derives attendance records",
	Long: `accessbridge-server receives Hikvision access-control events by webhook
or by polling the vendor API, stores them, and turns them into attendance
and access-denial records per branch.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (default: $"+config.ConfigPathEnvVar+" or ./accessbridge.yaml)")
}
