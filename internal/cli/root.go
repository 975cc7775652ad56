// Package cli wires the inletd commands.
package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "inletd",
	Short: "Inbound admission and dispatch core for a sidecar proxy",
	Long: "Accepts connections destined for a co-located workload, detects their protocol,\n" +
		"terminates mutual TLS when present, enforces admission policy per connection and\n" +
		"per HTTP request, and forwards admitted traffic to the local application.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
