// Package cmd holds the gateway's cobra commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Admission gateway: rate limiting and circuit breaking in front of backend services",
	Long: `gateway admits, rate limits or short-circuits every inbound request before
proxying it to the configured backend services.

Use the subcommands to run the gateway or a local test backend.`,
	SilenceUsage: true,
}

func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command. Called once by main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, configCmd, backendCmd)
}
