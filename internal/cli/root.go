// Package cli implements the immunet command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "immunet",
	Short: "immunet - artificial immune system network intrusion detector",
	Long: `immunet watches raw IPv4 traffic and flags anomalies two ways:
payload windows matched by negative-selection detectors, and periods of
network behavior that fall outside the learned statistics space.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $IMMUNET_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
