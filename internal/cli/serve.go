package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tutu-network/immunet/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveMode, "mode", "", "Operating mode: train, detect or hybrid (overrides config)")
	serveCmd.Flags().StringSliceVarP(&serveIfaces, "interface", "i", nil, "Interface to capture on, repeatable (overrides config)")
	serveCmd.Flags().StringVar(&serveLoad, "load", "", "Detector snapshot to start from (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost   string
	servePort   int
	serveMode   string
	serveIfaces []string
	serveLoad   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and analyzing traffic",
	Long: `Start the capture sources, the analyzer pool, the periodic statistics,
detector regeneration and save tasks, and the HTTP API.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyServeFlags(&cfg)

	d, err := daemon.Open(cfg, rootCmd.Version)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}

// applyServeFlags overrides config values with explicitly set flags.
func applyServeFlags(cfg *daemon.Config) {
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveMode != "" {
		cfg.Analyzer.Mode = serveMode
	}
	if len(serveIfaces) > 0 {
		cfg.Sniffer.Interfaces = serveIfaces
	}
	if serveLoad != "" {
		cfg.Persistence.LoadFile = serveLoad
	}
}
