// Package commands implements the srpblk CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sanboot/srpblk/internal/logger"
	"github.com/sanboot/srpblk/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "srpblk",
	Short: "srpblk - SCSI-over-SRP block device toolkit",
	Long: `srpblk is a userspace SCSI RDMA Protocol initiator stack with an
in-process target for exercising it. It drives block reads, writes and
capacity queries through the full SCSI command engine and SRP session
layer, end to end against a RAM-disk target.

Use "srpblk [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/srpblk/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(lunCmd)
	rootCmd.AddCommand(decodeCmd)
}

// loadConfig loads the configuration honoring the global --config flag and
// initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
