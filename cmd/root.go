package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanorc",
	Short: "Distributed security scan orchestrator",
	Long: `scanorc drives distributed security scans: it queues scan requests,
dispatches one plugin subprocess per session, serialises every state change
through a single writer, and correlates findings across successive scans of
the same target.

Get started:
  scanorc worker        Start a task bus worker pool for one queue
  scanorc scan submit   Submit a new scan
  scanorc scan stop     Request a running scan to stop
  scanorc scan show     Print a scan and its summary
  scanorc plan register Load a plan document for local testing`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.scanorc/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(workerCmd, scanCmd, planCmd)
}

func initLogging() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("verbose logging enabled")
	}
}
