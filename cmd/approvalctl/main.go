// Command approvalctl publishes approval definitions and drives instances
// from the command line against the configured store.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	configPath    string
	directoryPath string
)

var rootCmd = &cobra.Command{
	Use:           "approvalctl",
	Short:         "Approval workflow engine command line",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `approvalctl validates and publishes approval workflow definitions, starts
instances and applies approval actions to them.

Storage, logging and engine tuning come from the file given with --config
and APPROVAL_* environment variables. The memory driver keeps nothing between
invocations, so every command except validate needs redis, postgres or mongo.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&directoryPath, "directory", "", "path to the YAML user directory (overrides the config)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
