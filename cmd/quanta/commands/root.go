package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

func newRootCommand(info BuildInfo) *cobra.Command {
	version := info.Version
	rootCmd := &cobra.Command{
		Use:   "quanta",
		Short: "Quanta - node-local real-time coordination runtime",
		Long: `Quanta batches sensor records into fixed-length frames, fuses them into a
linear lineage of main frames and distributes queued work to registered
worker processes.

Components:
  - Per-type frame ticks and the fuse role
  - Job center with quota-based assignment
  - Load-shedding execution queue
  - Storage-partition registrar over TCP
  - Admin HTTP surface with Prometheus metrics`,
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newNodeCommand(version))
	rootCmd.AddCommand(newRegistrarCommand(version))
	rootCmd.AddCommand(newWorkerCommand(version))
	rootCmd.AddCommand(newSubmitCommand(version))
	rootCmd.AddCommand(newLineageCommand(version))
	rootCmd.AddCommand(newMigrateCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
