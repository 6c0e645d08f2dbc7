package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orrn/continuousprint/internal/cli"
	"github.com/orrn/continuousprint/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cpq",
		Short:   "Continuous print queue for OctoPrint-driven printers",
		Version: version.String(),
		Long: `cpq drives a single printer through a queue of print jobs, clearing
the bed between prints and serving a JSON API for editing the queue.`,
	}

	rootCmd.AddCommand(cli.ServeCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.HistoryCmd())
	rootCmd.AddCommand(cli.ProfilesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
