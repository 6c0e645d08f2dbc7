package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/continuousprint/internal/core"
)

const defaultAddr = "localhost:8080"

func StatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the driver state and queued jobs of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			var snap core.Snapshot
			if err := newAPIClient(addr).getJSON(ctx, "/api/state", &snap); err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), &snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "address of the cpq server")
	return cmd
}
