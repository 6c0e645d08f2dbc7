package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/db"
)

func HistoryCmd() *cobra.Command {
	var (
		addr  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent print results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			var entries []*db.HistoryEntry
			path := fmt.Sprintf("/api/history?limit=%d", limit)
			if err := newAPIClient(addr).getJSON(ctx, path, &entries); err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "address of the cpq server")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func ProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in printer profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := config.Profiles()
			if err != nil {
				return err
			}
			printProfiles(cmd.OutOrStdout(), profiles)
			return nil
		},
	}
}
