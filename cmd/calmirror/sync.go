package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [calendar-id...]",
	Short: "Synchronize calendars once and exit",
	Long: `Synchronize the given calendars, or every remote calendar when none is
given, then exit. Notifications derived from the changes are stored in the
ledger and delivered to clients on their next connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			return a.scheduler.SyncAll(cmd.Context())
		}
		for _, id := range args {
			if err := a.scheduler.SyncOne(cmd.Context(), id); err != nil {
				return fmt.Errorf("sync %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: synchronized\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
