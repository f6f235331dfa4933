package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report orchestrator state, pending rows, and recent conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, err := initOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown()

		fmt.Printf("is_initialized:         %t\n", orch.IsInitialized())
		fmt.Printf("event_channel_connected: %t\n", orch.EventChannelConnected())
		fmt.Printf("is_syncing:              %t\n", orch.IsSyncing())

		counts, err := orch.DirtyCounts(ctx)
		if err != nil {
			return fmt.Errorf("dirty counts: %w", err)
		}
		fmt.Println("\nPending (unsynced) rows:")
		if len(counts) == 0 {
			fmt.Println("  (no registered entities)")
		}
		for name, n := range counts {
			fmt.Printf("  %-20s %d\n", name, n)
		}

		conflicts, err := orch.RecentConflicts(10)
		if err != nil {
			return fmt.Errorf("recent conflicts: %w", err)
		}
		fmt.Println("\nRecent conflicts:")
		if len(conflicts) == 0 {
			fmt.Println("  (none)")
		}
		for _, c := range conflicts {
			fmt.Printf("  %s/%s at %s (%s)\n", c.TableName, c.RowID, c.DetectedAt.Format("2006-01-02T15:04:05"), c.Resolution)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
