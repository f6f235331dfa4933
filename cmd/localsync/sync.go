package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle (push then pull) and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := initOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer orch.Shutdown()

		if err := orch.FullSync(cmd.Context()); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
