package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <entity>",
	Short: "Register a single entity's sync watermark, baselining against the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		orch, err := initOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer orch.Shutdown()

		if err := orch.RegisterEntity(ctx, args[0]); err != nil {
			return fmt.Errorf("register %s: %w", args[0], err)
		}
		fmt.Printf("Registered entity %q.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
