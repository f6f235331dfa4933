package cmd

import (
	"fmt"

	"github.com/marcus/localsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var (
	initAppID     string
	initServerURL string
	initBaseDir   string
	initSave      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local store for --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if initSave {
			if err := syncconfig.SaveOverrides(initAppID, initServerURL, initBaseDir); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
		}

		orch, err := initOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer orch.Shutdown()

		fmt.Printf("Initialized store for user %q.\n", userIDFlag)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initAppID, "app-id", "", "application id override, persisted with --save")
	initCmd.Flags().StringVar(&initServerURL, "server-url", "", "sync server URL override, persisted with --save")
	initCmd.Flags().StringVar(&initBaseDir, "base-dir", "", "local store base directory override, persisted with --save")
	initCmd.Flags().BoolVar(&initSave, "save", false, "persist --app-id/--server-url/--base-dir to ~/.config/localsync/config.json")
	rootCmd.AddCommand(initCmd)
}
