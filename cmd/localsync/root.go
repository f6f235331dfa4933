// Package cmd implements the localsync CLI commands using cobra.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/marcus/localsync/internal/exampleapp"
	"github.com/marcus/localsync/internal/sync"
	"github.com/marcus/localsync/internal/syncclient"
	"github.com/marcus/localsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var versionStr string

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var userIDFlag string

var rootCmd = &cobra.Command{
	Use:   "localsync",
	Short: "Offline-first sync engine ops CLI",
	Long: `localsync drives the sync engine's Orchestrator as a standalone
process: init a local store for a user, run one sync cycle, inspect status,
or register a new entity.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userIDFlag, "user", "local", "user id, namespaces the local database path")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildOrchestrator wires syncconfig, the example app's entities and
// migrations, and a bearer token sourced from LOCALSYNC_TOKEN into a ready
// Orchestrator. It does not call Init.
func buildOrchestrator() (*sync.Orchestrator, error) {
	getToken := syncclient.TokenSource(func(ctx context.Context) (string, error) {
		return os.Getenv("LOCALSYNC_TOKEN"), nil
	})

	cfg, err := syncconfig.Load(getToken, exampleapp.Entities, exampleapp.Migrations)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	opts := cfg.OrchestratorOptions()
	opts.Logger = slog.Default()
	return sync.New(opts), nil
}

func initOrchestrator(ctx context.Context) (*sync.Orchestrator, error) {
	orch, err := buildOrchestrator()
	if err != nil {
		return nil, err
	}
	if err := orch.Init(ctx, userIDFlag); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return orch, nil
}
