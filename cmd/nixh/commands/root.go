package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nixh/nixh/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	applyFlag  bool

	buildVersion = "dev"
)

// ExitError ends the process with Code after the output was already shown.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Exit codes.
const (
	exitFailed  = 1
	exitClarify = 2
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nixh [request...]",
		Short: "nixh - ask NixOS for things in plain words",
		Long: `nixh turns plain-language requests into NixOS package operations.

It adapts to the machine it runs on:
  - the structured profile API when the Nix profiles are readable
  - nix-env and nixos-rebuild when only the command-line tools exist
  - step-by-step instructions when nothing can be executed

Whenever a reduced mode is used, nixh says so once per session.
Changes are dry runs unless --apply is given.

Run without arguments for an interactive session.`,
		Example: `  # Preview an install
  nixh install firefox

  # Do it
  nixh --apply install firefox

  # Undo the last change
  nixh rollback`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runInteractive(cmd, currentMode())
			}
			return runRequest(cmd, args, currentMode())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&applyFlag, "apply", false, "make changes instead of a dry run")

	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newDoCommand())
	rootCmd.AddCommand(newExplainCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newGenerationsCommand())
	rootCmd.AddCommand(newCapabilitiesCommand())
	rootCmd.AddCommand(newTiersCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

func currentMode() engine.Mode {
	if applyFlag {
		return engine.Apply
	}
	return engine.DryRun
}
