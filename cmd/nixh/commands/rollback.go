package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/session"
)

func newRollbackCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rollback [token]",
		Short: "Undo the last change",
		Long: `Return to the generation recorded before the last applied change, or to
the one named by token. Tokens are printed after every change and listed
by "nixh history".`,
		Example: `  # Undo the last change
  nixh rollback

  # Go back to a specific generation
  nixh rollback gen-41`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := engine.Apply
			if dryRun {
				mode = engine.DryRun
			}
			a, err := newApp(cmd.Context(), mode)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			resp, err := a.session.Rollback(ctx, token, mode)
			if errors.Is(err, session.ErrNoRollbackToken) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Nothing to roll back: no change has been recorded yet.")
				return &ExitError{Code: exitFailed}
			}
			if err != nil {
				return err
			}
			if err := a.show(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return exitFor(resp)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be rolled back")
	return cmd
}
