package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/render"
	"github.com/nixh/nixh/pkg/session"
)

func newAskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <request...>",
		Short: "Understand a request and preview it",
		Long: `Recognize a plain-language request, pick the best operation for this
machine and run it as a dry run. Nothing on the system changes unless
--apply is given.`,
		Example: `  nixh ask install firefox
  nixh ask "could you remove vlc please"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, args, currentMode())
		},
	}
	return cmd
}

func newDoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "do <request...>",
		Aliases: []string{"run"},
		Short:   "Understand a request and carry it out",
		Long: `Like ask, but changes are applied. Operations that change the system
configuration take the privilege lock; a second nixh doing the same
reports busy instead of waiting.`,
		Example: `  nixh do install ripgrep
  nixh do update system`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, args, engine.Apply)
		},
	}
	return cmd
}

func newExplainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <request...>",
		Short: "Show how a request would be understood, without running it",
		Long: `Print the recognized intent, its confidence, the tiers in use and the
candidate operations in the order they would be tried.`,
		Example: `  nixh explain instal fierfox`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), engine.DryRun)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			resp, err := a.session.Explain(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return render.JSON(out, resp)
			}
			return a.renderer.Table(out, explainTable(resp))
		},
	}
	return cmd
}

// runRequest handles one request given on the command line.
func runRequest(cmd *cobra.Command, args []string, mode engine.Mode) error {
	a, err := newApp(cmd.Context(), mode)
	if err != nil {
		return err
	}
	ctx := a.context(cmd.Context())
	defer a.Close(ctx)

	resp, err := a.session.HandleMode(ctx, strings.Join(args, " "), mode)
	if err != nil {
		return err
	}
	if err := a.show(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	return exitFor(resp)
}

// runInteractive reads requests line by line. Numbers pick from the
// alternates offered by the previous answer.
func runInteractive(cmd *cobra.Command, mode engine.Mode) error {
	a, err := newApp(cmd.Context(), mode)
	if err != nil {
		return err
	}
	ctx := a.context(cmd.Context())
	defer a.Close(ctx)

	go func() {
		if err := a.tel.Metrics.Serve(); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics endpoint stopped")
		}
	}()
	if a.cfg.Intent.OverlayPath != "" {
		w := intent.NewWatcher(a.cfg.Intent.OverlayPath, a.pipeline, a.logger)
		if err := w.Start(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Alias overlay will not be reloaded")
		}
	}

	prompt := ""
	if f, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		prompt = "nixh> "
		fmt.Fprintln(cmd.OutOrStdout(), `Ask for a package change in plain words. "quit" leaves.`)
	}
	return repl(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), prompt, a.session, a.show)
}

// handler is the part of *session.Session the loop needs.
type handler interface {
	Handle(ctx context.Context, text string) (session.Response, error)
}

// repl runs until EOF, "quit" or "exit", or until ctx is done.
func repl(ctx context.Context, in io.Reader, out io.Writer, prompt string, h handler, show func(io.Writer, session.Response) error) error {
	scanner := bufio.NewScanner(in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if prompt != "" {
			fmt.Fprint(out, prompt)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		}

		resp, err := h.Handle(ctx, line)
		if err != nil {
			return err
		}
		if err := show(out, resp); err != nil {
			return err
		}
	}
}

// exitFor maps an already shown response to the process exit status.
func exitFor(resp session.Response) error {
	switch {
	case resp.Clarify:
		return &ExitError{Code: exitClarify}
	case !resp.Succeeded():
		return &ExitError{Code: exitFailed}
	default:
		return nil
	}
}

func explainTable(resp session.Response) render.Table {
	t := render.Table{
		Title:   fmt.Sprintf("%s (%s, %.0f%% via %s)", canonical(resp.Intent), resp.Intent.Type, resp.Intent.Confidence*100, resp.Intent.Stage),
		Headers: []string{"#", "OPERATION", "KIND", "PRIVILEGE", "PARAMETERS"},
	}
	for i, op := range resp.Operations {
		t.Rows = append(t.Rows, []string{fmt.Sprint(i + 1), op.Label, string(op.Kind), yesNo(op.RequiresPrivilege), params(op)})
	}
	for _, alt := range resp.Alternates {
		t.Rows = append(t.Rows, []string{"?", alt.Canonical, "alternate", "", fmt.Sprintf("%.0f%%", alt.Confidence*100)})
	}
	return t
}

func canonical(in intent.Intent) string {
	if in.Canonical != "" {
		return in.Canonical
	}
	if in.RawText != "" {
		return in.RawText
	}
	return string(in.Type)
}

func params(op engine.Operation) string {
	keys := make([]string, 0, len(op.Parameters))
	for k := range op.Parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+op.Parameters[k])
	}
	return strings.Join(parts, " ")
}
