package commands

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/render"
	"github.com/nixh/nixh/pkg/stores"
	"github.com/nixh/nixh/pkg/tier"
)

func newGenerationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generations",
		Aliases: []string{"gens"},
		Short:   "List system and profile generations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), engine.Apply)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			resp, err := a.session.HandleIntent(ctx, intent.Intent{
				Type:       intent.TypeQuery,
				Target:     intent.QueryGenerations,
				Confidence: 1,
				Stage:      intent.StageSession,
				Canonical:  "list generations",
			}, engine.Apply)
			if err != nil {
				return err
			}
			if err := a.show(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return exitFor(resp)
		},
	}
	return cmd
}

func newCapabilitiesCommand() *cobra.Command {
	var reprobe bool

	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "Show what nixh detected about this machine",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), engine.DryRun)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			snap := a.holder.Current()
			if reprobe {
				snap = a.holder.Reprobe(ctx)
			}
			if jsonOutput {
				return render.JSON(cmd.OutOrStdout(), snap)
			}
			return a.renderer.Table(cmd.OutOrStdout(), snapshotTable(snap))
		},
	}

	cmd.Flags().BoolVar(&reprobe, "reprobe", false, "probe again before printing")
	return cmd
}

func snapshotTable(s capability.Snapshot) render.Table {
	t := render.Table{
		Title:   "Capabilities",
		Headers: []string{"CAPABILITY", "VALUE"},
		Rows: [][]string{
			{"structured api", strconv.FormatBool(s.HasStructuredAPI)},
			{"cli fallback", strconv.FormatBool(s.HasCLIFallback)},
			{"memory", string(s.Memory)},
			{"cpu cores", strconv.Itoa(s.CPUCores)},
			{"network", string(s.Network)},
			{"terminal", string(s.Terminal)},
			{"config writable", strconv.FormatBool(s.ConfigWritable)},
			{"local embedder", strconv.FormatBool(s.HasLocalEmbedder)},
		},
	}
	versions := s.ToolVersions()
	tools := make([]string, 0, len(versions))
	for k := range versions {
		tools = append(tools, k)
	}
	sort.Strings(tools)
	for _, k := range tools {
		t.Rows = append(t.Rows, []string{k, versions[k]})
	}
	if !s.ProbedAt.IsZero() {
		t.Rows = append(t.Rows, []string{"probed at", s.ProbedAt.Format(time.RFC3339)})
	}
	return t
}

func newTiersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Show every tier chain and which tier this machine uses",
		Long: `List the tiers of the intent, embedding, execution, storage and render
chains in selection order. SATISFIED tells whether the tier's requirements
hold on the current capabilities; SELECTED marks the tier that would be used,
taking NIXH_OVERRIDE_<SUBSYSTEM> and config overrides into account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), engine.DryRun)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			snap := a.holder.Current()
			t := render.Table{
				Title:   "Tiers",
				Headers: []string{"SUBSYSTEM", "TIER", "PRIORITY", "SATISFIED", "SELECTED", "DESCRIPTION"},
			}
			t.Rows = append(t.Rows, tierRows(a.session.IntentChain(), snap, a.selector.Override(intent.SubsystemIntent))...)
			t.Rows = append(t.Rows, tierRows(a.embedders, snap, a.selector.Override(embedding.SubsystemEmbedding))...)
			t.Rows = append(t.Rows, tierRows(a.execChain, snap, a.selector.Override(engine.SubsystemExecution))...)
			t.Rows = append(t.Rows, tierRows(a.storage, snap, a.selector.Override(stores.SubsystemStorage))...)
			t.Rows = append(t.Rows, tierRows(a.renderers, snap, a.selector.Override(render.SubsystemRender))...)
			return a.table(cmd.OutOrStdout(), t)
		},
	}
	return cmd
}

// tierRows describes c without instantiating any tier. The selected tier is
// the override when it names a tier of c, otherwise the first satisfied one.
func tierRows[T any](c *tier.Chain[T], snap capability.Snapshot, override string) [][]string {
	satisfied := c.Satisfied(snap)
	selected := ""
	for _, name := range c.Names() {
		if name == override {
			selected = name
		}
	}
	if selected == "" {
		for _, name := range c.Names() {
			if satisfied[name] {
				selected = name
				break
			}
		}
	}

	rows := make([][]string, 0, len(satisfied))
	for _, t := range c.Tiers() {
		mark := ""
		if t.Name == selected {
			mark = "*"
		}
		rows = append(rows, []string{
			c.Subsystem,
			t.Name,
			strconv.Itoa(t.Priority),
			yesNo(satisfied[t.Name]),
			mark,
			t.Description,
		})
	}
	return rows
}

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		failed bool
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions",
		Long: `List recorded executions, newest first. The TOKEN column is what
"nixh rollback <token>" accepts.`,
		Example: `  nixh history --limit 5
  nixh history --failed --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), engine.DryRun)
			if err != nil {
				return err
			}
			ctx := a.context(cmd.Context())
			defer a.Close(ctx)

			filter := stores.Filter{Limit: limit, FailedOnly: failed}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			execs, err := a.store.ListExecutions(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
			if jsonOutput {
				return render.JSON(cmd.OutOrStdout(), execs)
			}
			return a.renderer.Table(cmd.OutOrStdout(), historyTable(execs))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed executions")
	cmd.Flags().DurationVar(&since, "since", 0, "only executions newer than this")
	return cmd
}

func historyTable(execs []*stores.Execution) render.Table {
	t := render.Table{
		Title:   "History",
		Headers: []string{"STARTED", "LABEL", "METHOD", "RESULT", "TOKEN"},
	}
	for _, e := range execs {
		result := "ok"
		switch {
		case !e.Succeeded && e.ErrorKind != nil:
			result = *e.ErrorKind
		case !e.Succeeded:
			result = "failed"
		case e.DryRun:
			result = "dry run"
		}
		t.Rows = append(t.Rows, []string{
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Label,
			e.Method,
			result,
			e.RollbackToken,
		})
	}
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
