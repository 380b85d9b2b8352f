// Package render formats session output for the terminal class the
// capability detector found. Three tiers exist: rich (colour and markdown),
// basic (bold and faint only) and plain (no escape codes at all). All three
// say the same thing; only the styling differs.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/session"
)

// Renderer writes session output.
type Renderer interface {
	Name() string
	Response(w io.Writer, r session.Response) error
	Table(w io.Writer, t Table) error
}

// Table is a titled grid for the diagnostics commands.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// JSON writes v as indented JSON. It is used for --json regardless of tier.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type kind int

const (
	kindTitle kind = iota
	kindNote
	kindOK
	kindFail
	kindWarn
	kindBody
	kindChoice
	kindHint
)

type line struct {
	kind kind
	text string
}

// examples are offered when nothing was understood.
var examples = []string{"install firefox", "remove vlc", "update system", "list generations", "undo"}

// layout turns a response into unstyled lines. Disclosures come
// first and verbatim.
func layout(r session.Response) []line {
	var out []line
	for _, d := range r.Disclosures {
		out = append(out, line{kindNote, d})
	}

	if r.Clarify {
		return append(out, clarify(r)...)
	}

	out = append(out, line{kindTitle, title(r)})
	for i, res := range r.Attempts {
		last := i == len(r.Attempts)-1
		if !last {
			out = append(out, line{kindFail, attempt(res)})
			continue
		}
		if res.Succeeded {
			out = append(out, line{kindOK, attempt(res)})
		} else {
			out = append(out, line{kindFail, attempt(res)})
		}
		if res.Output != "" {
			out = append(out, line{kindBody, res.Output})
		}
		if res.RollbackToken != "" {
			out = append(out, line{kindHint, "to undo: nixh rollback " + res.RollbackToken})
		}
	}
	for _, w := range r.Warnings {
		out = append(out, line{kindWarn, "warning: " + w})
	}
	if r.Mode == engine.DryRun && r.Succeeded() && r.Chosen != nil && r.Chosen.Kind == engine.OpMutateConfig {
		out = append(out, line{kindHint, "nothing was changed; run again with --apply to do it"})
	}
	return out
}

func title(r session.Response) string {
	in := r.Intent
	s := in.Canonical
	if s == "" {
		s = string(in.Type)
	}
	if in.Stage == intent.StageRule || in.Stage == intent.StageSession {
		return s
	}
	return fmt.Sprintf("%s (understood with %.0f%% confidence)", s, in.Confidence*100)
}

func attempt(res engine.ExecutionResult) string {
	var b strings.Builder
	switch {
	case res.Succeeded && res.DryRun:
		b.WriteString("dry run ok")
	case res.Succeeded:
		b.WriteString("done")
	case res.Busy:
		b.WriteString("busy")
	default:
		b.WriteString("failed")
	}
	fmt.Fprintf(&b, ": %s", res.Label)
	if res.Method != "" {
		fmt.Fprintf(&b, " via %s", res.Method)
	}
	if res.Error != nil {
		fmt.Fprintf(&b, " [%s] %s (tier %s, %s)", res.Error.Kind, res.Error.Message, tierOf(res), res.Error.StateSummary())
	}
	return b.String()
}

func tierOf(res engine.ExecutionResult) string {
	switch {
	case res.Error != nil && res.Error.Tier != "":
		return res.Error.Tier
	case res.Tier != "":
		return res.Tier
	default:
		return "none"
	}
}

func clarify(r session.Response) []line {
	in := r.Intent
	switch {
	case in.Known() && !in.HasTarget() && len(r.Alternates) == 0:
		return []line{
			{kindWarn, "Which package?"},
			{kindHint, "For example: " + in.Canonical + " firefox"},
		}
	case len(r.Alternates) == 0:
		return []line{
			{kindWarn, "I could not work out what to do."},
			{kindHint, "Try something like: " + strings.Join(examples, ", ")},
		}
	}
	out := []line{{kindWarn, "Did you mean:"}}
	for i, alt := range r.Alternates {
		out = append(out, line{kindChoice, fmt.Sprintf("%d) %s", i+1, alt.Canonical)})
	}
	return append(out, line{kindHint, "Reply with a number, or rephrase."})
}
