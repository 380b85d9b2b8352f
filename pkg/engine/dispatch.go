package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/tier"
)

// Execution tier names.
const (
	TierStructuredAPI = "structured_api"
	TierSubprocess    = "subprocess"
	TierNone          = "none"
)

// SubsystemExecution is the chain name used for overrides and disclosures.
const SubsystemExecution = "execution"

// CommandLine is the subprocess surface. *nixos.CLI implements it.
type CommandLine interface {
	UserChange(ctx context.Context, cfg nixos.Config, mode Mode) (nixos.ApplyResult, error)
	SystemChange(ctx context.Context, cfg nixos.Config, mode Mode) (nixos.ApplyResult, error)
	Rollback(ctx context.Context, scope nixos.Scope, generation int, mode Mode) (nixos.ApplyResult, error)
	ListGenerations(ctx context.Context, scope nixos.Scope) ([]nixos.Generation, error)
	Search(ctx context.Context, term string, offline bool) ([]nixos.SearchHit, error)
	Installed(ctx context.Context, scope nixos.Scope) ([]string, error)
	Version(ctx context.Context) (string, error)
}

var _ CommandLine = (*nixos.CLI)(nil)

// NewExecutionChain builds the execution chain: structured API, then
// subprocess, then none. Constructors run at selection time, so a tier whose
// backend cannot be opened falls through to the next one.
func NewExecutionChain(api func() (nixos.API, error), cli func() (CommandLine, error)) (*tier.Chain[Dispatcher], error) {
	return tier.NewChain(SubsystemExecution,
		tier.Tier[Dispatcher]{
			Name:        TierStructuredAPI,
			Priority:    30,
			Requires:    func(s capability.Snapshot) bool { return s.HasStructuredAPI },
			Description: "in-process profile and configuration management",
			Instantiate: func() (Dispatcher, error) {
				a, err := api()
				if err != nil {
					return nil, err
				}
				return &StructuredDispatcher{API: a}, nil
			},
		},
		tier.Tier[Dispatcher]{
			Name:        TierSubprocess,
			Priority:    20,
			Requires:    func(s capability.Snapshot) bool { return s.HasCLIFallback },
			Description: "nix-env, nixos-rebuild and nix search",
			Instantiate: func() (Dispatcher, error) {
				c, err := cli()
				if err != nil {
					return nil, err
				}
				return &SubprocessDispatcher{CLI: c}, nil
			},
		},
		tier.Tier[Dispatcher]{
			Name:        TierNone,
			Priority:    0,
			Universal:   true,
			Description: "no execution path; instructions only",
			Instantiate: func() (Dispatcher, error) { return NoneDispatcher{}, nil },
		},
	)
}

// StructuredDispatcher runs requests through nixos.API.
type StructuredDispatcher struct {
	API nixos.API
}

func (d *StructuredDispatcher) Method() Method { return MethodStructuredAPI }

func (d *StructuredDispatcher) Mutate(ctx context.Context, req Request, mode Mode, phase func(Phase)) (Outcome, error) {
	if req.Action == ActionRollback {
		phase(PhaseActivating)
		res, err := d.API.Rollback(ctx, req.Scope, req.Generation, mode)
		return fromApply(res), err
	}

	prev := currentGeneration(d.API.ListGenerations(ctx, req.Scope))

	phase(PhaseBuilding)
	build, err := d.API.Build(ctx, req.NixOSConfig(), mode)
	if err != nil {
		return Outcome{Previous: prev}, err
	}

	phase(PhaseActivating)
	res, err := d.API.Apply(ctx, build, mode)
	out := fromApply(res)
	if out.Previous == 0 {
		out.Previous = prev
	}
	if err != nil && mode == Apply && build.Path != "" {
		// The managed module was already rewritten for the new closure.
		out.StateChanged = true
	}
	return out, err
}

func (d *StructuredDispatcher) Query(ctx context.Context, req Request) (Outcome, error) {
	switch req.Query {
	case QueryGenerations:
		gens, err := d.API.ListGenerations(ctx, req.Scope)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: formatGenerations(gens)}, nil
	case QueryInstalled:
		pkgs, err := d.API.Installed(ctx, req.Scope)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: formatInstalled(pkgs)}, nil
	case QueryStatus:
		gen := currentGeneration(d.API.ListGenerations(ctx, nixos.ScopeSystem))
		return Outcome{Output: formatStatus(d.API.Versions(), gen)}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %s query", nixos.ErrUnsupported, req.Query)
	}
}

// SubprocessDispatcher runs requests through the command-line tools.
type SubprocessDispatcher struct {
	CLI CommandLine
}

func (d *SubprocessDispatcher) Method() Method { return MethodSubprocess }

func (d *SubprocessDispatcher) Mutate(ctx context.Context, req Request, mode Mode, phase func(Phase)) (Outcome, error) {
	var (
		res nixos.ApplyResult
		err error
	)
	switch {
	case req.Action == ActionRollback:
		phase(PhaseActivating)
		res, err = d.CLI.Rollback(ctx, req.Scope, req.Generation, mode)
	case req.Scope == nixos.ScopeSystem:
		phase(PhaseBuilding)
		res, err = d.CLI.SystemChange(ctx, req.NixOSConfig(), mode)
	default:
		phase(PhaseBuilding)
		res, err = d.CLI.UserChange(ctx, req.NixOSConfig(), mode)
	}
	return fromApply(res), err
}

func (d *SubprocessDispatcher) Query(ctx context.Context, req Request) (Outcome, error) {
	switch req.Query {
	case QueryGenerations:
		gens, err := d.CLI.ListGenerations(ctx, req.Scope)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: formatGenerations(gens)}, nil
	case QueryInstalled:
		pkgs, err := d.CLI.Installed(ctx, req.Scope)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: formatInstalled(pkgs)}, nil
	case QueryStatus:
		v, err := d.CLI.Version(ctx)
		if err != nil {
			return Outcome{}, err
		}
		gen := currentGeneration(d.CLI.ListGenerations(ctx, nixos.ScopeSystem))
		return Outcome{Output: formatStatus(map[string]string{"nixos": v}, gen)}, nil
	case QuerySearch:
		hits, err := d.CLI.Search(ctx, req.Package, req.Offline)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Output: formatSearch(req.Package, hits)}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %s query", nixos.ErrUnsupported, req.Query)
	}
}

// NoneDispatcher is the universal tier. It can do nothing and says so.
type NoneDispatcher struct{}

func (NoneDispatcher) Method() Method { return MethodNone }

func (NoneDispatcher) Mutate(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
	return Outcome{}, noPath()
}

func (NoneDispatcher) Query(context.Context, Request) (Outcome, error) {
	return Outcome{}, noPath()
}

func noPath() error {
	return NewUnavailableError("no execution path is available on this system; the manual instructions remain", nil).
		WithCode(ErrCodeNoTier).
		WithTier(TierNone)
}

func fromApply(res nixos.ApplyResult) Outcome {
	return Outcome{Output: res.Description, StateChanged: res.StateChanged, Previous: res.Previous}
}

func currentGeneration(gens []nixos.Generation, err error) int {
	if err != nil {
		return 0
	}
	for _, g := range gens {
		if g.Current {
			return g.Number
		}
	}
	return 0
}

func formatGenerations(gens []nixos.Generation) string {
	if len(gens) == 0 {
		return "no generations"
	}
	var b strings.Builder
	for _, g := range gens {
		fmt.Fprintf(&b, "%5d   %s", g.Number, g.Created.Format("2006-01-02 15:04"))
		if g.Current {
			b.WriteString("   (current)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatInstalled(pkgs []string) string {
	if len(pkgs) == 0 {
		return "no packages installed"
	}
	return strings.Join(pkgs, "\n")
}

func formatStatus(versions map[string]string, generation int) string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s %s", k, versions[k]))
	}
	if generation > 0 {
		lines = append(lines, fmt.Sprintf("system generation %d", generation))
	}
	if len(lines) == 0 {
		return "status unknown"
	}
	return strings.Join(lines, "\n")
}

func formatSearch(term string, hits []nixos.SearchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("no packages match %q", term)
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "%s %s", h.Name, h.Version)
		if h.Description != "" {
			b.WriteString(" - " + h.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
