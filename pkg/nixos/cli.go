package nixos

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CLI drives the NixOS command-line tools. Each method maps to exactly one
// fixed argv shape; arguments are validated before any process starts.
type CLI struct {
	Runner Runner

	// SystemProfile is the system profile path, normally
	// /nix/var/nix/profiles/system.
	SystemProfile string

	// Module is edited for declarative changes before nixos-rebuild runs.
	Module Module
}

// NewCLI creates a CLI with the stock system profile and managed module.
func NewCLI(runner Runner) *CLI {
	return &CLI{
		Runner:        runner,
		SystemProfile: "/nix/var/nix/profiles/system",
		Module:        Module{Path: DefaultModulePath},
	}
}

// generationReadTimeout bounds the generation lookup after a rebuild.
const generationReadTimeout = 5 * time.Second

func (c *CLI) run(ctx context.Context, argv ...string) (Output, error) {
	return c.Runner.Run(ctx, argv)
}

func offlineArgs(offline bool) []string {
	if offline {
		return []string{"--option", "substitute", "false"}
	}
	return nil
}

// UserChange installs, removes or upgrades packages in the user profile with
// nix-env. DryRun adds --dry-run.
func (c *CLI) UserChange(ctx context.Context, cfg Config, mode Mode) (ApplyResult, error) {
	var argv []string
	switch cfg.Action {
	case ActionAdd:
		if err := checkPackages(cfg.Packages); err != nil {
			return ApplyResult{}, err
		}
		argv = []string{"nix-env", "-iA"}
		for _, p := range cfg.Packages {
			argv = append(argv, "nixos."+p)
		}
	case ActionRemove:
		if err := checkPackages(cfg.Packages); err != nil {
			return ApplyResult{}, err
		}
		argv = append([]string{"nix-env", "-e"}, cfg.Packages...)
	case ActionUpgrade:
		if err := checkPackagesAllowEmpty(cfg.Packages); err != nil {
			return ApplyResult{}, err
		}
		argv = append([]string{"nix-env", "-u"}, cfg.Packages...)
	default:
		return ApplyResult{}, fmt.Errorf("%w: action %q", ErrInvalidArgument, cfg.Action)
	}
	argv = append(argv, offlineArgs(cfg.Offline)...)
	if mode == DryRun {
		argv = append(argv, "--dry-run")
	}

	prev := c.currentGeneration(ctx, ScopeUser)
	out, err := c.run(ctx, argv...)
	res := ApplyResult{Previous: prev, Generation: prev}
	if err != nil {
		return res, err
	}

	res.Description = summarize(out, Describe(cfg))
	if mode == DryRun {
		res.Description = "would " + Describe(cfg) + ": " + res.Description
		return res, nil
	}
	res.Generation = c.currentGeneration(ctx, ScopeUser)
	res.StateChanged = res.Generation != prev
	return res, nil
}

// SystemChange edits the managed module and runs nixos-rebuild switch. In
// DryRun the module is left alone and nixos-rebuild dry-build reports what
// the current configuration would fetch.
func (c *CLI) SystemChange(ctx context.Context, cfg Config, mode Mode) (ApplyResult, error) {
	if cfg.Action != ActionUpgrade {
		if err := checkPackages(cfg.Packages); err != nil {
			return ApplyResult{}, err
		}
	}

	current, err := c.Module.Packages()
	if err != nil {
		return ApplyResult{}, &ToolError{Command: "read " + c.Module.Path, ExitCode: 1, Stderr: err.Error()}
	}
	next, changed := ApplyAction(current, cfg.Action, cfg.Packages)

	prev := c.currentGeneration(ctx, ScopeSystem)
	res := ApplyResult{Previous: prev, Generation: prev}
	if !changed {
		res.Description = noChange(cfg)
		return res, nil
	}

	argv := []string{"nixos-rebuild", "switch"}
	if mode == DryRun {
		argv = []string{"nixos-rebuild", "dry-build"}
	}
	if cfg.Action == ActionUpgrade {
		argv = append(argv, "--upgrade")
	}
	argv = append(argv, offlineArgs(cfg.Offline)...)

	if mode == DryRun {
		out, err := c.run(ctx, argv...)
		if err != nil {
			return res, err
		}
		res.Description = "would " + Describe(cfg) + " (" + c.Module.Path + "): " + summarize(out, "no builds needed")
		return res, nil
	}

	if err := c.Module.Write(next); err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, err = c.run(ctx, argv...)

	// ctx may have run out during the rebuild.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), generationReadTimeout)
	gen := c.currentGeneration(readCtx, ScopeSystem)
	cancel()
	if gen > 0 {
		res.Generation = gen
	}
	res.StateChanged = gen > 0 && gen != prev
	if err != nil {
		if te, ok := err.(*ToolError); ok {
			te.StateChanged = res.StateChanged
		}
		if !res.StateChanged {
			// The rebuild failed before switching; put the module back.
			if restoreErr := c.Module.Write(current); restoreErr != nil {
				err = errors.Join(err, restoreErr)
			}
		}
		return res, err
	}
	res.Description = fmt.Sprintf("%s; switched system to generation %d", Describe(cfg), res.Generation)
	return res, nil
}

// Rollback switches scope to generation, or to the previous one when
// generation is 0.
func (c *CLI) Rollback(ctx context.Context, scope Scope, generation int, mode Mode) (ApplyResult, error) {
	if generation != 0 {
		if err := checkGeneration(generation); err != nil {
			return ApplyResult{}, err
		}
	}

	prev := c.currentGeneration(ctx, scope)
	res := ApplyResult{Previous: prev, Generation: generation}

	var argv []string
	switch {
	case scope == ScopeUser && generation == 0:
		argv = []string{"nix-env", "--rollback"}
	case scope == ScopeUser:
		argv = []string{"nix-env", "--switch-generation", itoa(generation)}
	case scope == ScopeSystem && generation == 0 && mode == Apply:
		argv = []string{"nixos-rebuild", "switch", "--rollback"}
	case scope == ScopeSystem:
		if generation == 0 {
			gens, err := c.ListGenerations(ctx, ScopeSystem)
			if err != nil {
				return res, err
			}
			generation = previousOf(gens, prev)
			if generation == 0 {
				return res, &ToolError{Command: "nixos-rebuild", ExitCode: 1, Stderr: "no generation before the current one"}
			}
			res.Generation = generation
		}
		argv = []string{"nix-env", "-p", c.SystemProfile, "--switch-generation", itoa(generation)}
	default:
		return res, fmt.Errorf("%w: scope %q", ErrInvalidArgument, scope)
	}
	if mode == DryRun {
		argv = append(argv, "--dry-run")
	}

	out, err := c.run(ctx, argv...)
	if err != nil {
		return res, err
	}
	if mode == DryRun {
		res.Description = fmt.Sprintf("would roll %s back from generation %d: %s", scope, prev, summarize(out, "ok"))
		return res, nil
	}

	if scope == ScopeSystem && argv[0] == "nix-env" {
		if _, err := c.run(ctx, c.SystemProfile+"/bin/switch-to-configuration", "switch"); err != nil {
			return res, markChanged(err)
		}
	}
	res.Generation = c.currentGeneration(ctx, scope)
	res.StateChanged = res.Generation != prev
	res.Description = fmt.Sprintf("rolled %s back from generation %d to %d", scope, prev, res.Generation)
	return res, nil
}

// ListGenerations runs nix-env --list-generations.
func (c *CLI) ListGenerations(ctx context.Context, scope Scope) ([]Generation, error) {
	argv := []string{"nix-env", "--list-generations"}
	if scope == ScopeSystem {
		argv = append(argv, "-p", c.SystemProfile)
	}
	out, err := c.run(ctx, argv...)
	if err != nil {
		return nil, err
	}
	return ParseGenerations(out.Stdout)
}

func (c *CLI) currentGeneration(ctx context.Context, scope Scope) int {
	gens, err := c.ListGenerations(ctx, scope)
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

func previousOf(gens []Generation, current int) int {
	prev := 0
	for _, g := range gens {
		if g.Number < current && g.Number > prev {
			prev = g.Number
		}
	}
	return prev
}

var generationLine = regexp.MustCompile(`^\s*(\d+)\s+(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\s*(\(current\))?\s*$`)

// ParseGenerations parses nix-env --list-generations output.
func ParseGenerations(data []byte) ([]Generation, error) {
	var gens []Generation
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := generationLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("unexpected generation line %q", line)
		}
		n, _ := strconv.Atoi(m[1])
		created, _ := time.ParseInLocation("2006-01-02 15:04:05", m[2], time.Local)
		gens = append(gens, Generation{Number: n, Created: created, Current: m[3] != ""})
	}
	return gens, sc.Err()
}

// SearchHit is one nix search result.
type SearchHit struct {
	Name        string `json:"pname"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Search runs nix search nixpkgs <term> --json.
func (c *CLI) Search(ctx context.Context, term string, offline bool) ([]SearchHit, error) {
	if !searchPattern.MatchString(term) {
		return nil, fmt.Errorf("%w: search term", ErrInvalidArgument)
	}
	argv := []string{"nix", "search", "nixpkgs", term, "--json"}
	if offline {
		argv = append(argv, "--offline")
	}
	out, err := c.run(ctx, argv...)
	if err != nil {
		return nil, err
	}
	return ParseSearch(out.Stdout)
}

// ParseSearch decodes nix search --json output, sorted by name.
func ParseSearch(data []byte) ([]SearchHit, error) {
	var raw map[string]SearchHit
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse search output: %w", err)
	}
	hits := make([]SearchHit, 0, len(raw))
	for attr, h := range raw {
		if h.Name == "" {
			parts := strings.Split(attr, ".")
			h.Name = parts[len(parts)-1]
		}
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Name < hits[j].Name })
	return hits, nil
}

// Installed lists installed packages: nix-env -q for the user, the managed
// module for the system.
func (c *CLI) Installed(ctx context.Context, scope Scope) ([]string, error) {
	if scope == ScopeSystem {
		return c.Module.Packages()
	}
	out, err := c.run(ctx, "nix-env", "-q")
	if err != nil {
		return nil, err
	}
	return sortedUnique(strings.Fields(string(out.Stdout))), nil
}

// Version runs nixos-version.
func (c *CLI) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "nixos-version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out.Stdout)), nil
}

// summarize keeps the last meaningful line the tool printed.
func summarize(out Output, fallback string) string {
	for _, stream := range [][]byte{out.Stderr, out.Stdout} {
		if s := lastLine(string(stream)); s != "" {
			return s
		}
	}
	return fallback
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
