package nixos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
)

// API is the structured, in-process integration point.
type API interface {
	Build(ctx context.Context, cfg Config, mode Mode) (BuildResult, error)
	Apply(ctx context.Context, build BuildResult, mode Mode) (ApplyResult, error)
	ListGenerations(ctx context.Context, scope Scope) ([]Generation, error)

	// Rollback switches scope to generation, or to the previous generation
	// when generation is 0.
	Rollback(ctx context.Context, scope Scope, generation int, mode Mode) (ApplyResult, error)

	Installed(ctx context.Context, scope Scope) ([]string, error)
	Versions() map[string]string
}

// ProfileAPI implements API over the profile directories and the managed
// module. Closure realisation and activation are delegated.
type ProfileAPI struct {
	System    Profile
	User      Profile
	Module    Module
	Realiser  Realiser
	Activator Activator
	versions  map[string]string
}

var _ API = (*ProfileAPI)(nil)

// ProfileAPIConfig locates the profiles and the managed module.
type ProfileAPIConfig struct {
	ProfilesDir string
	UserProfile string
	ModulePath  string
	Versions    map[string]string
}

// NewProfileAPI creates a ProfileAPI. It fails with ErrUnavailable when the
// system profile cannot be read.
func NewProfileAPI(cfg ProfileAPIConfig, realiser Realiser, activator Activator) (*ProfileAPI, error) {
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = "/nix/var/nix/profiles"
	}
	if cfg.ModulePath == "" {
		cfg.ModulePath = DefaultModulePath
	}
	system := Profile{Dir: cfg.ProfilesDir, Name: "system"}
	if _, err := system.Current(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	api := &ProfileAPI{
		System:    system,
		Module:    Module{Path: cfg.ModulePath},
		Realiser:  realiser,
		Activator: activator,
		versions:  maps.Clone(cfg.Versions),
	}
	if cfg.UserProfile != "" {
		api.User = userProfile(cfg.UserProfile)
	}
	return api, nil
}

// userProfile resolves ~/.nix-profile style links to the profile they name.
func userProfile(path string) Profile {
	if target, err := os.Readlink(path); err == nil && filepath.IsAbs(target) {
		path = target
	}
	return Profile{Dir: filepath.Dir(path), Name: filepath.Base(path)}
}

func (a *ProfileAPI) profile(scope Scope) (Profile, error) {
	switch scope {
	case ScopeSystem:
		return a.System, nil
	case ScopeUser:
		if a.User.Dir == "" {
			return Profile{}, fmt.Errorf("%w: no user profile configured", ErrUnsupported)
		}
		return a.User, nil
	default:
		return Profile{}, fmt.Errorf("%w: scope %q", ErrInvalidArgument, scope)
	}
}

// Build computes the new system package set and, in Apply mode, writes the
// managed module and realises the closure. A failed realisation restores the
// module. User-scope changes are left to the CLI.
func (a *ProfileAPI) Build(ctx context.Context, cfg Config, mode Mode) (BuildResult, error) {
	if cfg.Scope != ScopeSystem {
		return BuildResult{}, fmt.Errorf("%w: %s package changes", ErrUnsupported, cfg.Scope)
	}
	if cfg.Action != ActionUpgrade {
		if err := checkPackages(cfg.Packages); err != nil {
			return BuildResult{}, err
		}
	}

	current, err := a.Module.Packages()
	if err != nil {
		return BuildResult{}, &ToolError{Command: "read " + a.Module.Path, ExitCode: 1, Stderr: err.Error()}
	}
	next, changed := ApplyAction(current, cfg.Action, cfg.Packages)
	res := BuildResult{Config: cfg, Packages: next}

	if !changed {
		res.Unchanged = true
		res.Description = noChange(cfg)
		return res, nil
	}
	if mode == DryRun {
		res.Description = "would " + Describe(cfg) + " (" + a.Module.Path + ")"
		return res, nil
	}

	if err := a.Module.Write(next); err != nil {
		return BuildResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	path, desc, err := a.Realiser.Realise(ctx, BuildRequest{
		Scope:    ScopeSystem,
		Packages: next,
		Upgrade:  cfg.Action == ActionUpgrade,
		Offline:  cfg.Offline,
	})
	if err != nil {
		if restoreErr := a.Module.Write(current); restoreErr != nil {
			return BuildResult{}, errors.Join(err, restoreErr)
		}
		return BuildResult{}, err
	}
	res.Path = path
	res.Description = desc
	return res, nil
}

func noChange(cfg Config) string {
	if cfg.Action == ActionRemove {
		return strings.Join(cfg.Packages, ", ") + " is not in the system configuration; nothing to do"
	}
	return strings.Join(cfg.Packages, ", ") + " is already in the system configuration; nothing to do"
}

// Apply switches the system profile to the built closure and activates it.
// An activation failure after the switch is reported as a ToolError with
// StateChanged set.
func (a *ProfileAPI) Apply(ctx context.Context, build BuildResult, mode Mode) (ApplyResult, error) {
	if build.Config.Scope != ScopeSystem {
		return ApplyResult{}, fmt.Errorf("%w: %s apply", ErrUnsupported, build.Config.Scope)
	}
	prev, err := a.System.Current()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res := ApplyResult{Previous: prev, Generation: prev}

	if build.Unchanged {
		res.Description = build.Description
		return res, nil
	}
	if build.Path == "" {
		if mode != DryRun {
			return res, fmt.Errorf("%w: nothing was built", ErrInvalidArgument)
		}
		res.Generation = prev + 1
		res.Description = fmt.Sprintf("%s; system generation %d would become %d", build.Description, prev, prev+1)
		return res, nil
	}
	if mode == DryRun {
		if err := a.Activator.Activate(ctx, build.Path, true); err != nil {
			return res, err
		}
		res.Description = "would activate " + build.Path
		return res, nil
	}

	n, err := a.System.Add(build.Path)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.Generation = n
	res.StateChanged = true
	res.Description = fmt.Sprintf("%s; switched system to generation %d", Describe(build.Config), n)

	if err := a.Activator.Activate(ctx, build.Path, false); err != nil {
		return res, markChanged(err)
	}
	return res, nil
}

func markChanged(err error) error {
	var te *ToolError
	if errors.As(err, &te) {
		te.StateChanged = true
		return te
	}
	return &ToolError{Command: "switch-to-configuration", ExitCode: -1, Stderr: err.Error(), StateChanged: true}
}

// ListGenerations lists the generations of scope.
func (a *ProfileAPI) ListGenerations(_ context.Context, scope Scope) ([]Generation, error) {
	p, err := a.profile(scope)
	if err != nil {
		return nil, err
	}
	gens, err := p.Generations()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return gens, nil
}

// Rollback switches scope to an earlier generation.
func (a *ProfileAPI) Rollback(ctx context.Context, scope Scope, generation int, mode Mode) (ApplyResult, error) {
	p, err := a.profile(scope)
	if err != nil {
		return ApplyResult{}, err
	}
	cur, err := p.Current()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	target := generation
	if target == 0 {
		if target, err = p.Previous(); err != nil {
			return ApplyResult{}, &ToolError{Command: "rollback", ExitCode: 1, Stderr: err.Error()}
		}
	} else if err := checkGeneration(target); err != nil {
		return ApplyResult{}, err
	}
	storePath, err := p.StorePath(target)
	if err != nil {
		return ApplyResult{}, &ToolError{Command: "rollback", ExitCode: 1, Stderr: fmt.Sprintf("generation %d does not exist", target)}
	}

	res := ApplyResult{Previous: cur, Generation: target}
	if mode == DryRun {
		res.Description = fmt.Sprintf("would switch %s from generation %d to %d", scope, cur, target)
		return res, nil
	}

	if err := p.Switch(target); err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res.StateChanged = true
	res.Description = fmt.Sprintf("switched %s from generation %d to %d", scope, cur, target)

	if scope == ScopeSystem {
		if err := a.Activator.Activate(ctx, storePath, false); err != nil {
			return res, markChanged(err)
		}
	}
	return res, nil
}

// Installed lists packages. For the system this is the managed module; for
// the user it is the profile manifest.
func (a *ProfileAPI) Installed(_ context.Context, scope Scope) ([]string, error) {
	if scope == ScopeSystem {
		return a.Module.Packages()
	}
	p, err := a.profile(scope)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(p.Path(), "manifest.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: profile has no manifest.json", ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return parseManifest(data)
}

// parseManifest reads package names from a nix profile manifest. Version 3
// keys elements by name; older versions list them with an attrPath.
func parseManifest(data []byte) ([]string, error) {
	var m struct {
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	var byName map[string]json.RawMessage
	if err := json.Unmarshal(m.Elements, &byName); err == nil {
		names := make([]string, 0, len(byName))
		for k := range byName {
			names = append(names, k)
		}
		return sortedUnique(names), nil
	}

	var list []struct {
		AttrPath string `json:"attrPath"`
	}
	if err := json.Unmarshal(m.Elements, &list); err != nil {
		return nil, fmt.Errorf("parse manifest elements: %w", err)
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		if e.AttrPath == "" {
			continue
		}
		parts := strings.Split(e.AttrPath, ".")
		names = append(names, parts[len(parts)-1])
	}
	return sortedUnique(names), nil
}

// Versions returns the tool versions recorded at construction.
func (a *ProfileAPI) Versions() map[string]string {
	return maps.Clone(a.versions)
}
