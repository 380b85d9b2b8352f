package nixos

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// BuildRequest asks a Realiser for a closure.
type BuildRequest struct {
	Scope Scope

	// Packages is the complete package set for the scope.
	Packages []string

	DryRun  bool
	Upgrade bool
	Offline bool
}

// Realiser turns a package set into a store path. In DryRun it only reports
// what would be built.
type Realiser interface {
	Realise(ctx context.Context, req BuildRequest) (path string, description string, err error)
}

// Activator makes a realised system closure live.
type Activator interface {
	Activate(ctx context.Context, storePath string, dryRun bool) error
}

// NixRealiser realises closures with nix-build through a Runner.
type NixRealiser struct {
	Runner Runner

	// NixOSConfig is the configuration.nix path passed to <nixpkgs/nixos>.
	NixOSConfig string
}

// Realise builds the system toplevel or a user environment.
func (r NixRealiser) Realise(ctx context.Context, req BuildRequest) (string, string, error) {
	if err := checkPackagesAllowEmpty(req.Packages); err != nil {
		return "", "", err
	}

	if req.Upgrade && !req.DryRun {
		if _, err := r.Runner.Run(ctx, []string{"nix-channel", "--update"}); err != nil {
			return "", "", err
		}
	}

	var argv []string
	switch req.Scope {
	case ScopeSystem:
		argv = []string{"nix-build", "<nixpkgs/nixos>", "-A", "system", "--no-out-link",
			"-I", "nixos-config=" + r.nixosConfig()}
	case ScopeUser:
		argv = []string{"nix-build", "--no-out-link", "-E", userEnvExpr(req.Packages)}
	default:
		return "", "", fmt.Errorf("%w: scope %q", ErrInvalidArgument, req.Scope)
	}
	if req.DryRun {
		argv = append(argv, "--dry-run")
	}
	if req.Offline {
		argv = append(argv, "--option", "substitute", "false")
	}

	out, err := r.Runner.Run(ctx, argv)
	if err != nil {
		return "", "", err
	}
	if req.DryRun {
		return "", strings.TrimSpace(string(out.Stderr)), nil
	}
	path := strings.TrimSpace(string(out.Stdout))
	if !strings.HasPrefix(path, "/nix/store/") {
		return "", "", &ToolError{Command: "nix-build", Stderr: "unexpected output " + path}
	}
	return path, "built " + filepath.Base(path), nil
}

func (r NixRealiser) nixosConfig() string {
	if r.NixOSConfig != "" {
		return r.NixOSConfig
	}
	return "/etc/nixos/configuration.nix"
}

// userEnvExpr builds a buildEnv expression. Package names are validated
// before they reach here, so they are plain attribute names.
func userEnvExpr(pkgs []string) string {
	return fmt.Sprintf("with import <nixpkgs> {}; buildEnv { name = \"user-environment\"; paths = [ %s ]; }",
		strings.Join(pkgs, " "))
}

func checkPackagesAllowEmpty(names []string) error {
	if len(names) == 0 {
		return nil
	}
	return checkPackages(names)
}

// SwitchActivator runs switch-to-configuration from the new closure.
type SwitchActivator struct {
	Runner Runner
}

// Activate runs "switch" or, in dry-run, "dry-activate".
func (a SwitchActivator) Activate(ctx context.Context, storePath string, dryRun bool) error {
	if !strings.HasPrefix(storePath, "/nix/") {
		return fmt.Errorf("%w: store path %q", ErrInvalidArgument, storePath)
	}
	action := "switch"
	if dryRun {
		action = "dry-activate"
	}
	_, err := a.Runner.Run(ctx, []string{filepath.Join(storePath, "bin", "switch-to-configuration"), action})
	return err
}
