package engine

import (
	"fmt"
	"strings"

	"github.com/nixh/nixh/pkg/nixos"
)

// Instructions renders the manual steps for req. It never touches the
// system, which is why show_instructions always succeeds.
func Instructions(req Request) string {
	pkg := req.Package
	if pkg == "" {
		pkg = "<package>"
	}

	var steps []string
	switch {
	case req.Action == ActionRollback && req.Scope == nixos.ScopeSystem:
		if req.Generation > 0 {
			steps = []string{
				fmt.Sprintf("sudo nix-env -p /nix/var/nix/profiles/system --switch-generation %d", req.Generation),
				"sudo /nix/var/nix/profiles/system/bin/switch-to-configuration switch",
			}
		} else {
			steps = []string{"sudo nixos-rebuild switch --rollback"}
		}
	case req.Action == ActionRollback:
		if req.Generation > 0 {
			steps = []string{fmt.Sprintf("nix-env --switch-generation %d", req.Generation)}
		} else {
			steps = []string{"nix-env --rollback"}
		}
	case req.Action == ActionAdd && req.Style == StyleDeclarative:
		steps = []string{
			fmt.Sprintf("Add %s to environment.systemPackages in /etc/nixos/configuration.nix", pkg),
			"sudo nixos-rebuild switch",
		}
	case req.Action == ActionRemove && req.Style == StyleDeclarative:
		steps = []string{
			fmt.Sprintf("Remove %s from environment.systemPackages in /etc/nixos/configuration.nix", pkg),
			"sudo nixos-rebuild switch",
		}
	case req.Action == ActionUpgrade && req.Style == StyleDeclarative:
		steps = []string{"sudo nixos-rebuild switch --upgrade"}
	case req.Action == ActionAdd:
		steps = []string{"nix-env -iA nixos." + pkg}
	case req.Action == ActionRemove:
		steps = []string{"nix-env -e " + pkg}
	case req.Action == ActionUpgrade:
		if req.Package != "" {
			steps = []string{"nix-env -u " + pkg}
		} else {
			steps = []string{"nix-channel --update", "nix-env -u"}
		}
	case req.Action == ActionSearch || req.Query == QuerySearch:
		steps = []string{"nix search nixpkgs " + pkg, "or browse https://search.nixos.org/packages"}
	case req.Query == QueryGenerations:
		steps = []string{"nix-env --list-generations -p /nix/var/nix/profiles/system"}
	case req.Query == QueryInstalled:
		steps = []string{"nix-env -q"}
	case req.Query == QueryStatus:
		steps = []string{"nixos-version"}
	default:
		return "See the NixOS manual: https://nixos.org/manual/nixos/stable/"
	}

	var b strings.Builder
	b.WriteString("To do this by hand:\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
	}
	return strings.TrimRight(b.String(), "\n")
}
