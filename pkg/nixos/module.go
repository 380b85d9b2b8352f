package nixos

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultModulePath is the package module nixh owns. configuration.nix is
// expected to import it.
const DefaultModulePath = "/etc/nixos/nixh-packages.nix"

const moduleHeader = `# Managed by nixh. Edits outside the package list are overwritten.
# Import this file from configuration.nix.
{ pkgs, ... }:
{
  environment.systemPackages = with pkgs; [
`

const moduleFooter = `  ];
}
`

// Module is the nixh-managed declarative package list.
type Module struct {
	Path string
}

// Packages reads the package list. A missing file is an empty list.
func (m Module) Packages() ([]string, error) {
	data, err := os.ReadFile(m.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read managed module: %w", err)
	}
	return parseModule(data)
}

func parseModule(data []byte) ([]string, error) {
	var pkgs []string
	inList := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch {
		case !inList && strings.HasSuffix(line, "["):
			inList = true
		case inList && strings.HasPrefix(line, "]"):
			return pkgs, nil
		case inList && line != "":
			for _, f := range strings.Fields(line) {
				if !ValidPackage(f) {
					return nil, fmt.Errorf("managed module: unexpected entry %q", f)
				}
				pkgs = append(pkgs, f)
			}
		}
	}
	if inList {
		return nil, errors.New("managed module: unterminated package list")
	}
	return pkgs, nil
}

// Render produces the module text for pkgs.
func Render(pkgs []string) []byte {
	var b bytes.Buffer
	b.WriteString(moduleHeader)
	for _, p := range pkgs {
		b.WriteString("    ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString(moduleFooter)
	return b.Bytes()
}

// Write replaces the module atomically.
func (m Module) Write(pkgs []string) error {
	dir := filepath.Dir(m.Path)
	tmp, err := os.CreateTemp(dir, ".nixh-packages-*.nix")
	if err != nil {
		return fmt.Errorf("write managed module: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Render(pkgs)); err != nil {
		tmp.Close()
		return fmt.Errorf("write managed module: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write managed module: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write managed module: %w", err)
	}
	return os.Rename(tmp.Name(), m.Path)
}

// ApplyAction returns the package set after action. The input is not modified
// and the result is sorted. It reports whether anything changed.
func ApplyAction(current []string, action Action, pkgs []string) ([]string, bool) {
	out := slices.Clone(current)
	changed := false
	switch action {
	case ActionAdd:
		for _, p := range pkgs {
			if !slices.Contains(out, p) {
				out = append(out, p)
				changed = true
			}
		}
	case ActionRemove:
		out = slices.DeleteFunc(out, func(s string) bool {
			if slices.Contains(pkgs, s) {
				changed = true
				return true
			}
			return false
		})
	case ActionUpgrade:
		// The set is unchanged; the rebuild picks up newer versions.
		changed = true
	}
	slices.Sort(out)
	return out, changed
}

// Describe renders a one-line summary of a package set change.
func Describe(cfg Config) string {
	target := "all packages"
	if len(cfg.Packages) > 0 {
		target = strings.Join(cfg.Packages, ", ")
	}
	where := "your user profile"
	if cfg.Scope == ScopeSystem {
		where = "the system configuration"
	}
	switch cfg.Action {
	case ActionAdd:
		return fmt.Sprintf("add %s to %s", target, where)
	case ActionRemove:
		return fmt.Sprintf("remove %s from %s", target, where)
	default:
		return fmt.Sprintf("upgrade %s in %s", target, where)
	}
}
