package nixos

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Profile is a Nix profile: a symlink Dir/Name pointing at Name-<n>-link,
// which in turn points into the store.
type Profile struct {
	Dir  string
	Name string
}

// Path is the profile symlink itself.
func (p Profile) Path() string {
	return filepath.Join(p.Dir, p.Name)
}

func (p Profile) linkName(n int) string {
	return fmt.Sprintf("%s-%d-link", p.Name, n)
}

// Generations lists generations in ascending order.
func (p Profile) Generations() ([]Generation, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	current, _ := p.Current()
	prefix := p.Name + "-"

	var gens []Generation
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, "-link") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), "-link"))
		if err != nil || n <= 0 {
			continue
		}
		info, err := os.Lstat(filepath.Join(p.Dir, name))
		if err != nil {
			continue
		}
		gens = append(gens, Generation{Number: n, Created: info.ModTime(), Current: n == current})
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Number < gens[j].Number })
	return gens, nil
}

// Current returns the generation the profile symlink points at.
func (p Profile) Current() (int, error) {
	target, err := os.Readlink(p.Path())
	if err != nil {
		return 0, fmt.Errorf("read profile link: %w", err)
	}
	base := filepath.Base(target)
	prefix := p.Name + "-"
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, "-link") {
		return 0, fmt.Errorf("profile link %s points at unexpected %s", p.Path(), target)
	}
	return strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, prefix), "-link"))
}

// StorePath resolves generation n to its store path.
func (p Profile) StorePath(n int) (string, error) {
	return os.Readlink(filepath.Join(p.Dir, p.linkName(n)))
}

// Next is the number a new generation would get.
func (p Profile) Next() (int, error) {
	gens, err := p.Generations()
	if err != nil {
		return 0, err
	}
	if len(gens) == 0 {
		return 1, nil
	}
	return gens[len(gens)-1].Number + 1, nil
}

// Add creates a new generation for storePath and switches to it.
func (p Profile) Add(storePath string) (int, error) {
	n, err := p.Next()
	if err != nil {
		return 0, err
	}
	if err := os.Symlink(storePath, filepath.Join(p.Dir, p.linkName(n))); err != nil {
		return 0, fmt.Errorf("create generation link: %w", err)
	}
	if err := p.Switch(n); err != nil {
		return 0, err
	}
	return n, nil
}

// Switch atomically points the profile at generation n.
func (p Profile) Switch(n int) error {
	if _, err := os.Lstat(filepath.Join(p.Dir, p.linkName(n))); err != nil {
		return fmt.Errorf("generation %d: %w", n, err)
	}
	tmp := filepath.Join(p.Dir, fmt.Sprintf(".%s-switch-%d", p.Name, os.Getpid()))
	_ = os.Remove(tmp)
	if err := os.Symlink(p.linkName(n), tmp); err != nil {
		return fmt.Errorf("create profile link: %w", err)
	}
	if err := os.Rename(tmp, p.Path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("switch profile: %w", err)
	}
	return nil
}

// Previous returns the highest generation below the current one.
func (p Profile) Previous() (int, error) {
	current, err := p.Current()
	if err != nil {
		return 0, err
	}
	gens, err := p.Generations()
	if err != nil {
		return 0, err
	}
	prev := 0
	for _, g := range gens {
		if g.Number < current {
			prev = g.Number
		}
	}
	if prev == 0 {
		return 0, fmt.Errorf("no generation before %d", current)
	}
	return prev, nil
}
