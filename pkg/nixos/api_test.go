package nixos

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRealiser struct {
	path  string
	err   error
	calls []BuildRequest
}

func (f *fakeRealiser) Realise(_ context.Context, req BuildRequest) (string, string, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", "", f.err
	}
	return f.path, "built " + filepath.Base(f.path), nil
}

type fakeActivator struct {
	err   error
	calls []string
}

func (f *fakeActivator) Activate(_ context.Context, storePath string, dryRun bool) error {
	mode := "switch"
	if dryRun {
		mode = "dry-activate"
	}
	f.calls = append(f.calls, mode+" "+storePath)
	return f.err
}

// newTestAPI lays out a system profile with generations 1 and 2, 2 current.
func newTestAPI(t *testing.T) (*ProfileAPI, *fakeRealiser, *fakeActivator, string) {
	t.Helper()
	root := t.TempDir()
	profiles := filepath.Join(root, "profiles")
	require.NoError(t, os.Mkdir(profiles, 0o755))
	require.NoError(t, os.Symlink("/nix/store/aaa-nixos-system-1", filepath.Join(profiles, "system-1-link")))
	require.NoError(t, os.Symlink("/nix/store/bbb-nixos-system-2", filepath.Join(profiles, "system-2-link")))
	require.NoError(t, os.Symlink("system-2-link", filepath.Join(profiles, "system")))

	modulePath := filepath.Join(root, "nixh-packages.nix")
	require.NoError(t, os.WriteFile(modulePath, Render([]string{"git", "vim"}), 0o644))

	realiser := &fakeRealiser{path: "/nix/store/ccc-nixos-system-3"}
	activator := &fakeActivator{}
	api, err := NewProfileAPI(ProfileAPIConfig{
		ProfilesDir: profiles,
		ModulePath:  modulePath,
		Versions:    map[string]string{"nix": "2.18.1"},
	}, realiser, activator)
	require.NoError(t, err)
	return api, realiser, activator, root
}

// snapshotTree records every entry name, link target and file content.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, _ := os.Readlink(path)
			out[rel] = "-> " + target
		case info.Mode().IsRegular():
			data, _ := os.ReadFile(path)
			out[rel] = string(data)
		default:
			out[rel] = "dir"
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestNewProfileAPIUnavailable(t *testing.T) {
	_, err := NewProfileAPI(ProfileAPIConfig{ProfilesDir: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProfileAPIDryRunChangesNothing(t *testing.T) {
	api, realiser, activator, root := newTestAPI(t)
	before := snapshotTree(t, root)

	ctx := context.Background()
	cfg := Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"firefox"}}
	build, err := api.Build(ctx, cfg, DryRun)
	require.NoError(t, err)
	assert.Empty(t, build.Path)
	assert.Equal(t, []string{"firefox", "git", "vim"}, build.Packages)

	res, err := api.Apply(ctx, build, DryRun)
	require.NoError(t, err)
	assert.False(t, res.StateChanged)
	assert.Equal(t, 2, res.Previous)
	assert.Equal(t, 3, res.Generation)
	assert.Contains(t, res.Description, "would become 3")

	rb, err := api.Rollback(ctx, ScopeSystem, 0, DryRun)
	require.NoError(t, err)
	assert.Equal(t, 1, rb.Generation)
	assert.False(t, rb.StateChanged)

	assert.Equal(t, before, snapshotTree(t, root))
	assert.Empty(t, realiser.calls)
	assert.Empty(t, activator.calls)
}

func TestProfileAPIApplyAddsGeneration(t *testing.T) {
	api, realiser, activator, _ := newTestAPI(t)
	ctx := context.Background()

	build, err := api.Build(ctx, Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"firefox"}}, Apply)
	require.NoError(t, err)
	require.Len(t, realiser.calls, 1)
	assert.Equal(t, []string{"firefox", "git", "vim"}, realiser.calls[0].Packages)

	pkgs, err := api.Installed(ctx, ScopeSystem)
	require.NoError(t, err)
	assert.Equal(t, []string{"firefox", "git", "vim"}, pkgs)

	res, err := api.Apply(ctx, build, Apply)
	require.NoError(t, err)
	assert.True(t, res.StateChanged)
	assert.Equal(t, 3, res.Generation)
	assert.Equal(t, []string{"switch /nix/store/ccc-nixos-system-3"}, activator.calls)

	cur, err := api.System.Current()
	require.NoError(t, err)
	assert.Equal(t, 3, cur)

	gens, err := api.ListGenerations(ctx, ScopeSystem)
	require.NoError(t, err)
	require.Len(t, gens, 3)
	assert.True(t, gens[2].Current)
}

func TestProfileAPIAlreadyInstalled(t *testing.T) {
	api, realiser, _, _ := newTestAPI(t)
	build, err := api.Build(context.Background(), Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"git"}}, Apply)
	require.NoError(t, err)
	assert.True(t, build.Unchanged)
	assert.Empty(t, realiser.calls)

	res, err := api.Apply(context.Background(), build, Apply)
	require.NoError(t, err)
	assert.False(t, res.StateChanged)
	assert.Contains(t, res.Description, "nothing to do")
}

func TestProfileAPIRealiseFailureRestoresModule(t *testing.T) {
	api, realiser, _, _ := newTestAPI(t)
	realiser.err = &ToolError{Command: "nix-build", ExitCode: 1, Stderr: "attribute 'nosuch' missing"}

	_, err := api.Build(context.Background(), Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"nosuch"}}, Apply)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.StateChanged)

	pkgs, err := api.Module.Packages()
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "vim"}, pkgs)
}

func TestProfileAPIActivationFailureMarksStateChanged(t *testing.T) {
	api, _, activator, _ := newTestAPI(t)
	activator.err = errors.New("unit failed")
	ctx := context.Background()

	build, err := api.Build(ctx, Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"htop"}}, Apply)
	require.NoError(t, err)
	res, err := api.Apply(ctx, build, Apply)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.StateChanged)
	assert.True(t, res.StateChanged)
}

func TestProfileAPIUserScopeUnsupported(t *testing.T) {
	api, _, _, _ := newTestAPI(t)
	_, err := api.Build(context.Background(), Config{Scope: ScopeUser, Action: ActionAdd, Packages: []string{"hello"}}, DryRun)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = api.ListGenerations(context.Background(), ScopeUser)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestProfileAPIRejectsBadPackage(t *testing.T) {
	api, realiser, _, _ := newTestAPI(t)
	_, err := api.Build(context.Background(), Config{Scope: ScopeSystem, Action: ActionAdd, Packages: []string{"foo; rm -rf /"}}, Apply)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, realiser.calls)
}

func TestProfileAPIRollback(t *testing.T) {
	api, _, activator, _ := newTestAPI(t)

	res, err := api.Rollback(context.Background(), ScopeSystem, 1, Apply)
	require.NoError(t, err)
	assert.True(t, res.StateChanged)
	assert.Equal(t, 2, res.Previous)
	assert.Equal(t, 1, res.Generation)
	assert.Equal(t, []string{"switch /nix/store/aaa-nixos-system-1"}, activator.calls)

	_, err = api.Rollback(context.Background(), ScopeSystem, 0, Apply)
	var te *ToolError
	assert.ErrorAs(t, err, &te, "no generation before 1")

	_, err = api.Rollback(context.Background(), ScopeSystem, 9, Apply)
	assert.ErrorAs(t, err, &te)
}

func TestParseManifest(t *testing.T) {
	v3 := []byte(`{"version":3,"elements":{"ripgrep":{},"hello":{},"bat":{}}}`)
	names, err := parseManifest(v3)
	require.NoError(t, err)
	assert.Equal(t, []string{"bat", "hello", "ripgrep"}, names)

	v2 := []byte(`{"version":2,"elements":[{"attrPath":"legacyPackages.x86_64-linux.hello"},{"attrPath":""}]}`)
	names, err = parseManifest(v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, names)

	_, err = parseManifest([]byte(`not json`))
	assert.Error(t, err)
}

func TestModuleRoundTrip(t *testing.T) {
	m := Module{Path: filepath.Join(t.TempDir(), "pkgs.nix")}

	pkgs, err := m.Packages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	require.NoError(t, m.Write([]string{"firefox", "git"}))
	pkgs, err = m.Packages()
	require.NoError(t, err)
	assert.Equal(t, []string{"firefox", "git"}, pkgs)

	_, err = parseModule([]byte("{\n  environment.systemPackages = [\n    hello\n"))
	assert.Error(t, err)
}

func TestApplyAction(t *testing.T) {
	cur := []string{"vim", "git"}

	next, changed := ApplyAction(cur, ActionAdd, []string{"git"})
	assert.False(t, changed)
	assert.Equal(t, []string{"git", "vim"}, next)

	next, changed = ApplyAction(cur, ActionRemove, []string{"vim"})
	assert.True(t, changed)
	assert.Equal(t, []string{"git"}, next)

	_, changed = ApplyAction(cur, ActionRemove, []string{"emacs"})
	assert.False(t, changed)

	_, changed = ApplyAction(cur, ActionUpgrade, nil)
	assert.True(t, changed)
	assert.Equal(t, []string{"vim", "git"}, cur)
}

func TestProfileGenerations(t *testing.T) {
	dir := t.TempDir()
	p := Profile{Dir: dir, Name: "per-user"}
	for _, n := range []string{"per-user-10-link", "per-user-2-link", "per-user-x-link", "other-1-link"} {
		require.NoError(t, os.Symlink("/nix/store/x", filepath.Join(dir, n)))
	}
	require.NoError(t, p.Switch(10))

	gens, err := p.Generations()
	require.NoError(t, err)
	nums := make([]int, 0, len(gens))
	for _, g := range gens {
		nums = append(nums, g.Number)
	}
	assert.True(t, sort.IntsAreSorted(nums))
	assert.Equal(t, []int{2, 10}, nums)

	prev, err := p.Previous()
	require.NoError(t, err)
	assert.Equal(t, 2, prev)

	next, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, 11, next)
}
