package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/tier"
)

type stubAPI struct {
	gens      []nixos.Generation
	buildErr  error
	applyErr  error
	built     []nixos.Config
	applied   []Mode
	rolledTo  []int
	installed []string
}

func (a *stubAPI) Build(_ context.Context, cfg nixos.Config, mode Mode) (nixos.BuildResult, error) {
	a.built = append(a.built, cfg)
	if a.buildErr != nil {
		return nixos.BuildResult{}, a.buildErr
	}
	res := nixos.BuildResult{Config: cfg, Description: "would add " + cfg.Packages[0]}
	if mode == Apply {
		res.Path = "/nix/store/abc-user-env"
	}
	return res, nil
}

func (a *stubAPI) Apply(_ context.Context, build nixos.BuildResult, mode Mode) (nixos.ApplyResult, error) {
	a.applied = append(a.applied, mode)
	if a.applyErr != nil {
		return nixos.ApplyResult{}, a.applyErr
	}
	return nixos.ApplyResult{Description: build.Description, StateChanged: mode == Apply}, nil
}

func (a *stubAPI) ListGenerations(context.Context, nixos.Scope) ([]nixos.Generation, error) {
	return a.gens, nil
}

func (a *stubAPI) Rollback(_ context.Context, _ nixos.Scope, generation int, mode Mode) (nixos.ApplyResult, error) {
	a.rolledTo = append(a.rolledTo, generation)
	return nixos.ApplyResult{Description: "rolled back", StateChanged: mode == Apply, Previous: 5, Generation: generation}, nil
}

func (a *stubAPI) Installed(context.Context, nixos.Scope) ([]string, error) {
	return a.installed, nil
}

func (a *stubAPI) Versions() map[string]string {
	return map[string]string{"nixos": "24.05"}
}

type stubCLI struct {
	user, system, rollback int
	hits                   []nixos.SearchHit
}

func (c *stubCLI) UserChange(context.Context, nixos.Config, Mode) (nixos.ApplyResult, error) {
	c.user++
	return nixos.ApplyResult{Description: "user change"}, nil
}

func (c *stubCLI) SystemChange(context.Context, nixos.Config, Mode) (nixos.ApplyResult, error) {
	c.system++
	return nixos.ApplyResult{Description: "system change"}, nil
}

func (c *stubCLI) Rollback(context.Context, nixos.Scope, int, Mode) (nixos.ApplyResult, error) {
	c.rollback++
	return nixos.ApplyResult{Description: "rollback"}, nil
}

func (c *stubCLI) ListGenerations(context.Context, nixos.Scope) ([]nixos.Generation, error) {
	return []nixos.Generation{{Number: 12, Current: true}}, nil
}

func (c *stubCLI) Search(context.Context, string, bool) ([]nixos.SearchHit, error) {
	return c.hits, nil
}

func (c *stubCLI) Installed(context.Context, nixos.Scope) ([]string, error) {
	return []string{"git", "vim"}, nil
}

func (c *stubCLI) Version(context.Context) (string, error) {
	return "24.05.1234 (Uakari)", nil
}

func addRequest(scope nixos.Scope) Request {
	return Request{Kind: OpMutateConfig, Label: "x", Action: ActionAdd, Package: "htop", Scope: scope, Reversible: true}
}

func TestStructuredMutate(t *testing.T) {
	api := &stubAPI{gens: []nixos.Generation{{Number: 7}, {Number: 8, Current: true}}}
	d := &StructuredDispatcher{API: api}

	var phases []Phase
	out, err := d.Mutate(context.Background(), addRequest(nixos.ScopeSystem), Apply, func(p Phase) { phases = append(phases, p) })

	require.NoError(t, err)
	assert.Equal(t, 8, out.Previous)
	assert.True(t, out.StateChanged)
	assert.Equal(t, []Phase{PhaseBuilding, PhaseActivating}, phases)
	require.Len(t, api.built, 1)
	assert.Equal(t, []string{"htop"}, api.built[0].Packages)
	assert.Equal(t, nixos.ActionAdd, api.built[0].Action)
}

func TestStructuredMutateActivationFailure(t *testing.T) {
	api := &stubAPI{applyErr: &nixos.ToolError{Command: "switch-to-configuration", ExitCode: 1}}
	d := &StructuredDispatcher{API: api}

	out, err := d.Mutate(context.Background(), addRequest(nixos.ScopeSystem), Apply, func(Phase) {})
	require.Error(t, err)
	assert.True(t, out.StateChanged)

	out, err = d.Mutate(context.Background(), addRequest(nixos.ScopeSystem), DryRun, func(Phase) {})
	require.Error(t, err)
	assert.False(t, out.StateChanged, "nothing is written in a dry run")
}

func TestStructuredRollback(t *testing.T) {
	api := &stubAPI{}
	d := &StructuredDispatcher{API: api}
	req := Request{Kind: OpMutateConfig, Action: ActionRollback, Scope: nixos.ScopeUser, Generation: 3}

	out, err := d.Mutate(context.Background(), req, DryRun, func(Phase) {})

	require.NoError(t, err)
	assert.Equal(t, []int{3}, api.rolledTo)
	assert.Empty(t, api.built)
	assert.Equal(t, 5, out.Previous)
}

func TestStructuredQueries(t *testing.T) {
	api := &stubAPI{
		gens:      []nixos.Generation{{Number: 1, Created: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)}, {Number: 2, Current: true, Created: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)}},
		installed: []string{"firefox", "git"},
	}
	d := &StructuredDispatcher{API: api}

	out, err := d.Query(context.Background(), Request{Query: QueryGenerations})
	require.NoError(t, err)
	assert.Contains(t, out.Output, "2024-06-01 09:30   (current)")

	out, err = d.Query(context.Background(), Request{Query: QueryInstalled})
	require.NoError(t, err)
	assert.Equal(t, "firefox\ngit", out.Output)

	out, err = d.Query(context.Background(), Request{Query: QueryStatus})
	require.NoError(t, err)
	assert.Equal(t, "nixos 24.05\nsystem generation 2", out.Output)

	_, err = d.Query(context.Background(), Request{Query: QuerySearch, Package: "vim"})
	assert.ErrorIs(t, err, nixos.ErrUnsupported)
}

func TestSubprocessRoutes(t *testing.T) {
	cli := &stubCLI{hits: []nixos.SearchHit{{Name: "firefox", Version: "128.0", Description: "Web browser"}}}
	d := &SubprocessDispatcher{CLI: cli}
	ctx := context.Background()

	_, err := d.Mutate(ctx, addRequest(nixos.ScopeUser), DryRun, func(Phase) {})
	require.NoError(t, err)
	_, err = d.Mutate(ctx, addRequest(nixos.ScopeSystem), DryRun, func(Phase) {})
	require.NoError(t, err)
	_, err = d.Mutate(ctx, Request{Action: ActionRollback, Scope: nixos.ScopeUser}, DryRun, func(Phase) {})
	require.NoError(t, err)
	assert.Equal(t, 1, cli.user)
	assert.Equal(t, 1, cli.system)
	assert.Equal(t, 1, cli.rollback)

	out, err := d.Query(ctx, Request{Query: QuerySearch, Package: "firefox"})
	require.NoError(t, err)
	assert.Equal(t, "firefox 128.0 - Web browser", out.Output)

	out, err = d.Query(ctx, Request{Query: QueryStatus})
	require.NoError(t, err)
	assert.Equal(t, "nixos 24.05.1234 (Uakari)\nsystem generation 12", out.Output)

	cli.hits = nil
	out, err = d.Query(ctx, Request{Query: QuerySearch, Package: "zzz"})
	require.NoError(t, err)
	assert.Equal(t, `no packages match "zzz"`, out.Output)
}

func TestNoneDispatcher(t *testing.T) {
	_, err := NoneDispatcher{}.Query(context.Background(), Request{Query: QueryStatus})
	var rec *ErrorRecord
	require.True(t, errors.As(err, &rec))
	assert.Equal(t, KindUnavailable, rec.Kind)
	assert.Equal(t, ErrCodeNoTier, rec.Code)
}

func TestExecutionChainFallsThroughOnOpenFailure(t *testing.T) {
	chain, err := NewExecutionChain(
		func() (nixos.API, error) { return nil, nixos.ErrUnavailable },
		func() (CommandLine, error) { return &stubCLI{}, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{TierStructuredAPI, TierSubprocess, TierNone}, chain.Names())

	snap := capability.Conservative()
	snap.HasStructuredAPI = true
	snap.HasCLIFallback = true
	sel, err := tier.Select(tier.NewSelector(), chain, snap)
	require.NoError(t, err)
	assert.Equal(t, TierSubprocess, sel.Tier)
	assert.Equal(t, MethodSubprocess, sel.Handle.Method())
}

func TestInstructions(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"declarative add", Request{Action: ActionAdd, Package: "htop", Style: StyleDeclarative}, "environment.systemPackages"},
		{"quick add", Request{Action: ActionAdd, Package: "htop", Style: StyleQuick}, "nix-env -iA nixos.htop"},
		{"system rollback", Request{Action: ActionRollback, Scope: nixos.ScopeSystem}, "nixos-rebuild switch --rollback"},
		{"user rollback to", Request{Action: ActionRollback, Scope: nixos.ScopeUser, Generation: 4}, "nix-env --switch-generation 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Instructions(tt.req)
			assert.Contains(t, got, "To do this by hand")
			assert.Contains(t, got, tt.want)
		})
	}
}
