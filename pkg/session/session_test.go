package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/tier"
)

type staticSnapshots struct{ snap capability.Snapshot }

func (s staticSnapshots) Current() capability.Snapshot { return s.snap }

func (s staticSnapshots) Reprobe(context.Context) capability.Snapshot { return s.snap }

// scriptedExecutor answers per operation label; unlisted labels succeed.
type scriptedExecutor struct {
	mu       sync.Mutex
	results  map[string]engine.ExecutionResult
	executed []string
	modes    []engine.Mode
	tokens   []string
}

func (e *scriptedExecutor) Execute(_ context.Context, op engine.Operation, mode engine.Mode) engine.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, op.Label)
	e.modes = append(e.modes, mode)
	if res, ok := e.results[op.Label]; ok {
		res.Label = op.Label
		return res
	}
	return engine.ExecutionResult{Label: op.Label, Succeeded: true, Method: engine.MethodStructuredAPI, Tier: engine.TierStructuredAPI}
}

func (e *scriptedExecutor) Rollback(_ context.Context, token string, mode engine.Mode) engine.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = append(e.tokens, token)
	e.modes = append(e.modes, mode)
	return engine.ExecutionResult{Label: engine.LabelSystemRollback, Succeeded: true, Method: engine.MethodStructuredAPI, Tier: engine.TierStructuredAPI}
}

type fixedToken string

func (f fixedToken) LastRollbackToken(context.Context) (string, error) { return string(f), nil }

func rich() capability.Snapshot {
	return capability.Snapshot{
		HasStructuredAPI: true,
		HasCLIFallback:   true,
		Memory:           capability.MemoryHigh,
		CPUCores:         4,
		Network:          capability.NetworkDirect,
		Terminal:         capability.TerminalRich,
		ConfigWritable:   true,
	}
}

func newSession(t *testing.T, snap capability.Snapshot, exec Executor, opts ...Option) *Session {
	t.Helper()
	p := intent.NewPipeline(intent.MustDefaultTable(), intent.DefaultConfig())
	s, err := New(staticSnapshots{snap}, tier.NewSelector(), p, exec, Config{Mode: engine.DryRun}, opts...)
	require.NoError(t, err)
	return s
}

func TestHandleExactInstall(t *testing.T) {
	embedders := tier.MustChain(embedding.SubsystemEmbedding, tier.Tier[embedding.Embedder]{
		Name:        "const",
		Universal:   true,
		Instantiate: func() (embedding.Embedder, error) { return constEmbedder{}, nil },
	})
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec, WithEmbedders(embedders))

	resp, err := s.Handle(context.Background(), "please install firefox")
	require.NoError(t, err)

	assert.Equal(t, intent.TypeInstall, resp.Intent.Type)
	assert.Equal(t, "firefox", resp.Intent.Target)
	assert.False(t, resp.Clarify)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "declarative_add", resp.Chosen.Label)
	assert.True(t, resp.Succeeded())
	assert.Equal(t, []string{"declarative_add"}, exec.executed)
	assert.Equal(t, []engine.Mode{engine.DryRun}, exec.modes)
	assert.Equal(t, intent.TierFull, resp.Tiers[intent.SubsystemIntent])
	assert.Empty(t, resp.Disclosures, "top tiers are not disclosed")
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandleFallsThroughUnavailableOperations(t *testing.T) {
	unavailable := engine.ExecutionResult{
		Method: engine.MethodNone,
		Tier:   engine.TierNone,
		Error:  engine.NewUnavailableError("no execution tier", nil).WithTier(engine.TierNone),
	}
	exec := &scriptedExecutor{results: map[string]engine.ExecutionResult{
		"declarative_add": unavailable,
		"quick_install":   unavailable,
	}}
	snap := capability.Conservative()
	s := newSession(t, snap, exec)

	resp, err := s.Handle(context.Background(), "install firefox")
	require.NoError(t, err)

	assert.Equal(t, []string{"quick_install", "declarative_add", "show_instructions"}, exec.executed)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, engine.OpShowInstructions, resp.Chosen.Kind)
	assert.True(t, resp.Succeeded())
	assert.Len(t, resp.Attempts, 3)
	assert.Equal(t, intent.TierStandard, resp.Tiers[intent.SubsystemIntent])
	assert.Contains(t, resp.Disclosures, "intent: operating in reduced mode (standard)")
}

func TestHandleToolErrorSkipsToInstructions(t *testing.T) {
	exec := &scriptedExecutor{results: map[string]engine.ExecutionResult{
		"declarative_add": {
			Method: engine.MethodStructuredAPI,
			Tier:   engine.TierStructuredAPI,
			Error:  engine.NewToolError("attribute 'firefox' missing", nil).WithTier(engine.TierStructuredAPI),
		},
	}}
	s := newSession(t, rich(), exec)

	resp, err := s.Handle(context.Background(), "install firefox")
	require.NoError(t, err)

	assert.Equal(t, []string{"declarative_add", "show_instructions"}, exec.executed)
	require.Len(t, resp.Attempts, 2)
	assert.True(t, engine.IsTool(resp.Attempts[0].Error))
}

func TestHandleStopsOnRejection(t *testing.T) {
	exec := &scriptedExecutor{results: map[string]engine.ExecutionResult{
		"declarative_remove": {
			Error: engine.NewValidationError("nix is protected", nil).WithCode(engine.ErrCodePolicy),
		},
	}}
	s := newSession(t, rich(), exec)

	resp, err := s.Handle(context.Background(), "remove nix")
	require.NoError(t, err)

	assert.Equal(t, []string{"declarative_remove"}, exec.executed)
	assert.False(t, resp.Succeeded())
	require.NotNil(t, resp.Result)
	assert.True(t, engine.IsValidation(resp.Result.Error))
}

func TestHandleUnknownAsksForClarification(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec)

	resp, err := s.Handle(context.Background(), "fix my wifi")
	require.NoError(t, err)

	assert.True(t, resp.Clarify)
	assert.Equal(t, intent.TypeUnknown, resp.Intent.Type)
	assert.Equal(t, "fix my wifi", resp.Intent.RawText)
	assert.Empty(t, resp.Operations)
	assert.Nil(t, resp.Result)
	assert.Empty(t, exec.executed)
	assert.Nil(t, s.Pending().Alternates)
}

func TestHandleBareVerbAsks(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec)

	resp, err := s.Handle(context.Background(), "install")
	require.NoError(t, err)

	assert.True(t, resp.Clarify)
	assert.Nil(t, resp.Chosen)
	assert.Empty(t, exec.executed)
}

func TestTypoScenario(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec)

	resp, err := s.Handle(context.Background(), "instal fierfox")
	require.NoError(t, err)

	assert.Equal(t, intent.TypeInstall, resp.Intent.Type)
	assert.Equal(t, "firefox", resp.Intent.Target)
	assert.Less(t, resp.Intent.Confidence, 0.85)
	assert.False(t, resp.Clarify)
	require.NotEmpty(t, resp.Alternates)

	labels := make([]string, 0, len(resp.Operations))
	for _, op := range resp.Operations {
		labels = append(labels, op.Label)
	}
	assert.Equal(t, []string{"declarative_add", "quick_install", "show_instructions"}, labels)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "declarative_add", resp.Chosen.Label)
}

func TestPendingChoiceByNumber(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec)

	first, err := s.Handle(context.Background(), "instal fierfox")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(first.Alternates), 2)
	want := first.Alternates[1]

	second, err := s.Handle(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, want.Type, second.Intent.Type)
	assert.Equal(t, want.Target, second.Intent.Target)
	assert.Equal(t, intent.StageSession, second.Intent.Stage)
	assert.InDelta(t, 1.0, second.Intent.Confidence, 1e-9)
	assert.Equal(t, intent.StageSession, second.Tiers[intent.SubsystemIntent])

	// The choice is consumed: "2" on its own is now just text.
	third, err := s.Handle(context.Background(), "2")
	require.NoError(t, err)
	assert.NotEqual(t, intent.StageSession, third.Intent.Stage)
}

func TestOverrideForcesRulesTier(t *testing.T) {
	exec := &scriptedExecutor{}
	p := intent.NewPipeline(intent.MustDefaultTable(), intent.DefaultConfig())
	sel := tier.NewSelector(tier.WithOverrides(map[string]string{intent.SubsystemIntent: intent.TierRules}))
	s, err := New(staticSnapshots{rich()}, sel, p, exec, Config{})
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), "instal fierfox")
	require.NoError(t, err)
	assert.Equal(t, intent.TierRules, resp.Tiers[intent.SubsystemIntent])
	assert.Equal(t, intent.TypeUnknown, resp.Intent.Type)
	assert.True(t, resp.Clarify)
}

func TestDisclosureOncePerSession(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, capability.Conservative(), exec)

	first, err := s.Handle(context.Background(), "list generations")
	require.NoError(t, err)
	second, err := s.Handle(context.Background(), "list generations")
	require.NoError(t, err)

	assert.Equal(t, "intent: operating in reduced mode (standard)", first.Disclosure)
	assert.Empty(t, second.Disclosure)
}

type constEmbedder struct{ err error }

func (c constEmbedder) Name() string { return "const" }

func (c constEmbedder) Embed(context.Context, string) ([]float32, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []float32{1, 0, 0}, nil
}

func TestSemanticThroughEmbeddingChain(t *testing.T) {
	chain, err := tier.NewChain(embedding.SubsystemEmbedding,
		tier.Tier[embedding.Embedder]{
			Name:        "remote",
			Priority:    10,
			Requires:    func(capability.Snapshot) bool { return false },
			Instantiate: func() (embedding.Embedder, error) { return constEmbedder{}, nil },
		},
		tier.Tier[embedding.Embedder]{
			Name:        "broken",
			Universal:   true,
			Instantiate: func() (embedding.Embedder, error) { return constEmbedder{err: errors.New("down")}, nil },
		},
	)
	require.NoError(t, err)

	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec, WithEmbedders(chain))

	resp, err := s.Handle(context.Background(), "take the system back to yesterday")
	require.NoError(t, err)

	assert.Equal(t, intent.TierFull, resp.Tiers[intent.SubsystemIntent])
	assert.Contains(t, resp.Disclosures, "embedding: operating in reduced mode (broken)")
	assert.Contains(t, resp.Disclosures, "intent: semantic stage skipped (unavailable)")
}

func TestRollbackUsesLastToken(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec, WithTokens(fixedToken("gen-41")))

	resp, err := s.Rollback(context.Background(), "", engine.Apply)
	require.NoError(t, err)

	assert.Equal(t, []string{"gen-41"}, exec.tokens)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, engine.LabelSystemRollback, resp.Chosen.Label)
	assert.Equal(t, "41", resp.Chosen.Param(engine.ParamGeneration))
	assert.True(t, resp.Succeeded())
}

func TestRollbackWithoutToken(t *testing.T) {
	s := newSession(t, rich(), &scriptedExecutor{})
	_, err := s.Rollback(context.Background(), "", engine.Apply)
	assert.ErrorIs(t, err, ErrNoRollbackToken)

	s = newSession(t, rich(), &scriptedExecutor{}, WithTokens(fixedToken("")))
	_, err = s.Rollback(context.Background(), "", engine.Apply)
	assert.ErrorIs(t, err, ErrNoRollbackToken)
}

func TestAmbiguity(t *testing.T) {
	resp := Response{Clarify: true, Intent: intent.Intent{Alternates: []intent.Candidate{{Canonical: "install firefox"}}}}
	var amb *intent.AmbiguousIntentError
	require.ErrorAs(t, resp.Ambiguity(), &amb)
	assert.Contains(t, amb.Error(), "1) install firefox")
	assert.NoError(t, Response{}.Ambiguity())
}

// structuredDispatcher reports generation 42 as the one before each change.
type structuredDispatcher struct{}

func (structuredDispatcher) Method() engine.Method { return engine.MethodStructuredAPI }

func (structuredDispatcher) Mutate(_ context.Context, req engine.Request, _ engine.Mode, _ func(engine.Phase)) (engine.Outcome, error) {
	return engine.Outcome{Output: nixos.Describe(req.NixOSConfig()), StateChanged: true, Previous: 42}, nil
}

func (structuredDispatcher) Query(context.Context, engine.Request) (engine.Outcome, error) {
	return engine.Outcome{Output: "ok"}, nil
}

func TestTypoScenarioEndToEnd(t *testing.T) {
	snap := rich()
	holder := staticSnapshots{snap}
	sel := tier.NewSelector()
	chain, err := engine.NewExecutionChain(
		func() (nixos.API, error) { return nil, errors.New("unused") },
		func() (engine.CommandLine, error) { return nil, errors.New("unused") },
	)
	require.NoError(t, err)
	chain = tier.MustChain(engine.SubsystemExecution,
		tier.Tier[engine.Dispatcher]{
			Name:        engine.TierStructuredAPI,
			Priority:    30,
			Requires:    func(s capability.Snapshot) bool { return s.HasStructuredAPI },
			Instantiate: func() (engine.Dispatcher, error) { return structuredDispatcher{}, nil },
		},
		chain.Tiers()[len(chain.Tiers())-1],
	)
	backend := engine.NewBackend(holder, sel, chain, engine.DefaultConfig(),
		engine.WithLocker(engine.FileLock{Path: filepath.Join(t.TempDir(), "nixh.lock")}))

	p := intent.NewPipeline(intent.MustDefaultTable(), intent.DefaultConfig())
	s, err := New(holder, sel, p, backend, Config{Mode: engine.Apply})
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), "instal fierfox")
	require.NoError(t, err)

	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Succeeded)
	assert.Equal(t, engine.MethodStructuredAPI, resp.Result.Method)
	assert.Equal(t, "gen-42", resp.Result.RollbackToken)
	assert.Equal(t, "declarative_add", resp.Chosen.Label)
}

func TestExplainDoesNotExecute(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, rich(), exec)

	resp, err := s.Explain(context.Background(), "remove vlc")
	require.NoError(t, err)

	assert.Equal(t, intent.TypeRemove, resp.Intent.Type)
	require.Len(t, resp.Operations, 3)
	assert.Equal(t, "declarative_remove", resp.Operations[0].Label)
	assert.Nil(t, resp.Result)
	assert.Empty(t, resp.Attempts)
	assert.Empty(t, exec.executed)
	assert.Equal(t, engine.DryRun, resp.Mode)
}

func TestHandleIntentSkipsRecognition(t *testing.T) {
	exec := &scriptedExecutor{}
	s := newSession(t, capability.Conservative(), exec)

	in := intent.Intent{Type: intent.TypeQuery, Target: intent.QueryGenerations, Confidence: 1, Stage: intent.StageSession}
	resp, err := s.HandleIntent(context.Background(), in, engine.Apply)
	require.NoError(t, err)

	require.Len(t, resp.Operations, 1)
	assert.Equal(t, engine.OpQueryState, resp.Operations[0].Kind)
	assert.Len(t, exec.executed, 1)
	assert.Equal(t, []engine.Mode{engine.Apply}, exec.modes)
	assert.Empty(t, resp.Tiers[intent.SubsystemIntent], "no intent tier was selected")
	assert.Empty(t, resp.Disclosures)
}
