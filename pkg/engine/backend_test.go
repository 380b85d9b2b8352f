package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/nixos"
	"github.com/nixh/nixh/pkg/tier"
)

type fakeHolder struct {
	mu       sync.Mutex
	snap     capability.Snapshot
	reprobes int
}

func (h *fakeHolder) Current() capability.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

func (h *fakeHolder) Reprobe(context.Context) capability.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reprobes++
	h.snap.Generation++
	return h.snap
}

func (h *fakeHolder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reprobes
}

type fakeDispatcher struct {
	method Method
	mutate func(ctx context.Context, req Request, mode Mode, phase func(Phase)) (Outcome, error)
	query  func(ctx context.Context, req Request) (Outcome, error)

	mu    sync.Mutex
	modes []Mode
	reqs  []Request
}

func (d *fakeDispatcher) Method() Method { return d.method }

func (d *fakeDispatcher) Mutate(ctx context.Context, req Request, mode Mode, phase func(Phase)) (Outcome, error) {
	d.mu.Lock()
	d.modes = append(d.modes, mode)
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.mutate == nil {
		return Outcome{Output: "changed"}, nil
	}
	return d.mutate(ctx, req, mode, phase)
}

func (d *fakeDispatcher) Query(ctx context.Context, req Request) (Outcome, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.query == nil {
		return Outcome{Output: "answer"}, nil
	}
	return d.query(ctx, req)
}

func (d *fakeDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

type memLock struct {
	mu       sync.Mutex
	held     bool
	taken    int
	released chan struct{}
}

func newMemLock() *memLock {
	return &memLock{released: make(chan struct{}, 8)}
}

func (l *memLock) TryLock() (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrBusy
	}
	l.held = true
	l.taken++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
			l.released <- struct{}{}
		})
	}, nil
}

type memHistory struct {
	mu      sync.Mutex
	results []ExecutionResult
	added   chan struct{}
}

func newMemHistory() *memHistory {
	return &memHistory{added: make(chan struct{}, 8)}
}

func (h *memHistory) RecordExecution(_ context.Context, res ExecutionResult) error {
	h.mu.Lock()
	h.results = append(h.results, res)
	h.mu.Unlock()
	h.added <- struct{}{}
	return nil
}

type stubPolicy struct {
	decision PolicyDecision
}

func (p stubPolicy) Check(context.Context, Operation, Mode) (*PolicyDecision, error) {
	d := p.decision
	return &d, nil
}

type harness struct {
	holder     *fakeHolder
	structured *fakeDispatcher
	subprocess *fakeDispatcher
	lock       *memLock
	history    *memHistory
	backend    *Backend
}

func bothTiers() capability.Snapshot {
	s := capability.Conservative()
	s.HasStructuredAPI = true
	s.HasCLIFallback = true
	return s
}

func newHarness(t *testing.T, snap capability.Snapshot, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		holder:     &fakeHolder{snap: snap},
		structured: &fakeDispatcher{method: MethodStructuredAPI},
		subprocess: &fakeDispatcher{method: MethodSubprocess},
		lock:       newMemLock(),
		history:    newMemHistory(),
	}
	chain, err := tier.NewChain(SubsystemExecution,
		tier.Tier[Dispatcher]{
			Name:        TierStructuredAPI,
			Priority:    30,
			Requires:    func(s capability.Snapshot) bool { return s.HasStructuredAPI },
			Instantiate: func() (Dispatcher, error) { return h.structured, nil },
		},
		tier.Tier[Dispatcher]{
			Name:        TierSubprocess,
			Priority:    20,
			Requires:    func(s capability.Snapshot) bool { return s.HasCLIFallback },
			Instantiate: func() (Dispatcher, error) { return h.subprocess, nil },
		},
		tier.Tier[Dispatcher]{
			Name:        TierNone,
			Universal:   true,
			Instantiate: func() (Dispatcher, error) { return NoneDispatcher{}, nil },
		},
	)
	require.NoError(t, err)

	opts = append([]Option{WithLocker(h.lock), WithHistory(h.history)}, opts...)
	h.backend = NewBackend(h.holder, tier.NewSelector(), chain, cfg, opts...)
	return h
}

func quickInstall(pkg string) Operation {
	return Operation{
		Kind:       OpMutateConfig,
		Label:      "quick_install",
		Reversible: true,
		Parameters: map[string]string{ParamAction: ActionAdd, ParamPackage: pkg, ParamStyle: StyleQuick, ParamScope: ScopeUser},
	}
}

func declarativeAdd(pkg string) Operation {
	return Operation{
		Kind:              OpMutateConfig,
		Label:             "declarative_add",
		Reversible:        true,
		RequiresPrivilege: true,
		Parameters:        map[string]string{ParamAction: ActionAdd, ParamPackage: pkg, ParamStyle: StyleDeclarative, ParamScope: ScopeSystem},
	}
}

func searchOp(term string) Operation {
	return Operation{
		Kind:       OpQueryState,
		Label:      "search",
		Parameters: map[string]string{ParamQuery: QuerySearch, ParamPackage: term},
	}
}

func TestExecutePassesDryRunDown(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())

	res := h.backend.Execute(context.Background(), declarativeAdd("htop"), DryRun)

	require.Nil(t, res.Error)
	assert.True(t, res.Succeeded)
	assert.True(t, res.DryRun)
	assert.Equal(t, MethodStructuredAPI, res.Method)
	assert.Equal(t, []Mode{DryRun}, h.structured.modes)
	assert.Zero(t, h.lock.taken, "dry run must not take the privilege lock")
	assert.Empty(t, res.RollbackToken)
	assert.NotEmpty(t, res.ID)
}

func TestExecuteDryRunOnSubprocessTier(t *testing.T) {
	snap := capability.Conservative()
	snap.HasCLIFallback = true
	h := newHarness(t, snap, DefaultConfig())

	res := h.backend.Execute(context.Background(), quickInstall("firefox"), DryRun)

	require.Nil(t, res.Error)
	assert.Equal(t, MethodSubprocess, res.Method)
	assert.Equal(t, []Mode{DryRun}, h.subprocess.modes)
	assert.Equal(t, "execution: operating in reduced mode (subprocess)", res.Disclosure)
}

func TestExecuteRejectsInvalidOperations(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{"unknown parameter", Operation{Kind: OpQueryState, Label: "x", Parameters: map[string]string{ParamQuery: QueryStatus, "shell": "rm -rf /"}}},
		{"bad package", quickInstall("firefox; rm -rf /")},
		{"leading dash", quickInstall("-e")},
		{"bad action", Operation{Kind: OpMutateConfig, Label: "x", Parameters: map[string]string{ParamAction: "purge", ParamPackage: "vim"}}},
		{"add without package", Operation{Kind: OpMutateConfig, Label: "x", Parameters: map[string]string{ParamAction: ActionAdd}}},
		{"negative generation", RollbackOperation(nixos.ScopeUser, 0).Clone()},
		{"system without privilege", Operation{Kind: OpMutateConfig, Label: "x", Parameters: map[string]string{ParamAction: ActionAdd, ParamPackage: "vim", ParamScope: ScopeSystem}}},
		{"unknown kind", Operation{Kind: "launch_missiles", Label: "x"}},
	}
	tests[5].op.Parameters[ParamGeneration] = "-3"

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, bothTiers(), DefaultConfig())
			res := h.backend.Execute(context.Background(), tt.op, Apply)

			require.NotNil(t, res.Error)
			assert.True(t, IsValidation(res.Error), "got %v", res.Error)
			assert.False(t, res.Succeeded)
			assert.Zero(t, h.structured.calls())
			assert.Zero(t, h.subprocess.calls())
		})
	}
}

func TestExecutePolicyDenial(t *testing.T) {
	deny := stubPolicy{decision: PolicyDecision{
		Violations: []PolicyViolation{{Policy: "protected-packages", Message: "systemd is protected", Severity: "critical"}},
	}}
	h := newHarness(t, bothTiers(), DefaultConfig(), WithPolicy(deny))

	res := h.backend.Execute(context.Background(), quickInstall("systemd"), Apply)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindValidation, res.Error.Kind)
	assert.Equal(t, ErrCodePolicy, res.Error.Code)
	assert.Contains(t, res.Error.Message, "systemd is protected")
	assert.Zero(t, h.structured.calls())
}

func TestExecutePolicyWarningsCarried(t *testing.T) {
	warn := stubPolicy{decision: PolicyDecision{Allowed: true, Warnings: []string{"offline"}}}
	h := newHarness(t, bothTiers(), DefaultConfig(), WithPolicy(warn))

	res := h.backend.Execute(context.Background(), quickInstall("vim"), DryRun)

	require.Nil(t, res.Error)
	assert.Equal(t, []string{"offline"}, res.Warnings)
}

func TestExecuteShowInstructions(t *testing.T) {
	h := newHarness(t, capability.Conservative(), DefaultConfig())
	op := Operation{
		Kind:       OpShowInstructions,
		Label:      "show_instructions",
		Parameters: map[string]string{ParamAction: ActionAdd, ParamPackage: "firefox", ParamStyle: StyleQuick},
	}

	res := h.backend.Execute(context.Background(), op, Apply)

	require.Nil(t, res.Error)
	assert.True(t, res.Succeeded)
	assert.Equal(t, MethodNone, res.Method)
	assert.Contains(t, res.Output, "To do this by hand")
	assert.Contains(t, res.Output, "firefox")
}

func TestExecuteNoneTier(t *testing.T) {
	h := newHarness(t, capability.Conservative(), DefaultConfig())

	res := h.backend.Execute(context.Background(), quickInstall("firefox"), Apply)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindUnavailable, res.Error.Kind)
	assert.Equal(t, ErrCodeNoTier, res.Error.Code)
	assert.Equal(t, TierNone, res.Error.Tier)
	assert.Equal(t, MethodNone, res.Method)
	assert.False(t, res.StateChanged)
}

func TestUnsupportedHandsDown(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.query = func(context.Context, Request) (Outcome, error) {
		return Outcome{}, nixos.ErrUnsupported
	}
	h.subprocess.query = func(_ context.Context, req Request) (Outcome, error) {
		return Outcome{Output: "firefox 128.0"}, nil
	}

	res := h.backend.Execute(context.Background(), searchOp("firefox"), Apply)

	require.Nil(t, res.Error)
	assert.Equal(t, MethodSubprocess, res.Method)
	assert.Equal(t, []string{TierStructuredAPI, TierSubprocess}, res.Attempts)
	assert.Zero(t, h.backend.Ring().CountFailures(MethodStructuredAPI, KindUnavailable, 5))
}

func TestRetryOnceOnLowerTier(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{}, nixos.ErrUnavailable
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), DryRun)

	require.Nil(t, res.Error)
	assert.True(t, res.Succeeded)
	assert.True(t, res.Retried())
	assert.Equal(t, MethodSubprocess, res.Method)
	assert.NotEmpty(t, res.Disclosure)
}

func TestRetryOnlyOnce(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	fail := func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{}, nixos.ErrUnavailable
	}
	h.structured.mutate = fail
	h.subprocess.mutate = fail

	res := h.backend.Execute(context.Background(), quickInstall("vim"), DryRun)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindUnavailable, res.Error.Kind)
	assert.Equal(t, TierSubprocess, res.Error.Tier)
	assert.Equal(t, []string{TierStructuredAPI, TierSubprocess}, res.Attempts)
}

func TestToolErrorNotRetried(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{}, &nixos.ToolError{Command: "nix-build", ExitCode: 1, Stderr: "attribute missing"}
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), Apply)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindTool, res.Error.Kind)
	assert.Equal(t, TierStructuredAPI, res.Error.Tier)
	assert.False(t, res.Error.StateChanged)
	assert.Zero(t, h.subprocess.calls())
}

func TestStateChangedNotRetried(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{StateChanged: true, Previous: 4}, nixos.ErrUnavailable
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), Apply)

	require.NotNil(t, res.Error)
	assert.True(t, res.Error.StateChanged)
	assert.True(t, res.StateChanged)
	assert.Equal(t, "user-gen-4", res.RollbackToken)
	assert.Zero(t, h.subprocess.calls())
}

func TestApplyTimeoutNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.BuildTimeout = 20 * time.Millisecond
	h := newHarness(t, bothTiers(), cfg)
	h.structured.mutate = func(ctx context.Context, _ Request, _ Mode, _ func(Phase)) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), Apply)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindTimeout, res.Error.Kind)
	assert.True(t, res.Error.StateUnknown)
	assert.Contains(t, res.Error.Error(), "may have changed")
	assert.Zero(t, h.subprocess.calls())
}

func TestQueryTimeoutRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.QueryTimeout = 20 * time.Millisecond
	h := newHarness(t, bothTiers(), cfg)
	h.structured.query = func(ctx context.Context, _ Request) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}
	op := Operation{Kind: OpQueryState, Label: "installed", Parameters: map[string]string{ParamQuery: QueryInstalled}}

	res := h.backend.Execute(context.Background(), op, Apply)

	require.Nil(t, res.Error)
	assert.Equal(t, MethodSubprocess, res.Method)
	assert.Equal(t, "answer", res.Output)
}

func TestReprobeAfterRepeatedUnavailable(t *testing.T) {
	snap := capability.Conservative()
	snap.HasStructuredAPI = true
	h := newHarness(t, snap, DefaultConfig())
	h.structured.query = func(context.Context, Request) (Outcome, error) {
		return Outcome{}, nixos.ErrUnavailable
	}
	op := Operation{Kind: OpQueryState, Label: "status", Parameters: map[string]string{ParamQuery: QueryStatus}}

	for i := 0; i < 2; i++ {
		res := h.backend.Execute(context.Background(), op, Apply)
		require.NotNil(t, res.Error)
	}
	assert.Zero(t, h.holder.count())

	h.backend.Execute(context.Background(), op, Apply)
	assert.Equal(t, 1, h.holder.count())
	assert.Zero(t, h.backend.Ring().CountFailures(MethodStructuredAPI, KindUnavailable, 5))

	h.backend.Execute(context.Background(), op, Apply)
	assert.Equal(t, 1, h.holder.count(), "one failure after a re-probe must not trigger another")
}

func TestPrivilegedBusy(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	release, err := h.lock.TryLock()
	require.NoError(t, err)
	defer release()

	res := h.backend.Execute(context.Background(), declarativeAdd("htop"), Apply)

	assert.True(t, res.Busy)
	require.NotNil(t, res.Error)
	assert.True(t, IsBusy(res.Error))
	assert.Zero(t, h.structured.calls())

	res = h.backend.Execute(context.Background(), declarativeAdd("htop"), DryRun)
	assert.Nil(t, res.Error, "dry run ignores the lock")
}

func TestPrivilegeSerializedAcrossBackends(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "nixh.lock")
	started := make(chan struct{})
	finish := make(chan struct{})

	first := newHarness(t, bothTiers(), DefaultConfig(), WithLocker(FileLock{Path: path}))
	first.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		close(started)
		<-finish
		return Outcome{Output: "built", Previous: 9}, nil
	}
	second := newHarness(t, bothTiers(), DefaultConfig(), WithLocker(FileLock{Path: path}))

	done := make(chan ExecutionResult)
	go func() { done <- first.backend.Execute(context.Background(), declarativeAdd("htop"), Apply) }()
	<-started

	res := second.backend.Execute(context.Background(), declarativeAdd("git"), Apply)
	assert.True(t, res.Busy)
	assert.Zero(t, second.structured.calls())

	close(finish)
	res = <-done
	require.Nil(t, res.Error)
	assert.Equal(t, "gen-9", res.RollbackToken)

	res = second.backend.Execute(context.Background(), declarativeAdd("git"), Apply)
	assert.Nil(t, res.Error, "lock must be free once the first call finished")
}

func TestCancelStopsWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, bothTiers(), DefaultConfig())
	started := make(chan struct{})
	finish := make(chan struct{})
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		close(started)
		<-finish
		return Outcome{Output: "switched", StateChanged: true, Previous: 3}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := h.backend.Execute(ctx, declarativeAdd("htop"), Apply)

	require.NotNil(t, res.Error)
	assert.Equal(t, KindTimeout, res.Error.Kind)
	assert.Equal(t, ErrCodeCancelled, res.Error.Code)
	assert.True(t, res.Error.StateUnknown)
	assert.Equal(t, TierStructuredAPI, res.Tier)

	select {
	case <-h.lock.released:
		t.Fatal("lock released while the call was still running")
	default:
	}

	close(finish)
	<-h.history.added
	<-h.lock.released

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Len(t, h.history.results, 1)
	assert.True(t, h.history.results[0].Succeeded, "history keeps the real outcome")
}

func TestCancelStartsNoLowerTier(t *testing.T) {
	for name, late := range map[string]error{
		"unavailable": nixos.ErrUnavailable,
		"unsupported": nixos.ErrUnsupported,
	} {
		t.Run(name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			h := newHarness(t, bothTiers(), DefaultConfig())
			started := make(chan struct{})
			finish := make(chan struct{})
			h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
				close(started)
				<-finish
				return Outcome{}, late
			}

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-started
				cancel()
			}()

			res := h.backend.Execute(ctx, declarativeAdd("htop"), Apply)
			require.NotNil(t, res.Error)
			assert.Equal(t, ErrCodeCancelled, res.Error.Code)

			close(finish)
			<-h.history.added
			<-h.lock.released

			assert.Zero(t, h.subprocess.calls(), "no new call after the caller left")
			h.history.mu.Lock()
			defer h.history.mu.Unlock()
			require.Len(t, h.history.results, 1)
			assert.False(t, h.history.results[0].Succeeded)
			assert.Equal(t, []string{TierStructuredAPI}, h.history.results[0].Attempts)
		})
	}
}

func TestFailedAttemptWithoutChangeHasNoToken(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{Previous: 41}, &nixos.ToolError{Command: "nixos-rebuild", ExitCode: 1, Stderr: "collision between packages"}
	}

	res := h.backend.Execute(context.Background(), declarativeAdd("firefox"), Apply)

	require.NotNil(t, res.Error)
	assert.False(t, res.StateChanged)
	assert.Empty(t, res.RollbackToken)
}

func TestRollbackTokenCaptured(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.mutate = func(context.Context, Request, Mode, func(Phase)) (Outcome, error) {
		return Outcome{Output: "installed", StateChanged: true, Previous: 41}, nil
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), Apply)
	require.Nil(t, res.Error)
	assert.Equal(t, "user-gen-41", res.RollbackToken)

	res = h.backend.Execute(context.Background(), quickInstall("vim"), DryRun)
	assert.Empty(t, res.RollbackToken, "dry run changes nothing to roll back")
}

func TestRollbackToken(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())

	res := h.backend.Rollback(context.Background(), "gen-7", DryRun)
	require.Nil(t, res.Error)
	require.Len(t, h.structured.reqs, 1)
	req := h.structured.reqs[0]
	assert.Equal(t, ActionRollback, req.Action)
	assert.Equal(t, nixos.ScopeSystem, req.Scope)
	assert.Equal(t, 7, req.Generation)
	assert.Equal(t, LabelSystemRollback, res.Label)

	res = h.backend.Rollback(context.Background(), "generation seven", Apply)
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrCodeBadToken, res.Error.Code)
	assert.Len(t, h.structured.reqs, 1)
}

func TestProgressAndHistory(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase
	h := newHarness(t, bothTiers(), DefaultConfig(), WithProgress(func(p Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	}))
	h.structured.mutate = func(_ context.Context, _ Request, _ Mode, phase func(Phase)) (Outcome, error) {
		phase(PhaseBuilding)
		phase(PhaseActivating)
		return Outcome{Output: "done"}, nil
	}

	res := h.backend.Execute(context.Background(), quickInstall("vim"), Apply)
	require.Nil(t, res.Error)

	mu.Lock()
	assert.Equal(t, []Phase{PhaseValidating, PhaseDispatching, PhaseBuilding, PhaseActivating, PhaseDone}, phases)
	mu.Unlock()

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Len(t, h.history.results, 1)
	assert.Equal(t, res.ID, h.history.results[0].ID)
}

func TestPanickingTierIsUnavailable(t *testing.T) {
	h := newHarness(t, bothTiers(), DefaultConfig())
	h.structured.query = func(context.Context, Request) (Outcome, error) {
		panic("boom")
	}
	op := Operation{Kind: OpQueryState, Label: "status", Parameters: map[string]string{ParamQuery: QueryStatus}}

	res := h.backend.Execute(context.Background(), op, Apply)

	require.Nil(t, res.Error)
	assert.Equal(t, MethodSubprocess, res.Method)
	kinds := []ErrorKind{}
	for _, a := range h.backend.Ring().Recent() {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []ErrorKind{KindUnavailable, ""}, kinds)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"tool", &nixos.ToolError{Command: "nix-env", ExitCode: 1}, KindTool},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"cancel", context.Canceled, KindTimeout},
		{"invalid", nixos.ErrInvalidArgument, KindValidation},
		{"unavailable", nixos.ErrUnavailable, KindUnavailable},
		{"other", errors.New("surprise"), KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := classify(tt.err, TierSubprocess)
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, TierSubprocess, rec.Tier)
			assert.ErrorIs(t, rec, tt.err)
		})
	}

	rec := classify(&nixos.ToolError{Command: "nixos-rebuild", ExitCode: 1, StateChanged: true}, TierSubprocess)
	assert.True(t, rec.StateChanged)
	assert.False(t, IsRetryable(rec))
}
