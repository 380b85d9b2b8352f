package tier

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixh/nixh/pkg/capability"
)

func constructor(v string) func() (string, error) {
	return func() (string, error) { return v, nil }
}

func needsAPI(s capability.Snapshot) bool { return s.HasStructuredAPI }
func needsCLI(s capability.Snapshot) bool { return s.HasCLIFallback }

func executionChain(t *testing.T) *Chain[string] {
	t.Helper()
	c, err := NewChain("execution",
		Tier[string]{Name: "none", Priority: 0, Universal: true, Instantiate: constructor("none")},
		Tier[string]{Name: "structured_api", Priority: 100, Requires: needsAPI, Instantiate: constructor("api")},
		Tier[string]{Name: "subprocess", Priority: 50, Requires: needsCLI, Instantiate: constructor("cli")},
	)
	require.NoError(t, err)
	return c
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) RecordTierSelection(subsystem, tier string, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, subsystem+"/"+tier)
}

func TestNewChainOrdersByPriority(t *testing.T) {
	c := executionChain(t)
	assert.Equal(t, []string{"structured_api", "subprocess", "none"}, c.Names())
	assert.Equal(t, "structured_api", c.Top())
}

func TestNewChainRejectsDefects(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier[string]
	}{
		{"no universal", []Tier[string]{{Name: "a", Requires: needsAPI, Instantiate: constructor("a")}}},
		{"duplicate", []Tier[string]{
			{Name: "a", Universal: true, Instantiate: constructor("a")},
			{Name: "a", Universal: true, Instantiate: constructor("a")},
		}},
		{"universal with requirement", []Tier[string]{{Name: "a", Universal: true, Requires: needsAPI, Instantiate: constructor("a")}}},
		{"no requirement", []Tier[string]{
			{Name: "a", Instantiate: constructor("a")},
			{Name: "b", Universal: true, Instantiate: constructor("b")},
		}},
		{"no constructor", []Tier[string]{{Name: "a", Universal: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChain("test", tt.tiers...)
			assert.Error(t, err)
		})
	}

	_, err := NewChain("test", Tier[string]{Name: "a", Requires: needsAPI, Instantiate: constructor("a")})
	assert.ErrorIs(t, err, ErrNoUniversalTier)
}

func TestSelectHighestSatisfied(t *testing.T) {
	c := executionChain(t)
	s := NewSelector()

	snap := capability.Conservative()
	snap.HasStructuredAPI = true
	snap.HasCLIFallback = true

	sel, err := Select(s, c, snap)
	require.NoError(t, err)
	assert.Equal(t, "structured_api", sel.Tier)
	assert.Equal(t, "api", sel.Handle)
	assert.False(t, sel.Degraded)
	assert.Empty(t, sel.Disclosure)
}

func TestSelectDisclosesOncePerSession(t *testing.T) {
	c := executionChain(t)
	rec := &fakeRecorder{}
	s := NewSelector(WithRecorder(rec))

	snap := capability.Conservative()
	snap.HasCLIFallback = true

	first, err := Select(s, c, snap)
	require.NoError(t, err)
	assert.Equal(t, "subprocess", first.Tier)
	assert.True(t, first.Degraded)
	assert.Equal(t, "execution: operating in reduced mode (subprocess)", first.Disclosure)

	second, err := Select(s, c, snap)
	require.NoError(t, err)
	assert.True(t, second.Degraded)
	assert.Empty(t, second.Disclosure, "disclosure is only emitted once per session")

	other := NewSelector()
	third, err := Select(other, c, snap)
	require.NoError(t, err)
	assert.NotEmpty(t, third.Disclosure, "a new session discloses again")

	assert.Equal(t, []string{"execution/subprocess", "execution/subprocess"}, rec.calls)
}

func TestSelectCustomDisclosure(t *testing.T) {
	c := executionChain(t)
	c.Disclose = func(_, tier string) string { return "showing instructions only (" + tier + ")" }

	sel, err := Select(NewSelector(), c, capability.Conservative())
	require.NoError(t, err)
	assert.Equal(t, "showing instructions only (none)", sel.Disclosure)
}

func TestSelectOverrideWinsWithWarning(t *testing.T) {
	c := executionChain(t)
	s := NewSelector(WithOverrides(map[string]string{"execution": "structured_api"}))

	sel, err := Select(s, c, capability.Conservative())
	require.NoError(t, err)
	assert.Equal(t, "structured_api", sel.Tier)
	assert.True(t, sel.Overridden)
	assert.NotEmpty(t, sel.Warning)
}

func TestSelectOverrideSatisfiedHasNoWarning(t *testing.T) {
	c := executionChain(t)
	s := NewSelector(WithOverrides(map[string]string{"execution": "subprocess"}))

	snap := capability.Conservative()
	snap.HasStructuredAPI = true
	snap.HasCLIFallback = true

	sel, err := Select(s, c, snap)
	require.NoError(t, err)
	assert.Equal(t, "subprocess", sel.Tier)
	assert.Empty(t, sel.Warning)
	assert.True(t, sel.Degraded)
	assert.NotEmpty(t, sel.Disclosure)
}

func TestSelectUnknownOverrideIgnored(t *testing.T) {
	c := executionChain(t)
	sel, err := SelectWith(NewSelector(), c, capability.Conservative(), "quantum")
	require.NoError(t, err)
	assert.Equal(t, "none", sel.Tier)
	assert.False(t, sel.Overridden)
	assert.Contains(t, sel.Warning, "quantum")
}

func TestSelectSkipsFailingConstructor(t *testing.T) {
	c, err := NewChain("storage",
		Tier[string]{Name: "sqlite", Priority: 10, Requires: func(capability.Snapshot) bool { return true },
			Instantiate: func() (string, error) { return "", errors.New("disk full") }},
		Tier[string]{Name: "memory", Universal: true, Instantiate: constructor("memory")},
	)
	require.NoError(t, err)

	sel, err := Select(NewSelector(), c, capability.Conservative())
	require.NoError(t, err)
	assert.Equal(t, "memory", sel.Tier)
}

func TestSelectBrokenUniversalIsConfigurationError(t *testing.T) {
	c, err := NewChain("render",
		Tier[string]{Name: "plain", Universal: true, Instantiate: func() (string, error) { return "", errors.New("boom") }},
	)
	require.NoError(t, err)

	_, err = Select(NewSelector(), c, capability.Conservative())
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "render", cfgErr.Subsystem)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrRegistryDefect)
}

func TestSelectBelow(t *testing.T) {
	c := executionChain(t)
	s := NewSelector()

	snap := capability.Conservative()
	snap.HasStructuredAPI = true
	snap.HasCLIFallback = true

	sel, err := SelectBelow(s, c, snap, "structured_api")
	require.NoError(t, err)
	assert.Equal(t, "subprocess", sel.Tier)

	sel, err = SelectBelow(s, c, snap, "subprocess")
	require.NoError(t, err)
	assert.Equal(t, "none", sel.Tier)

	_, err = SelectBelow(s, c, snap, "none")
	assert.ErrorIs(t, err, ErrNoLowerTier)
	assert.False(t, IsConfigurationError(err))
}

func TestSelectCompleteOverEveryReachableSnapshot(t *testing.T) {
	c := executionChain(t)
	require.NoError(t, Verify(c))

	s := NewSelector()
	for _, snap := range capability.Enumerate() {
		_, err := Select(s, c, snap)
		require.NoError(t, err, "snapshot %s", snap)
	}
}

func TestSelectorConcurrentDisclosure(t *testing.T) {
	c := executionChain(t)
	s := NewSelector()

	var wg sync.WaitGroup
	var mu sync.Mutex
	disclosures := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := Select(s, c, capability.Conservative())
			if err == nil && sel.Disclosure != "" {
				mu.Lock()
				disclosures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, disclosures)
}
