package engine

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixh/nixh/pkg/nixos"
)

func TestRingWraps(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Add(Attempt{Tier: string(rune('a' + i))})
	}

	var tiers []string
	for _, a := range r.Recent() {
		tiers = append(tiers, a.Tier)
	}
	assert.Equal(t, []string{"c", "d", "e"}, tiers)
}

func TestRingCountFailuresWindow(t *testing.T) {
	r := NewRing(DefaultRingSize)
	fail := Attempt{Method: MethodStructuredAPI, Kind: KindUnavailable}
	ok := Attempt{Method: MethodStructuredAPI}
	other := Attempt{Method: MethodSubprocess, Kind: KindUnavailable}

	for _, a := range []Attempt{fail, fail, other, ok, ok, ok, other, fail} {
		r.Add(a)
	}

	assert.Equal(t, 1, r.CountFailures(MethodStructuredAPI, KindUnavailable, 4))
	assert.Equal(t, 2, r.CountFailures(MethodStructuredAPI, KindUnavailable, 5))
	assert.Equal(t, 3, r.CountFailures(MethodStructuredAPI, KindUnavailable, 16))
	assert.Equal(t, 2, r.CountFailures(MethodSubprocess, KindUnavailable, 5))
}

func TestRingForget(t *testing.T) {
	r := NewRing(4)
	r.Add(Attempt{Method: MethodStructuredAPI, Tier: "s1"})
	r.Add(Attempt{Method: MethodSubprocess, Tier: "p1"})
	r.Add(Attempt{Method: MethodStructuredAPI, Tier: "s2"})
	r.Add(Attempt{Method: MethodSubprocess, Tier: "p2"})
	r.Add(Attempt{Method: MethodStructuredAPI, Tier: "s3"})

	r.Forget(MethodStructuredAPI)

	recent := r.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "p1", recent[0].Tier)
	assert.Equal(t, "p2", recent[1].Tier)

	r.Add(Attempt{Method: MethodStructuredAPI, Tier: "s4"})
	assert.Len(t, r.Recent(), 3)
}

func TestFileLock(t *testing.T) {
	lock := FileLock{Path: filepath.Join(t.TempDir(), "run", "nixh.lock")}

	release, err := lock.TryLock()
	require.NoError(t, err)

	_, err = lock.TryLock()
	assert.True(t, errors.Is(err, ErrBusy))

	release()
	release()

	again, err := lock.TryLock()
	require.NoError(t, err)
	again()
}

func TestRollbackTokens(t *testing.T) {
	assert.Equal(t, "gen-42", RollbackToken(nixos.ScopeSystem, 42))
	assert.Equal(t, "user-gen-3", RollbackToken(nixos.ScopeUser, 3))

	scope, gen, err := ParseRollbackToken("user-gen-3")
	require.NoError(t, err)
	assert.Equal(t, nixos.ScopeUser, scope)
	assert.Equal(t, 3, gen)

	scope, gen, err = ParseRollbackToken("gen-42")
	require.NoError(t, err)
	assert.Equal(t, nixos.ScopeSystem, scope)
	assert.Equal(t, 42, gen)

	for _, bad := range []string{"", "gen-", "gen-0", "gen--1", "user-gen-x", "42"} {
		_, _, err := ParseRollbackToken(bad)
		assert.Error(t, err, bad)
	}

	op := RollbackOperation(nixos.ScopeSystem, 0)
	assert.True(t, op.RequiresPrivilege)
	assert.Empty(t, op.Param(ParamGeneration))
}

func TestValidatorDefaults(t *testing.T) {
	v := NewValidator()
	req, rec := v.Validate(Operation{
		Kind:       OpMutateConfig,
		Label:      "quick_upgrade",
		Parameters: map[string]string{ParamAction: ActionUpgrade, ParamOffline: "true"},
	})
	require.Nil(t, rec)
	assert.Equal(t, nixos.ScopeUser, req.Scope)
	assert.True(t, req.Offline)
	assert.Equal(t, nixos.ActionUpgrade, req.NixOSConfig().Action)

	_, rec = v.Validate(Operation{Kind: OpMutateConfig, Parameters: map[string]string{ParamAction: ActionRollback, ParamGeneration: "1234567890"}})
	require.NotNil(t, rec)
	assert.Contains(t, rec.Message, "generation")
}
