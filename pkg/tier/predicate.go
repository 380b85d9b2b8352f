package tier

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/nixh/nixh/pkg/capability"
)

// maxPredicateSteps bounds a single predicate evaluation.
const maxPredicateSteps = 10000

// CompilePredicate turns a Starlark boolean expression over the snapshot into
// a Predicate, for example:
//
//	memory_at_least("medium") and network == "direct"
//
// Names available to the expression: structured_api, cli, memory, cpu_cores,
// network, terminal, config_writable, local_embedder and memory_at_least(class).
// The expression is checked against the conservative snapshot at compile time.
// At run time an evaluation error counts as unsatisfied.
func CompilePredicate(name, expr string) (Predicate, error) {
	if _, err := evalPredicate(name, expr, capability.Conservative()); err != nil {
		return nil, fmt.Errorf("predicate %s: %w", name, err)
	}
	return func(snap capability.Snapshot) bool {
		ok, err := evalPredicate(name, expr, snap)
		return err == nil && ok
	}, nil
}

func evalPredicate(name, expr string, snap capability.Snapshot) (bool, error) {
	thread := &starlark.Thread{
		Name:  "tier-predicate",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxPredicateSteps)

	v, err := starlark.Eval(thread, name+".star", expr, snapshotEnv(snap))
	if err != nil {
		return false, err
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("expression yields %s, want bool", v.Type())
	}
	return bool(b), nil
}

func snapshotEnv(snap capability.Snapshot) starlark.StringDict {
	memoryAtLeast := starlark.NewBuiltin("memory_at_least", func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var class string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &class); err != nil {
			return nil, err
		}
		switch capability.MemoryClass(class) {
		case capability.MemoryLow, capability.MemoryMedium, capability.MemoryHigh:
		default:
			return nil, fmt.Errorf("%s: unknown memory class %q", fn.Name(), class)
		}
		return starlark.Bool(snap.Memory.AtLeast(capability.MemoryClass(class))), nil
	})

	return starlark.StringDict{
		"structured_api":  starlark.Bool(snap.HasStructuredAPI),
		"cli":             starlark.Bool(snap.HasCLIFallback),
		"memory":          starlark.String(snap.Memory),
		"cpu_cores":       starlark.MakeInt(snap.CPUCores),
		"network":         starlark.String(snap.Network),
		"terminal":        starlark.String(snap.Terminal),
		"config_writable": starlark.Bool(snap.ConfigWritable),
		"local_embedder":  starlark.Bool(snap.HasLocalEmbedder),
		"memory_at_least": memoryAtLeast,
	}
}

// ApplyPredicates compiles expressions keyed by tier name and installs them on
// c. It fails on unknown tiers and on universal tiers.
func ApplyPredicates[T any](c *Chain[T], exprs map[string]string) error {
	for name, expr := range exprs {
		pred, err := CompilePredicate(c.Subsystem+"."+name, expr)
		if err != nil {
			return err
		}
		if err := c.Require(name, pred); err != nil {
			return err
		}
	}
	return nil
}
