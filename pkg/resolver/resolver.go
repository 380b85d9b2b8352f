// Package resolver maps a recognized Intent onto ranked candidate
// Operations. It proposes; the engine executes.
//
// A persistent change always yields a declarative and a quick Operation,
// durable first when the user can edit the system configuration, followed
// by a show_instructions Operation that can never fail. Queries resolve to a
// single query_state Operation and unknown intents to nothing, which tells
// the caller to ask instead of guess.
package resolver

import (
	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/nixos"
)

// Operation labels.
const (
	LabelDeclarativeAdd     = "declarative_add"
	LabelQuickInstall       = "quick_install"
	LabelDeclarativeRemove  = "declarative_remove"
	LabelQuickRemove        = "quick_remove"
	LabelDeclarativeUpgrade = "declarative_upgrade"
	LabelQuickUpgrade       = "quick_upgrade"
	LabelSearch             = "search"
	LabelShowInstructions   = "show_instructions"
)

type pair struct {
	declarative string
	quick       string
}

var labels = map[string]pair{
	engine.ActionAdd:     {LabelDeclarativeAdd, LabelQuickInstall},
	engine.ActionRemove:  {LabelDeclarativeRemove, LabelQuickRemove},
	engine.ActionUpgrade: {LabelDeclarativeUpgrade, LabelQuickUpgrade},
}

// Resolve returns the candidate Operations for in, best first. It is a pure
// function of its arguments.
func Resolve(in intent.Intent, snap capability.Snapshot) []engine.Operation {
	switch in.Type {
	case intent.TypeInstall:
		if !in.HasTarget() {
			return nil
		}
		return change(engine.ActionAdd, in.Target, snap)
	case intent.TypeRemove:
		if !in.HasTarget() {
			return nil
		}
		return change(engine.ActionRemove, in.Target, snap)
	case intent.TypeUpdate:
		return change(engine.ActionUpgrade, "", snap)
	case intent.TypeRollback:
		return rollback(snap)
	case intent.TypeSearch:
		if !in.HasTarget() {
			return nil
		}
		return []engine.Operation{
			{
				Kind:  engine.OpQueryState,
				Label: LabelSearch,
				Parameters: map[string]string{
					engine.ParamQuery:   engine.QuerySearch,
					engine.ParamPackage: in.Target,
				},
			},
			instructions(map[string]string{
				engine.ParamAction:  engine.ActionSearch,
				engine.ParamPackage: in.Target,
			}),
		}
	case intent.TypeQuery:
		return query(in.Target)
	default:
		return nil
	}
}

// change builds the declarative/quick pair for a package change.
func change(action, pkg string, snap capability.Snapshot) []engine.Operation {
	l := labels[action]
	declarative := engine.Operation{
		Kind:              engine.OpMutateConfig,
		Label:             l.declarative,
		Reversible:        true,
		RequiresPrivilege: true,
		Parameters: map[string]string{
			engine.ParamAction: action,
			engine.ParamStyle:  engine.StyleDeclarative,
			engine.ParamScope:  engine.ScopeSystem,
		},
	}
	quick := engine.Operation{
		Kind:       engine.OpMutateConfig,
		Label:      l.quick,
		Reversible: true,
		Parameters: map[string]string{
			engine.ParamAction: action,
			engine.ParamStyle:  engine.StyleQuick,
			engine.ParamScope:  engine.ScopeUser,
		},
	}
	for _, op := range []engine.Operation{declarative, quick} {
		if pkg != "" {
			op.Parameters[engine.ParamPackage] = pkg
		}
		// Without a network only the local store can be used.
		if snap.Network == capability.NetworkNone && action != engine.ActionRemove {
			op.Parameters[engine.ParamOffline] = "true"
		}
	}

	ops := order(declarative, quick, snap)
	return append(ops, instructions(ops[0].Clone().Parameters))
}

func rollback(snap capability.Snapshot) []engine.Operation {
	system := engine.RollbackOperation(nixos.ScopeSystem, 0)
	user := engine.RollbackOperation(nixos.ScopeUser, 0)
	ops := order(system, user, snap)
	return append(ops, instructions(ops[0].Clone().Parameters))
}

// order puts the durable operation first when the configuration is
// writable.
func order(durable, quick engine.Operation, snap capability.Snapshot) []engine.Operation {
	if snap.ConfigWritable {
		return []engine.Operation{durable, quick}
	}
	return []engine.Operation{quick, durable}
}

func query(target string) []engine.Operation {
	switch target {
	case intent.QueryGenerations, intent.QueryInstalled, intent.QueryStatus:
	default:
		return nil
	}
	return []engine.Operation{{
		Kind:       engine.OpQueryState,
		Label:      target,
		Parameters: map[string]string{engine.ParamQuery: target},
	}}
}

func instructions(params map[string]string) engine.Operation {
	delete(params, engine.ParamOffline)
	return engine.Operation{
		Kind:       engine.OpShowInstructions,
		Label:      LabelShowInstructions,
		Parameters: params,
	}
}
