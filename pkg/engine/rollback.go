package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nixh/nixh/pkg/nixos"
)

// Rollback operation labels.
const (
	LabelSystemRollback = "system_rollback"
	LabelUserRollback   = "user_rollback"
)

// RollbackToken encodes the generation to return to.
func RollbackToken(scope nixos.Scope, generation int) string {
	if scope == nixos.ScopeSystem {
		return "gen-" + strconv.Itoa(generation)
	}
	return "user-gen-" + strconv.Itoa(generation)
}

// ParseRollbackToken decodes a token produced by RollbackToken.
func ParseRollbackToken(token string) (nixos.Scope, int, error) {
	scope := nixos.ScopeSystem
	rest, ok := strings.CutPrefix(token, "user-gen-")
	if ok {
		scope = nixos.ScopeUser
	} else if rest, ok = strings.CutPrefix(token, "gen-"); !ok {
		return "", 0, fmt.Errorf("rollback token %q: unknown form", token)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("rollback token %q: bad generation", token)
	}
	return scope, n, nil
}

// RollbackOperation builds the operation that switches scope to generation;
// 0 means the previous generation.
func RollbackOperation(scope nixos.Scope, generation int) Operation {
	op := Operation{
		Kind:       OpMutateConfig,
		Label:      LabelUserRollback,
		Reversible: true,
		Parameters: map[string]string{
			ParamAction: ActionRollback,
			ParamScope:  string(scope),
		},
	}
	if scope == nixos.ScopeSystem {
		op.Label = LabelSystemRollback
		op.RequiresPrivilege = true
	}
	if generation > 0 {
		op.Parameters[ParamGeneration] = strconv.Itoa(generation)
	}
	return op
}

// Rollback returns to the state named by token. It is never called
// automatically.
func (b *Backend) Rollback(ctx context.Context, token string, mode Mode) ExecutionResult {
	scope, gen, err := ParseRollbackToken(token)
	if err != nil {
		res := b.newResult(Operation{Label: "rollback"}, mode)
		res.Error = NewValidationError(err.Error(), err).WithCode(ErrCodeBadToken)
		return b.complete(ctx, res, mode)
	}
	return b.Execute(ctx, RollbackOperation(scope, gen), mode)
}
