package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nixh/nixh/pkg/nixos"
)

// params is the typed shape of Operation.Parameters.
type params struct {
	Action     string `validate:"omitempty,oneof=add remove upgrade rollback search"`
	Package    string `validate:"omitempty,nixpkg"`
	Style      string `validate:"omitempty,oneof=declarative quick"`
	Generation string `validate:"omitempty,numeric,max=9,excludesall=+-"`
	Query      string `validate:"omitempty,oneof=generations installed status search"`
	Offline    string `validate:"omitempty,oneof=true false"`
	Scope      string `validate:"omitempty,oneof=system user"`
}

// Validator is the unconditional shape check every Operation passes before
// dispatch.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the package-name rule registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("nixpkg", func(fl validator.FieldLevel) bool {
		return nixos.ValidPackage(fl.Field().String())
	})
	return &Validator{validate: v}
}

// Validate decodes op into a Request or returns a validation ErrorRecord.
func (v *Validator) Validate(op Operation) (Request, *ErrorRecord) {
	var unknown []string
	for k := range op.Parameters {
		if !slices.Contains(AllowedParams, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Request{}, NewValidationError(fmt.Sprintf("unknown parameters: %s", strings.Join(unknown, ", ")), nil)
	}

	p := params{
		Action:     op.Param(ParamAction),
		Package:    op.Param(ParamPackage),
		Style:      op.Param(ParamStyle),
		Generation: op.Param(ParamGeneration),
		Query:      op.Param(ParamQuery),
		Offline:    op.Param(ParamOffline),
		Scope:      op.Param(ParamScope),
	}
	if err := v.validate.Struct(p); err != nil {
		return Request{}, NewValidationError(describeValidation(err), err)
	}

	req := Request{
		Kind:       op.Kind,
		Label:      op.Label,
		Action:     p.Action,
		Package:    p.Package,
		Style:      p.Style,
		Scope:      nixos.Scope(p.Scope),
		Query:      p.Query,
		Offline:    p.Offline == "true",
		Reversible: op.Reversible,
	}
	if p.Generation != "" {
		n, err := strconv.Atoi(p.Generation)
		if err != nil || n <= 0 {
			return Request{}, NewValidationError("generation must be a positive number", err)
		}
		req.Generation = n
	}
	if req.Scope == "" {
		req.Scope = nixos.ScopeUser
	}

	if msg := checkShape(req, op); msg != "" {
		return Request{}, NewValidationError(msg, nil)
	}
	return req, nil
}

// checkShape enforces which parameters each kind needs.
func checkShape(req Request, op Operation) string {
	switch req.Kind {
	case OpMutateConfig:
		switch req.Action {
		case ActionAdd, ActionRemove:
			if req.Package == "" {
				return req.Action + " needs a package"
			}
		case ActionUpgrade:
		case ActionRollback:
			if req.Package != "" {
				return "rollback takes no package"
			}
		default:
			return "mutate_config needs action add, remove, upgrade or rollback"
		}
		if req.Action != ActionRollback && req.Generation != 0 {
			return "only rollback takes a generation"
		}
		if req.Scope == nixos.ScopeSystem && !op.RequiresPrivilege {
			return "system changes must be marked as requiring privilege"
		}
	case OpQueryState:
		switch req.Query {
		case QuerySearch:
			if req.Package == "" {
				return "search needs a term"
			}
		case QueryGenerations, QueryInstalled, QueryStatus:
		default:
			return "query_state needs query generations, installed, status or search"
		}
	case OpShowInstructions:
	default:
		return fmt.Sprintf("unknown operation kind %q", req.Kind)
	}
	return ""
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("parameter %s fails %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// checkPolicy runs the policy checker, if any, and maps a denial onto a
// validation ErrorRecord.
func checkPolicy(ctx context.Context, pc PolicyChecker, op Operation, mode Mode) (*PolicyDecision, *ErrorRecord) {
	if pc == nil {
		return &PolicyDecision{Allowed: true}, nil
	}
	d, err := pc.Check(ctx, op, mode)
	if err != nil {
		return nil, NewValidationError("policy evaluation failed", err).WithCode(ErrCodePolicy)
	}
	if !d.Allowed {
		rec := NewValidationError("denied by policy: "+d.Messages(), nil).WithCode(ErrCodePolicy)
		for _, v := range d.Violations {
			rec.WithDetail(v.Policy, v.Message)
		}
		return d, rec
	}
	return d, nil
}
