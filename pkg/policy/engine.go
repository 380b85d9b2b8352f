package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/engine"
)

// Engine evaluates operation policies. It implements engine.PolicyChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	logger   zerolog.Logger
}

var _ engine.PolicyChecker = (*Engine)(nil)

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine compiles the built-in policies and any .rego files in cfg.Dirs.
func NewEngine(ctx context.Context, logger zerolog.Logger, cfg Config) (*Engine, error) {
	if cfg.ProtectedPackages == nil {
		cfg.ProtectedPackages = append([]string(nil), DefaultProtectedPackages...)
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.Load(ctx, Builtin()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	if len(cfg.Dirs) > 0 {
		loaded, err := NewLoader(e.logger).LoadFromPaths(ctx, cfg.Dirs)
		if err != nil {
			return nil, err
		}
		if err := e.Load(ctx, loaded); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Load compiles and adds policies, replacing any with the same name.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.logger.Debug().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(p.Name, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	return &compiledPolicy{policy: p, query: prepared}, nil
}

// Check evaluates every enabled policy against op. Violations of error or
// critical severity deny it; warnings are returned alongside.
func (e *Engine) Check(ctx context.Context, op engine.Operation, mode engine.Mode) (*engine.PolicyDecision, error) {
	in := input{
		Operation: operationInput{
			Kind:              string(op.Kind),
			Label:             op.Label,
			Parameters:        op.Parameters,
			Reversible:        op.Reversible,
			RequiresPrivilege: op.RequiresPrivilege,
		},
		Context: contextInput{
			Mode:              string(mode),
			AllowPrivileged:   e.cfg.AllowPrivileged,
			ProtectedPackages: e.cfg.ProtectedPackages,
		},
	}
	if in.Operation.Parameters == nil {
		in.Operation.Parameters = map[string]string{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{Allowed: true}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations(cp.policy, rs) {
			if Severity(v.Severity).denies() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v.Message)
			}
		}
	}

	if !decision.Allowed {
		e.logger.Debug().Str("operation", op.Label).Int("violations", len(decision.Violations)).Msg("Operation denied by policy")
	}
	return decision, nil
}

func violations(p Policy, rs rego.ResultSet) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				v := engine.PolicyViolation{Policy: p.Name, Severity: string(p.Severity)}
				switch x := d.(type) {
				case string:
					v.Message = x
				case map[string]interface{}:
					if msg, ok := x["message"].(string); ok {
						v.Message = msg
					}
					if sev, ok := x["severity"].(string); ok {
						v.Severity = sev
					}
				default:
					v.Message = fmt.Sprintf("%v", d)
				}
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message < out[j].Message })
	return out
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Policies lists loaded policies by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, n := range e.namesLocked() {
		out = append(out, e.policies[n].policy)
	}
	return out
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	return nil
}
