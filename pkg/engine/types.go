package engine

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nixh/nixh/pkg/nixos"
)

// OperationKind is what an Operation does to the system.
type OperationKind string

const (
	OpMutateConfig     OperationKind = "mutate_config"
	OpQueryState       OperationKind = "query_state"
	OpShowInstructions OperationKind = "show_instructions"
)

// Parameter keys. Nothing outside this set passes validation.
const (
	ParamAction     = "action"
	ParamPackage    = "package"
	ParamStyle      = "style"
	ParamGeneration = "generation"
	ParamQuery      = "query"
	ParamOffline    = "offline"
	ParamScope      = "scope"
)

// AllowedParams lists the accepted parameter keys.
var AllowedParams = []string{ParamAction, ParamPackage, ParamStyle, ParamGeneration, ParamQuery, ParamOffline, ParamScope}

// Parameter values.
const (
	ActionAdd      = "add"
	ActionRemove   = "remove"
	ActionUpgrade  = "upgrade"
	ActionRollback = "rollback"
	ActionSearch   = "search"

	StyleDeclarative = "declarative"
	StyleQuick       = "quick"

	QueryGenerations = "generations"
	QueryInstalled   = "installed"
	QueryStatus      = "status"
	QuerySearch      = "search"

	ScopeSystem = string(nixos.ScopeSystem)
	ScopeUser   = string(nixos.ScopeUser)
)

// Operation is a proposed, not yet executed system change or query.
type Operation struct {
	Kind              OperationKind     `json:"kind"`
	Label             string            `json:"label"`
	Parameters        map[string]string `json:"parameters"`
	Reversible        bool              `json:"reversible"`
	RequiresPrivilege bool              `json:"requires_privilege"`
}

// Param returns a parameter or "".
func (o Operation) Param(key string) string {
	return o.Parameters[key]
}

// Clone returns a copy with its own parameter map.
func (o Operation) Clone() Operation {
	o.Parameters = maps.Clone(o.Parameters)
	return o
}

// String renders label(package) or just the label.
func (o Operation) String() string {
	if p := o.Param(ParamPackage); p != "" {
		return o.Label + "(" + p + ")"
	}
	if g := o.Param(ParamGeneration); g != "" {
		return o.Label + "(" + g + ")"
	}
	return o.Label
}

// Mode is dry-run or apply.
type Mode = nixos.Mode

const (
	DryRun = nixos.DryRun
	Apply  = nixos.Apply
)

// Method is the execution path a result came from.
type Method string

const (
	MethodStructuredAPI Method = "structured_api"
	MethodSubprocess    Method = "subprocess"
	MethodNone          Method = "none"
)

// ExecutionResult is the outcome of one Execute call.
type ExecutionResult struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Succeeded bool      `json:"succeeded"`
	Method    Method    `json:"method_used"`
	Tier      string    `json:"tier"`
	DryRun    bool      `json:"dry_run"`
	StartedAt time.Time `json:"started_at"`

	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`

	// RollbackToken names the state to return to; empty when there is none.
	RollbackToken string `json:"rollback_token,omitempty"`

	StateChanged bool `json:"state_changed"`

	// Output is the change description, query output or instructions.
	Output string `json:"output,omitempty"`

	Busy bool `json:"busy,omitempty"`

	// Attempts lists the tiers tried, in order.
	Attempts []string `json:"attempts,omitempty"`

	// Disclosure is the degraded-mode notice for the execution chain, if
	// this call was the first to select a lower tier.
	Disclosure string `json:"disclosure,omitempty"`

	Warnings []string     `json:"warnings,omitempty"`
	Error    *ErrorRecord `json:"error,omitempty"`
}

// Retried reports whether more than one tier was tried.
func (r ExecutionResult) Retried() bool {
	return len(r.Attempts) > 1
}

// Summary renders a one-line outcome.
func (r ExecutionResult) Summary() string {
	var b strings.Builder
	switch {
	case r.Succeeded && r.DryRun:
		b.WriteString("dry run: ")
	case r.Succeeded:
		b.WriteString("done: ")
	default:
		b.WriteString("failed: ")
	}
	if r.Error != nil {
		b.WriteString(r.Error.Error())
	} else {
		b.WriteString(firstLine(r.Output))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Phase is a step reported to a ProgressFunc.
type Phase string

const (
	PhaseValidating  Phase = "validating"
	PhaseDispatching Phase = "dispatching"
	PhaseBuilding    Phase = "building"
	PhaseActivating  Phase = "activating"
	PhaseDone        Phase = "done"
)

// Progress is one progress report.
type Progress struct {
	ExecutionID string
	Label       string
	Phase       Phase
	Tier        string
}

// ProgressFunc receives progress reports. It must not block.
type ProgressFunc func(Progress)

// Request is a validated, decoded Operation as dispatchers see it.
type Request struct {
	Kind       OperationKind
	Label      string
	Action     string
	Package    string
	Style      string
	Scope      nixos.Scope
	Generation int
	Query      string
	Offline    bool
	Reversible bool
}

// IsMutation reports whether the request changes system state.
func (r Request) IsMutation() bool {
	return r.Kind == OpMutateConfig
}

// NixOSConfig converts a package change into the nixos boundary shape.
func (r Request) NixOSConfig() nixos.Config {
	cfg := nixos.Config{Scope: r.Scope, Offline: r.Offline}
	switch r.Action {
	case ActionAdd:
		cfg.Action = nixos.ActionAdd
	case ActionRemove:
		cfg.Action = nixos.ActionRemove
	case ActionUpgrade:
		cfg.Action = nixos.ActionUpgrade
	}
	if r.Package != "" {
		cfg.Packages = []string{r.Package}
	}
	return cfg
}

// PolicyDecision is the outcome of a policy check.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// PolicyViolation is one denied rule.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Messages joins violation messages.
func (d *PolicyDecision) Messages() string {
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Message)
	}
	slices.Sort(msgs)
	return strings.Join(msgs, "; ")
}
