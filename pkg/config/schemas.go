package config

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var builtinSchema string

// SchemaRegistry holds compiled CUE definitions keyed by name.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in "config" schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinSchema, "#Config"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	val = val.LookupPath(cue.ParsePath(def))
	if !val.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context is the CUE context values must be built in before Unify.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// ValidateAgainstSchema encodes data and unifies it with the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateValue(schemaName, val)
}

// ValidateValue unifies an already built value with the named schema.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &Error{Errors: convertCUEErrors(err)}
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message: cueerrors.Details(e, nil),
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
