package intent

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed table.yaml
var builtinTable []byte

//go:embed table.cue
var tableSchema string

// Entry is one recognizable request shape.
type Entry struct {
	Type        Type     `yaml:"type"`
	TakesTarget bool     `yaml:"takes_target"`
	Target      string   `yaml:"target"`
	Canonical   string   `yaml:"canonical"`
	Description string   `yaml:"description"`
	Phrases     []string `yaml:"phrases"`
	Keywords    []string `yaml:"keywords"`
}

// CanonicalFor renders the canonical phrasing for target.
func (e Entry) CanonicalFor(target string) string {
	if e.TakesTarget && target != "" {
		return e.Canonical + " " + target
	}
	return e.Canonical
}

// Table is the versioned phrase table. A Table is never modified after
// construction; overlays produce a new Table.
type Table struct {
	Version      string            `yaml:"version"`
	Entries      []Entry           `yaml:"intents"`
	Aliases      map[string]string `yaml:"aliases"`
	Packages     []string          `yaml:"packages"`
	Fillers      []string          `yaml:"fillers"`
	Contractions map[string]string `yaml:"contractions"`

	// derived
	known     map[string]bool
	aliasKeys []string
	fillers   [][]string
	phrases   []phrase
}

// Overlay is the user's alias file.
type Overlay struct {
	Aliases  map[string]string `yaml:"aliases"`
	Packages []string          `yaml:"packages"`
}

// phrase is one tokenized phrasing of an entry.
type phrase struct {
	entry  int
	tokens []string
	text   string
}

// DefaultTable returns the built-in table.
func DefaultTable() (*Table, error) {
	return ParseTable(builtinTable)
}

// MustDefaultTable is DefaultTable for tests and package-level defaults.
func MustDefaultTable() *Table {
	t, err := DefaultTable()
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTable decodes and validates a YAML table.
func ParseTable(data []byte) (*Table, error) {
	if err := validateYAML("#Table", data); err != nil {
		return nil, fmt.Errorf("intent table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("intent table: %w", err)
	}
	t.index()
	return &t, nil
}

// LoadTable returns the built-in table merged with the overlay at path. A
// missing overlay file is not an error.
func LoadTable(path string) (*Table, error) {
	base, err := DefaultTable()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alias overlay: %w", err)
	}
	o, err := ParseOverlay(data)
	if err != nil {
		return nil, err
	}
	return base.WithOverlay(o), nil
}

// ParseOverlay decodes and validates an alias overlay.
func ParseOverlay(data []byte) (Overlay, error) {
	var o Overlay
	if err := validateYAML("#Overlay", data); err != nil {
		return o, fmt.Errorf("alias overlay: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("alias overlay: %w", err)
	}
	return o, nil
}

// WithOverlay returns a copy of t with the overlay's aliases and packages
// added. Overlay aliases win. The version records the overlay content.
func (t *Table) WithOverlay(o Overlay) *Table {
	if len(o.Aliases) == 0 && len(o.Packages) == 0 {
		return t
	}
	n := &Table{
		Entries:      t.Entries,
		Aliases:      maps.Clone(t.Aliases),
		Packages:     slices.Clone(t.Packages),
		Fillers:      t.Fillers,
		Contractions: t.Contractions,
	}
	if n.Aliases == nil {
		n.Aliases = map[string]string{}
	}

	h := fnv.New32a()
	keys := slices.Sorted(maps.Keys(o.Aliases))
	for _, k := range keys {
		n.Aliases[strings.ToLower(k)] = o.Aliases[k]
		fmt.Fprintf(h, "%s=%s;", k, o.Aliases[k])
	}
	for _, p := range o.Packages {
		if !slices.Contains(n.Packages, p) {
			n.Packages = append(n.Packages, p)
		}
		fmt.Fprintf(h, "%s;", p)
	}
	n.Version = fmt.Sprintf("%s+%08x", t.Version, h.Sum32())
	n.index()
	return n
}

func (t *Table) index() {
	t.known = make(map[string]bool, len(t.Packages))
	for _, p := range t.Packages {
		t.known[p] = true
	}
	t.aliasKeys = slices.Sorted(maps.Keys(t.Aliases))

	t.fillers = t.fillers[:0]
	for _, f := range t.Fillers {
		t.fillers = append(t.fillers, strings.Fields(f))
	}
	// Longest filler first so "i want to" is removed before "i".
	sort.SliceStable(t.fillers, func(i, j int) bool {
		return len(t.fillers[i]) > len(t.fillers[j])
	})

	t.phrases = t.phrases[:0]
	for i, e := range t.Entries {
		for _, p := range e.Phrases {
			t.phrases = append(t.phrases, phrase{entry: i, tokens: strings.Fields(p), text: p})
		}
	}
	sort.SliceStable(t.phrases, func(i, j int) bool {
		return len(t.phrases[i].tokens) > len(t.phrases[j].tokens)
	})
}

// Resolve maps an alias to its package name.
func (t *Table) Resolve(name string) string {
	if p, ok := t.Aliases[name]; ok {
		return p
	}
	return name
}

// Known reports whether name, after alias resolution, is a known package.
func (t *Table) Known(name string) bool {
	return t.known[t.Resolve(name)]
}

// Entry returns the entry at index i.
func (t *Table) Entry(i int) Entry {
	return t.Entries[i]
}

func (t *Table) candidate(entry int, target string, confidence float64, stage string) Candidate {
	e := t.Entries[entry]
	if !e.TakesTarget {
		target = e.Target
	}
	return Candidate{
		Type:       e.Type,
		Target:     target,
		Confidence: confidence,
		Stage:      stage,
		Canonical:  e.CanonicalFor(target),
		order:      entry,
	}
}

// validateYAML unifies data with a definition of the embedded schema.
func validateYAML(def string, data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(tableSchema, cue.Filename("table.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	val := ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath(def)).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
