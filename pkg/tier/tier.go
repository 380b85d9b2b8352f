// Package tier implements capability-guarded fallback chains.
//
// A Chain holds several implementations of one responsibility, each guarded by
// a predicate over a capability.Snapshot. A Selector picks the best usable one,
// honours user overrides and discloses degradation once per session. Every
// chain in nixh (intent, embedding, execution, storage, render) goes through
// this package, so the fallback rules are identical everywhere.
package tier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nixh/nixh/pkg/capability"
)

// Predicate decides whether a tier can run on a snapshot.
type Predicate func(capability.Snapshot) bool

// Tier is one candidate implementation of a subsystem.
type Tier[T any] struct {
	Name     string
	Priority int

	// Requires guards the tier. It must be nil on a Universal tier.
	Requires Predicate

	// Universal tiers are usable on every snapshot.
	Universal bool

	Instantiate func() (T, error)

	// Description is shown by diagnostics.
	Description string
}

func (t Tier[T]) satisfied(snap capability.Snapshot) bool {
	if t.Universal {
		return true
	}
	return t.Requires != nil && t.Requires(snap)
}

// Chain is the ordered set of tiers for one subsystem.
type Chain[T any] struct {
	Subsystem string

	// Disclose formats the degraded-mode line. Defaults to DefaultDisclosure.
	Disclose func(subsystem, tier string) string

	tiers []Tier[T]
}

// ErrNoUniversalTier is returned by NewChain for a chain without a fallback.
var ErrNoUniversalTier = errors.New("tier chain has no universal tier")

// DefaultDisclosure is the generic degraded-mode line.
func DefaultDisclosure(subsystem, tier string) string {
	return fmt.Sprintf("%s: operating in reduced mode (%s)", subsystem, tier)
}

// NewChain validates tiers and orders them by descending priority. Equal
// priorities keep declaration order.
func NewChain[T any](subsystem string, tiers ...Tier[T]) (*Chain[T], error) {
	if subsystem == "" {
		return nil, errors.New("tier chain requires a subsystem name")
	}

	seen := make(map[string]bool, len(tiers))
	universal := false
	for _, t := range tiers {
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("%s: tier without a name", subsystem)
		case seen[t.Name]:
			return nil, fmt.Errorf("%s: duplicate tier %q", subsystem, t.Name)
		case t.Instantiate == nil:
			return nil, fmt.Errorf("%s: tier %q has no constructor", subsystem, t.Name)
		case t.Universal && t.Requires != nil:
			return nil, fmt.Errorf("%s: universal tier %q must not declare requirements", subsystem, t.Name)
		case !t.Universal && t.Requires == nil:
			return nil, fmt.Errorf("%s: tier %q declares no requirements", subsystem, t.Name)
		}
		seen[t.Name] = true
		universal = universal || t.Universal
	}
	if !universal {
		return nil, fmt.Errorf("%s: %w", subsystem, ErrNoUniversalTier)
	}

	ordered := make([]Tier[T], len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	return &Chain[T]{Subsystem: subsystem, Disclose: DefaultDisclosure, tiers: ordered}, nil
}

// MustChain is NewChain for package-level chains whose shape is fixed at
// compile time.
func MustChain[T any](subsystem string, tiers ...Tier[T]) *Chain[T] {
	c, err := NewChain(subsystem, tiers...)
	if err != nil {
		panic(err)
	}
	return c
}

// Tiers returns the tiers in selection order.
func (c *Chain[T]) Tiers() []Tier[T] {
	out := make([]Tier[T], len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Names returns tier names in selection order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name
	}
	return names
}

// Top is the name of the highest-priority tier.
func (c *Chain[T]) Top() string {
	return c.tiers[0].Name
}

// Satisfied reports, per tier name, whether its requirements hold on snap.
func (c *Chain[T]) Satisfied(snap capability.Snapshot) map[string]bool {
	out := make(map[string]bool, len(c.tiers))
	for _, t := range c.tiers {
		out[t.Name] = t.satisfied(snap)
	}
	return out
}

// Require replaces the predicate of a named tier. Universal tiers cannot be
// given requirements.
func (c *Chain[T]) Require(name string, pred Predicate) error {
	for i := range c.tiers {
		if c.tiers[i].Name != name {
			continue
		}
		if c.tiers[i].Universal {
			return fmt.Errorf("%s: universal tier %q must not declare requirements", c.Subsystem, name)
		}
		c.tiers[i].Requires = pred
		return nil
	}
	return fmt.Errorf("%s: unknown tier %q", c.Subsystem, name)
}

func (c *Chain[T]) index(name string) int {
	for i, t := range c.tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// Verify checks that some tier is satisfied on every reachable snapshot.
func Verify[T any](c *Chain[T]) error {
	for _, snap := range capability.Enumerate() {
		ok := false
		for _, t := range c.tiers {
			if t.satisfied(snap) {
				ok = true
				break
			}
		}
		if !ok {
			return &ConfigurationError{Subsystem: c.Subsystem, Reason: "no tier satisfied on " + snap.String()}
		}
	}
	return nil
}
