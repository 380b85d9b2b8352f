package tier

import (
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/capability"
)

// Recorder receives selection outcomes. telemetry.Metrics implements it.
type Recorder interface {
	RecordTierSelection(subsystem, tier string, degraded bool)
}

// Selection is the outcome of one Select call.
type Selection[T any] struct {
	Tier   string
	Handle T

	// Degraded is true when Tier is not the chain's top tier.
	Degraded bool

	// Overridden is true when a user override chose the tier.
	Overridden bool

	// Warning is set when an override was ignored or bypassed requirements.
	Warning string

	// Disclosure is the one-line degraded-mode message. It is set only the
	// first time the chain degrades within a session.
	Disclosure string
}

// Selector is session scoped: it remembers which chains have already
// disclosed degradation. It is safe for concurrent use.
type Selector struct {
	overrides map[string]string
	logger    zerolog.Logger
	recorder  Recorder

	mu        sync.Mutex
	disclosed map[string]bool
}

// Option configures a Selector.
type Option func(*Selector)

// WithOverrides sets the user override channel (subsystem to tier name).
func WithOverrides(overrides map[string]string) Option {
	return func(s *Selector) { s.overrides = maps.Clone(overrides) }
}

// WithLogger sets the selector logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Selector) { s.logger = logger }
}

// WithRecorder reports selections to r.
func WithRecorder(r Recorder) Option {
	return func(s *Selector) { s.recorder = r }
}

// NewSelector creates a Selector for one session.
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		overrides: map[string]string{},
		logger:    zerolog.Nop(),
		disclosed: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Override returns the override configured for subsystem.
func (s *Selector) Override(subsystem string) string {
	return s.overrides[subsystem]
}

// Overrides returns a copy of the override channel.
func (s *Selector) Overrides() map[string]string {
	return maps.Clone(s.overrides)
}

// Select picks a tier for c using the session override for c.Subsystem.
func Select[T any](s *Selector, c *Chain[T], snap capability.Snapshot) (Selection[T], error) {
	return SelectWith(s, c, snap, s.Override(c.Subsystem))
}

// SelectWith picks a tier for c. A non-empty override naming a tier of c wins
// even when that tier's requirements fail; the selection then carries a
// warning. Otherwise tiers are tried in priority order and the first whose
// requirements hold and whose constructor succeeds is returned.
func SelectWith[T any](s *Selector, c *Chain[T], snap capability.Snapshot, override string) (Selection[T], error) {
	var sel Selection[T]
	var warning string

	if override != "" {
		i := c.index(override)
		if i < 0 {
			warning = fmt.Sprintf("%s: unknown tier %q in override, ignoring", c.Subsystem, override)
			s.logger.Warn().Str("subsystem", c.Subsystem).Str("override", override).Msg("Ignoring override for unknown tier")
		} else {
			t := c.tiers[i]
			handle, err := t.Instantiate()
			if err == nil {
				sel = Selection[T]{Tier: t.Name, Handle: handle, Overridden: true}
				if !t.satisfied(snap) {
					sel.Warning = fmt.Sprintf("%s: tier %q forced by override although its requirements are not met", c.Subsystem, t.Name)
					s.logger.Warn().Str("subsystem", c.Subsystem).Str("tier", t.Name).Msg("Override bypasses tier requirements")
				}
				return finish(s, c, sel), nil
			}
			warning = fmt.Sprintf("%s: override tier %q failed to start: %v", c.Subsystem, t.Name, err)
			s.logger.Warn().Err(err).Str("subsystem", c.Subsystem).Str("tier", t.Name).Msg("Override tier failed to instantiate")
		}
	}

	sel, err := first(s, c, snap, 0)
	if err != nil {
		return sel, err
	}
	sel.Warning = warning
	return finish(s, c, sel), nil
}

// SelectBelow picks the next usable tier strictly below after. It backs the
// retry-once rule for timeouts and unavailable tiers.
func SelectBelow[T any](s *Selector, c *Chain[T], snap capability.Snapshot, after string) (Selection[T], error) {
	i := c.index(after)
	if i < 0 {
		return Selection[T]{}, fmt.Errorf("%s: unknown tier %q", c.Subsystem, after)
	}
	sel, err := first(s, c, snap, i+1)
	if err != nil {
		return sel, fmt.Errorf("%s below %q: %w", c.Subsystem, after, ErrNoLowerTier)
	}
	return finish(s, c, sel), nil
}

func first[T any](s *Selector, c *Chain[T], snap capability.Snapshot, from int) (Selection[T], error) {
	var lastErr error
	for _, t := range c.tiers[from:] {
		if !t.satisfied(snap) {
			continue
		}
		handle, err := t.Instantiate()
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("subsystem", c.Subsystem).Str("tier", t.Name).Msg("Tier failed to instantiate, trying next")
			continue
		}
		return Selection[T]{Tier: t.Name, Handle: handle}, nil
	}
	return Selection[T]{}, &ConfigurationError{
		Subsystem: c.Subsystem,
		Reason:    "no usable tier",
		Cause:     lastErr,
	}
}

func finish[T any](s *Selector, c *Chain[T], sel Selection[T]) Selection[T] {
	sel.Degraded = sel.Tier != c.Top()
	if sel.Degraded {
		s.mu.Lock()
		if !s.disclosed[c.Subsystem] {
			s.disclosed[c.Subsystem] = true
			disclose := c.Disclose
			if disclose == nil {
				disclose = DefaultDisclosure
			}
			sel.Disclosure = disclose(c.Subsystem, sel.Tier)
		}
		s.mu.Unlock()
	}
	if s.recorder != nil {
		s.recorder.RecordTierSelection(c.Subsystem, sel.Tier, sel.Degraded)
	}
	s.logger.Debug().
		Str("subsystem", c.Subsystem).
		Str("tier", sel.Tier).
		Bool("degraded", sel.Degraded).
		Bool("overridden", sel.Overridden).
		Msg("Tier selected")
	return sel
}
