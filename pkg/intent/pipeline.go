package intent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixh/nixh/pkg/telemetry"
)

// Config holds the recognition thresholds.
type Config struct {
	// EarlyExit stops the pipeline at the first stage reaching it.
	EarlyExit float64 `yaml:"early_exit" json:"early_exit" validate:"gt=0,lte=1"`

	// UnknownBelow turns a weaker top candidate into TypeUnknown.
	UnknownBelow float64 `yaml:"unknown_below" json:"unknown_below" validate:"gte=0,lte=1"`

	// ClarifyBelow asks the user to choose instead of acting.
	ClarifyBelow float64 `yaml:"clarify_below" json:"clarify_below" validate:"gte=0,lte=1"`

	MaxAlternates   int           `yaml:"max_alternates" json:"max_alternates" validate:"gte=1,lte=3"`
	SemanticTimeout time.Duration `yaml:"semantic_timeout" json:"semantic_timeout"`

	// OverlayPath is the user's alias file.
	OverlayPath string `yaml:"overlay_path" json:"overlay_path"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		EarlyExit:       0.85,
		UnknownBelow:    0.3,
		ClarifyBelow:    0.5,
		MaxAlternates:   3,
		SemanticTimeout: 1500 * time.Millisecond,
	}
}

// Recognizer is the stage list of one intent tier.
type Recognizer struct {
	Tier   string
	Stages []Stage
}

// Recognition is the outcome of one Recognize call.
type Recognition struct {
	Intent Intent

	// Skipped lists stages that failed and were left out, one line each.
	Skipped []string

	// StagesRun names the stages that ran, in order.
	StagesRun []string
}

// Pipeline runs recognizers against the current table. The table may be
// swapped at any time; each call sees a single version.
type Pipeline struct {
	cfg     Config
	table   atomic.Pointer[Table]
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics records stage outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline over table.
func NewPipeline(table *Table, cfg Config, opts ...Option) *Pipeline {
	if cfg.MaxAlternates <= 0 {
		cfg.MaxAlternates = 3
	}
	p := &Pipeline{cfg: cfg, logger: zerolog.Nop()}
	p.table.Store(table)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pipeline thresholds.
func (p *Pipeline) Config() Config { return p.cfg }

// Table returns the table in use.
func (p *Pipeline) Table() *Table { return p.table.Load() }

// SetTable replaces the table for subsequent calls.
func (p *Pipeline) SetTable(t *Table) {
	old := p.table.Swap(t)
	p.logger.Info().Str("old_version", old.Version).Str("version", t.Version).Msg("Intent table replaced")
}

// Recognize runs rec's stages over text. It never fails: a failing stage is
// skipped and reported in Recognition.Skipped, and no usable candidate
// yields TypeUnknown.
func (p *Pipeline) Recognize(ctx context.Context, text string, rec Recognizer) Recognition {
	tbl := p.Table()
	in := Input{Raw: text, Tokens: tbl.Normalize(text), Table: tbl}
	var out Recognition

	if len(in.Tokens) == 0 {
		out.Intent = Intent{Type: TypeUnknown, RawText: text, TableVersion: tbl.Version}
		p.metrics.RecordIntent("", 0, true)
		return out
	}

	var all []Candidate
	var early *Candidate
	for _, st := range rec.Stages {
		if ctx.Err() != nil {
			out.Skipped = append(out.Skipped, fmt.Sprintf("intent: %s stage skipped (%v)", st.Name(), ctx.Err()))
			break
		}
		out.StagesRun = append(out.StagesRun, st.Name())

		cands, err := st.Match(ctx, in)
		if err != nil {
			p.metrics.RecordIntentStage(st.Name(), "skipped")
			if st.Name() == StageSemantic {
				p.metrics.RecordSemanticSkipped(skipReason(err))
			}
			p.logger.Warn().Err(err).Str("stage", st.Name()).Msg("Intent stage failed, skipping")
			out.Skipped = append(out.Skipped, fmt.Sprintf("intent: %s stage skipped (%s)", st.Name(), skipReason(err)))
			continue
		}
		if len(cands) == 0 {
			p.metrics.RecordIntentStage(st.Name(), "miss")
			continue
		}
		p.metrics.RecordIntentStage(st.Name(), "hit")
		all = append(all, cands...)

		sortCandidates(cands)
		if cands[0].Confidence >= p.cfg.EarlyExit {
			early = &cands[0]
			break
		}
	}

	switch {
	case early != nil:
		out.Intent = fromCandidate(*early, text, tbl.Version)
	default:
		merged := merge(all)
		if len(merged) == 0 {
			out.Intent = Intent{Type: TypeUnknown, RawText: text, TableVersion: tbl.Version}
			break
		}
		top := merged[0]
		if top.Confidence < p.cfg.UnknownBelow {
			out.Intent = Intent{
				Type:         TypeUnknown,
				RawText:      text,
				Confidence:   top.Confidence,
				Stage:        top.Stage,
				TableVersion: tbl.Version,
			}
		} else {
			out.Intent = fromCandidate(top, text, tbl.Version)
		}
		// The top reading leads the list so the user can confirm it; up to
		// MaxAlternates other readings follow.
		out.Intent.Alternates = merged[:min(len(merged), p.cfg.MaxAlternates+1)]
	}

	p.metrics.RecordIntent(out.Intent.Stage, out.Intent.Confidence, !out.Intent.Known())
	p.logger.Debug().
		Str("tier", rec.Tier).
		Str("type", string(out.Intent.Type)).
		Str("target", out.Intent.Target).
		Float64("confidence", out.Intent.Confidence).
		Str("stage", out.Intent.Stage).
		Int("alternates", len(out.Intent.Alternates)).
		Msg("Intent recognized")
	return out
}

// NeedsClarification reports whether the caller should ask rather than act.
func (p *Pipeline) NeedsClarification(i Intent) bool {
	return !i.Known() || i.Confidence < p.cfg.ClarifyBelow
}

// merge keeps the best candidate per (type, target).
func merge(all []Candidate) []Candidate {
	best := map[string]Candidate{}
	for _, c := range all {
		if old, ok := best[c.Key()]; !ok || c.Confidence > old.Confidence {
			best[c.Key()] = c
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

var stageRank = map[string]int{StageRule: 0, StageFuzzy: 1, StageSemantic: 2}

// sortCandidates orders by confidence, then table order, then target.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch {
		case a.Confidence != b.Confidence:
			return a.Confidence > b.Confidence
		case a.order != b.order:
			return a.order < b.order
		case a.Target != b.Target:
			return a.Target < b.Target
		default:
			return stageRank[a.Stage] < stageRank[b.Stage]
		}
	})
}

func skipReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
