package intent

import (
	"context"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Input is a normalized request as the stages see it.
type Input struct {
	Raw    string
	Tokens []string
	Table  *Table
}

// Text is the normalized request.
func (in Input) Text() string {
	return strings.Join(in.Tokens, " ")
}

// Stage produces scored candidates for an input. Stages return no
// candidates rather than an error when nothing matches.
type Stage interface {
	Name() string
	Match(ctx context.Context, in Input) ([]Candidate, error)
}

// RuleStage matches known phrasings exactly.
type RuleStage struct{}

func (RuleStage) Name() string { return StageRule }

// Match accepts "<phrase>" for entries without a target and
// "<phrase> <package>" for the others. A target that is not a known package
// but is close to one is left to the fuzzy stage.
func (RuleStage) Match(_ context.Context, in Input) ([]Candidate, error) {
	t := in.Table
	for _, p := range t.phrases {
		e := t.Entries[p.entry]
		if !e.TakesTarget {
			if slices.Equal(in.Tokens, p.tokens) {
				return []Candidate{t.candidate(p.entry, "", 1.0, StageRule)}, nil
			}
			continue
		}
		if len(in.Tokens) != len(p.tokens)+1 || !slices.Equal(in.Tokens[:len(p.tokens)], p.tokens) {
			continue
		}
		target := t.Resolve(in.Tokens[len(p.tokens)])
		if !t.known[target] {
			if _, sim := t.nearestPackage(target); sim >= targetFloor {
				continue
			}
		}
		return []Candidate{t.candidate(p.entry, target, 1.0, StageRule)}, nil
	}
	return nil, nil
}

// Fuzzy scoring.
const (
	// verbFloor is the least phrase similarity a fuzzy candidate needs.
	verbFloor = 0.6

	// targetFloor is the least similarity for correcting a target to a
	// known package.
	targetFloor = 0.7

	// unknownTarget scores a target that is not a known package and not
	// close to one. Most of nixpkgs is not in the table.
	unknownTarget = 0.7

	// keywordScore is the quality of a bare keyword hit.
	keywordScore = 0.6

	verbWeight   = 0.6
	targetWeight = 0.4

	fuzzyMin = 0.5
	fuzzyMax = 0.95
)

// FuzzyStage tolerates typos in both the phrasing and the target using
// Levenshtein similarity, plus keyword scoring for entries that declare
// keywords.
type FuzzyStage struct{}

func (FuzzyStage) Name() string { return StageFuzzy }

func (FuzzyStage) Match(_ context.Context, in Input) ([]Candidate, error) {
	t := in.Table
	best := map[string]Candidate{}
	add := func(c Candidate) {
		if old, ok := best[c.Key()]; !ok || c.Confidence > old.Confidence {
			best[c.Key()] = c
		}
	}

	for _, p := range t.phrases {
		e := t.Entries[p.entry]
		if !e.TakesTarget {
			sim := similarity(in.Text(), p.text)
			if sim >= verbFloor {
				add(t.candidate(p.entry, "", clamp(sim, fuzzyMin, fuzzyMax), StageFuzzy))
			}
			continue
		}

		if len(in.Tokens) != len(p.tokens)+1 {
			continue
		}
		verb := strings.Join(in.Tokens[:len(p.tokens)], " ")
		verbSim := similarity(verb, p.text)
		if verbSim < verbFloor {
			continue
		}
		target, targetSim := t.scoreTarget(in.Tokens[len(p.tokens)])
		q := verbWeight*verbSim + targetWeight*targetSim
		add(t.candidate(p.entry, target, clamp(q, fuzzyMin, fuzzyMax), StageFuzzy))
	}

	for i, e := range t.Entries {
		if e.TakesTarget {
			continue
		}
		for _, kw := range e.Keywords {
			if slices.Contains(in.Tokens, kw) {
				add(t.candidate(i, "", keywordScore, StageFuzzy))
				break
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sortCandidates(out)
	return out, nil
}

// scoreTarget resolves a possibly misspelled target.
func (t *Table) scoreTarget(word string) (string, float64) {
	target := t.Resolve(word)
	if t.known[target] {
		return target, 1.0
	}
	if name, sim := t.nearestPackage(word); sim >= targetFloor {
		return name, sim
	}
	return target, unknownTarget
}

// nearestPackage returns the known package or alias closest to word. Ties
// keep table order.
func (t *Table) nearestPackage(word string) (string, float64) {
	var name string
	var best float64
	for _, p := range t.Packages {
		if sim := similarity(word, p); sim > best {
			name, best = p, sim
		}
	}
	for _, alias := range t.aliasKeys {
		if sim := similarity(word, alias); sim > best {
			name, best = t.Aliases[alias], sim
		}
	}
	return name, best
}

// similarity is 1 - distance/longer length.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	n := max(len([]rune(a)), len([]rune(b)))
	if n == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
