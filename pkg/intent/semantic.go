package intent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nixh/nixh/pkg/embedding"
)

// semanticFloor drops candidates whose similarity is below it.
const semanticFloor = 0.3

// SemanticStage compares the request with the embedded descriptions of
// every table entry. The description set is fixed per table version; only
// the scores depend on the embedder.
type SemanticStage struct {
	embedder embedding.Embedder
	timeout  time.Duration

	mu      sync.Mutex
	key     string
	vectors [][]float32
}

// NewSemanticStage creates the stage. A zero timeout means the caller's
// context alone bounds the stage.
func NewSemanticStage(e embedding.Embedder, timeout time.Duration) *SemanticStage {
	return &SemanticStage{embedder: e, timeout: timeout}
}

func (s *SemanticStage) Name() string { return StageSemantic }

// Embedder returns the backend in use.
func (s *SemanticStage) Embedder() embedding.Embedder { return s.embedder }

func (s *SemanticStage) Match(ctx context.Context, in Input) ([]Candidate, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vectors, err := s.descriptions(ctx, in.Table)
	if err != nil {
		return nil, err
	}
	query, err := s.embedder.Embed(ctx, in.Text())
	if err != nil {
		return nil, fmt.Errorf("failed to embed request: %w", err)
	}

	t := in.Table
	var out []Candidate
	for i, e := range t.Entries {
		sim := embedding.Cosine(query, vectors[i])
		if sim < semanticFloor {
			continue
		}
		target := ""
		if e.TakesTarget {
			if target = t.extractTarget(in.Tokens, e); target == "" {
				continue
			}
		}
		out = append(out, t.candidate(i, target, clamp(sim, 0, 1), StageSemantic))
	}
	sortCandidates(out)
	return out, nil
}

// descriptions embeds every entry description once per table version and
// embedder.
func (s *SemanticStage) descriptions(ctx context.Context, t *Table) ([][]float32, error) {
	key := t.Version + "|" + s.embedder.Name()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == key {
		return s.vectors, nil
	}

	vectors := make([][]float32, len(t.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, e := range t.Entries {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, e.Canonical+": "+e.Description)
			if err != nil {
				return fmt.Errorf("failed to embed %q: %w", e.Canonical, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.key, s.vectors = key, vectors
	return vectors, nil
}

// extractTarget picks the word most likely to name a package: a known
// package or alias, then the closest correction, then the last word that is
// not part of the entry's phrasings.
func (t *Table) extractTarget(tokens []string, e Entry) string {
	for _, tok := range tokens {
		if t.Known(tok) {
			return t.Resolve(tok)
		}
	}

	var best string
	var bestSim float64
	for _, tok := range tokens {
		if name, sim := t.nearestPackage(tok); sim >= targetFloor && sim > bestSim {
			best, bestSim = name, sim
		}
	}
	if best != "" {
		return best
	}

	words := map[string]bool{}
	for _, p := range e.Phrases {
		for _, w := range strings.Fields(p) {
			words[w] = true
		}
	}
	for _, tok := range slices.Backward(tokens) {
		if !words[tok] {
			return tok
		}
	}
	return ""
}
