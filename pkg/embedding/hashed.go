package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultDimensions is the hashed backend's vector size.
const DefaultDimensions = 256

// HashedEmbedder is a feature-hashing model over character trigrams and
// words. It is deterministic, needs no network and no model files, and is
// good enough to tell "get rid of" from "look for".
type HashedEmbedder struct {
	dims int
}

// NewHashedEmbedder creates a HashedEmbedder with dims buckets.
func NewHashedEmbedder(dims int) *HashedEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashedEmbedder{dims: dims}
}

func (h *HashedEmbedder) Name() string {
	return fmt.Sprintf("hashed:%d", h.dims)
}

// Embed never fails except on a cancelled context.
func (h *HashedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, h.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h.add(v, "w:"+word, 2)
		padded := " " + word + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			h.add(v, string(runes[i:i+3]), 1)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

// add hashes feature into a bucket; one hash bit picks the sign so
// collisions tend to cancel.
func (h *HashedEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}
