package embedding

import (
	"context"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/tier"
)

// Embedding tier names.
const (
	SubsystemEmbedding = "embedding"
	TierGenAI          = "genai"
	TierOllama         = "ollama"
	TierHashed         = "hashed"
)

// NewChain builds the embedding chain: genai when the network is direct and
// a key is configured, ollama when a local server answered the probe, and the
// hashed model otherwise.
func NewChain(ctx context.Context, cfg Config) (*tier.Chain[Embedder], error) {
	return tier.NewChain(SubsystemEmbedding,
		tier.Tier[Embedder]{
			Name:     TierGenAI,
			Priority: 30,
			Requires: func(s capability.Snapshot) bool {
				return s.Network == capability.NetworkDirect && cfg.GenAIAPIKey != ""
			},
			Description: "Gemini embeddings (" + cfg.GenAIModel + ")",
			Instantiate: func() (Embedder, error) {
				return NewGenAIEmbedder(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
			},
		},
		tier.Tier[Embedder]{
			Name:        TierOllama,
			Priority:    20,
			Requires:    func(s capability.Snapshot) bool { return s.HasLocalEmbedder },
			Description: "local Ollama server at " + cfg.OllamaEndpoint,
			Instantiate: func() (Embedder, error) {
				return NewOllamaEmbedder(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Timeout), nil
			},
		},
		tier.Tier[Embedder]{
			Name:        TierHashed,
			Universal:   true,
			Description: "in-process hashed trigrams",
			Instantiate: func() (Embedder, error) { return NewHashedEmbedder(cfg.Dimensions), nil },
		},
	)
}
