// Package embedding turns short texts into vectors for the semantic intent
// stage. Three backends exist, ordered by the embedding tier chain: Gemini
// through google.golang.org/genai, a local Ollama server, and an in-process
// hashed trigram model that always works.
package embedding

import (
	"context"
	"math"
	"time"
)

// Embedder generates a vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name identifies the backend and model, e.g. "ollama:nomic-embed-text".
	Name() string
}

// Config selects and tunes the backends.
type Config struct {
	OllamaEndpoint string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model" json:"ollama_model"`

	// GenAIAPIKey enables the genai tier. Usually taken from GEMINI_API_KEY.
	GenAIAPIKey string `yaml:"-" json:"-"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"`

	// Timeout bounds a single Embed call on the network backends.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Dimensions of the hashed backend.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// DefaultConfig returns the stock backend settings.
func DefaultConfig() Config {
	return Config{
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "nomic-embed-text",
		GenAIModel:     "gemini-embedding-001",
		Timeout:        2 * time.Second,
		Dimensions:     DefaultDimensions,
	}
}

// Cosine returns the cosine similarity of a and b, 0 when either is empty
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
