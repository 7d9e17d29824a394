// Package embedding generates vector embeddings for search queries.
//
// The Provider interface lets the engine swap providers without touching
// consumers; a failed or zero embedding means "no semantic signal", never a
// hard error further up the stack.
package embedding

import (
	"context"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// IsZeroVector reports whether all elements of the vector are zero (the noop
// provider's output). Callers skip semantic search for zero vectors instead
// of ranking everything by distance to the origin.
func IsZeroVector(v pgvector.Vector) bool {
	for _, val := range v.Slice() {
		if val != 0 {
			return false
		}
	}
	return true
}

// NoopProvider returns zero vectors. Used when no embedding backend is
// configured; semantic search degrades to full-text.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector of the configured size.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}
