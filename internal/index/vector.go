package index

import "context"

// Vectorizer is the optional embedding capability. Nodes without one
// still answer every query; recall is just limited to keyword matches.
type Vectorizer interface {
	// Embed maps text to a dense vector.
	Embed(ctx context.Context, text string) ([]float32, error)
	// ANNSearch returns the doc IDs of the k nearest stored vectors.
	ANNSearch(ctx context.Context, vec []float32, k int) ([]uint64, error)
}
