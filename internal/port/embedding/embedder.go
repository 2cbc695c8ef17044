// Package embedding defines the text embedding port.
package embedding

import "context"

// Embedder turns text into vectors using the same scheme as knowledge ingestion.
type Embedder interface {
	// Model returns the embedding model name.
	Model() string

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
