package vectorstore

import "context"

// VectorStore is the embedding index consulted by the context fetcher.
// Namespaces scope vectors per thread (or per user for cross-thread
// search); ids are message ids.
type VectorStore interface {
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	// QueryMatches returns ids with their similarity scores, best first.
	QueryMatches(ctx context.Context, namespace string, q []float32, topK int) ([]Match, error)
	DeleteIDs(ctx context.Context, namespace string, ids []string) error
}

type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

type Match struct {
	ID    string
	Score float64
}
