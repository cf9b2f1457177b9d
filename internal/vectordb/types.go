package vectordb

import "context"

// Hit is one similarity match returned by Query.
type Hit struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// UpsertItem is a single point to insert.
type UpsertItem struct {
	ID      any            `json:"id,omitempty"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Index is the capability surface consumed by retrieval and the semantic
// cache; *Client implements it.
type Index interface {
	Query(ctx context.Context, collection string, vec []float32, topK int, threshold float64, filter map[string]any) ([]Hit, error)
	Upsert(ctx context.Context, collection string, points []UpsertItem) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
}
