package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/vectordb"
)

// VectorOnlyStrategy retrieves candidates purely from the vector index.
type VectorOnlyStrategy struct {
	embedder          embeddings.Provider
	index             vectordb.Index
	defaultCollection string
	log               *zap.Logger
}

func NewVectorOnlyStrategy(embedder embeddings.Provider, index vectordb.Index, defaultCollection string, logger *zap.Logger) *VectorOnlyStrategy {
	return &VectorOnlyStrategy{
		embedder:          embedder,
		index:             index,
		defaultCollection: defaultCollection,
		log:               logger,
	}
}

func (s *VectorOnlyStrategy) Name() string { return "vector_only" }

func (s *VectorOnlyStrategy) Search(ctx context.Context, query string, topK int, filters *Filters) ([]Candidate, error) {
	query, err := validateInputs(query, topK)
	if err != nil {
		return nil, err
	}
	collections := resolveCollections(s.defaultCollection, filters)
	return fanOut(ctx, s.embedder, s.index, collections, query, topK, filters, s.log)
}
