package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/vectordb"
)

// StatusChecker is the slice of the relational store the hybrid strategy
// needs: which of these ids are still canonically indexed.
type StatusChecker interface {
	IndexedIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// HybridStrategy retrieves from the vector index and drops candidates whose
// document is not INDEXED in the relational store. The vector index can lag
// behind deletions and re-ingestions; the relational store is the source of
// truth.
type HybridStrategy struct {
	embedder          embeddings.Provider
	index             vectordb.Index
	status            StatusChecker
	defaultCollection string
	log               *zap.Logger
}

func NewHybridStrategy(embedder embeddings.Provider, index vectordb.Index, status StatusChecker, defaultCollection string, logger *zap.Logger) *HybridStrategy {
	return &HybridStrategy{
		embedder:          embedder,
		index:             index,
		status:            status,
		defaultCollection: defaultCollection,
		log:               logger,
	}
}

func (s *HybridStrategy) Name() string { return "hybrid" }

func (s *HybridStrategy) Search(ctx context.Context, query string, topK int, filters *Filters) ([]Candidate, error) {
	query, err := validateInputs(query, topK)
	if err != nil {
		return nil, err
	}
	collections := resolveCollections(s.defaultCollection, filters)
	candidates, err := fanOut(ctx, s.embedder, s.index, collections, query, topK, filters, s.log)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DocumentID
	}
	indexed, err := s.status.IndexedIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("status cross-check: %w", err)
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if _, ok := indexed[c.DocumentID]; ok {
			kept = append(kept, c)
			continue
		}
		s.log.Debug("dropping stale candidate",
			zap.String("document_id", c.DocumentID),
		)
	}
	return kept, nil
}
