// Package search retrieves scored candidates from one or more vector
// collections, optionally cross-checked against the relational status store.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/embeddings"
	"github.com/ragline/ragline/internal/vectordb"
)

const (
	// MaxTopK bounds how many candidates a single search may request.
	MaxTopK = 100
	// MaxQueryLen bounds query text fed to the embedder.
	MaxQueryLen = 4096

	maxMetadataKeys     = 16
	maxMetadataValueLen = 256
)

// Candidate is one retrieved piece of content with its relevance score.
type Candidate struct {
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float64           `json:"score"`
}

// Strategy is the retrieval contract the pipeline dispatches through.
type Strategy interface {
	Search(ctx context.Context, query string, topK int, filters *Filters) ([]Candidate, error)
	Name() string
}

// validateInputs bounds topK and query, trimming an overlong query rather
// than failing the request.
func validateInputs(query string, topK int) (string, error) {
	if topK < 1 || topK > MaxTopK {
		return "", fmt.Errorf("topK must be in [1,%d], got %d", MaxTopK, topK)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is empty")
	}
	if len(query) > MaxQueryLen {
		query = query[:MaxQueryLen]
	}
	return query, nil
}

// resolveCollections picks the target collections: the caller's linked
// sources when present, otherwise the strategy default.
func resolveCollections(defaultCollection string, filters *Filters) []string {
	if filters != nil && len(filters.Collections) > 0 {
		cols := make([]string, 0, len(filters.Collections))
		for _, ref := range filters.Collections {
			if ref.Collection != "" {
				cols = append(cols, ref.Collection)
			}
		}
		if len(cols) > 0 {
			return cols
		}
	}
	return []string{defaultCollection}
}

// fanOut embeds the query once, then queries every collection concurrently.
// A failing collection is logged and excluded; only when every collection
// fails does the error propagate.
func fanOut(
	ctx context.Context,
	embedder embeddings.Provider,
	index vectordb.Index,
	collections []string,
	query string,
	topK int,
	filters *Filters,
	log *zap.Logger,
) ([]Candidate, error) {
	vec, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var (
		mu      sync.Mutex
		merged  []Candidate
		failed  int
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, collection := range collections {
		collection := collection
		g.Go(func() error {
			hits, qerr := index.Query(gctx, collection, vec, topK, 0, filters.vectorFilter())
			mu.Lock()
			defer mu.Unlock()
			if qerr != nil {
				failed++
				lastErr = qerr
				log.Warn("collection search failed, excluding from merge",
					zap.String("collection", collection),
					zap.Error(qerr),
				)
				return nil // partial failure tolerated
			}
			for _, h := range hits {
				merged = append(merged, candidateFromHit(h))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failed == len(collections) {
		return nil, fmt.Errorf("all %d collections failed: %w", failed, lastErr)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func candidateFromHit(h vectordb.Hit) Candidate {
	c := Candidate{
		DocumentID: h.ID,
		Score:      clampScore(h.Score),
	}
	if text, ok := h.Payload["text"].(string); ok {
		c.Text = text
	}
	meta := make(map[string]string)
	for k, v := range h.Payload {
		if k == "text" {
			continue
		}
		if len(meta) >= maxMetadataKeys {
			break
		}
		s := fmt.Sprintf("%v", v)
		if len(s) > maxMetadataValueLen {
			s = s[:maxMetadataValueLen]
		}
		meta[k] = s
	}
	if len(meta) > 0 {
		c.Metadata = meta
	}
	return c
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
