package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/vectordb"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

// fakeIndex maps collection name -> hits or error.
type fakeIndex struct {
	hits map[string][]vectordb.Hit
	errs map[string]error
}

func (f *fakeIndex) Query(_ context.Context, collection string, _ []float32, _ int, _ float64, _ map[string]any) ([]vectordb.Hit, error) {
	if err, ok := f.errs[collection]; ok {
		return nil, err
	}
	return f.hits[collection], nil
}

func (f *fakeIndex) Upsert(context.Context, string, []vectordb.UpsertItem) error { return nil }
func (f *fakeIndex) DeleteByFilter(context.Context, string, map[string]any) error {
	return nil
}

type fakeStatus struct {
	indexed map[string]struct{}
	err     error
}

func (f *fakeStatus) IndexedIDs(_ context.Context, _ []string) (map[string]struct{}, error) {
	return f.indexed, f.err
}

func hit(id string, score float64) vectordb.Hit {
	return vectordb.Hit{ID: id, Score: score, Payload: map[string]any{"text": "body of " + id}}
}

func TestVectorOnlyMergesAcrossCollections(t *testing.T) {
	idx := &fakeIndex{hits: map[string][]vectordb.Hit{
		"col_a": {hit("a1", 0.9), hit("a2", 0.4)},
		"col_b": {hit("b1", 0.7)},
	}}
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, "col_a", zap.NewNop())

	filters := &Filters{Collections: []CollectionRef{
		{SourceID: "s1", Collection: "col_a"},
		{SourceID: "s2", Collection: "col_b"},
	}}
	out, err := s.Search(context.Background(), "question", 10, filters)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// merged results ordered by score descending
	require.Equal(t, []string{"a1", "b1", "a2"}, []string{out[0].DocumentID, out[1].DocumentID, out[2].DocumentID})
}

func TestPartialCollectionFailureDegrades(t *testing.T) {
	idx := &fakeIndex{
		hits: map[string][]vectordb.Hit{"col_a": {hit("a1", 0.9), hit("a2", 0.8)}},
		errs: map[string]error{"col_b": errors.New("connection refused")},
	}
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, "col_a", zap.NewNop())

	filters := &Filters{Collections: []CollectionRef{
		{Collection: "col_a"}, {Collection: "col_b"},
	}}
	out, err := s.Search(context.Background(), "question", 10, filters)
	require.NoError(t, err, "one healthy collection must be enough")
	require.Len(t, out, 2)
}

func TestAllCollectionsFailingPropagates(t *testing.T) {
	idx := &fakeIndex{errs: map[string]error{
		"col_a": errors.New("down"),
		"col_b": errors.New("down"),
	}}
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, "col_a", zap.NewNop())

	filters := &Filters{Collections: []CollectionRef{
		{Collection: "col_a"}, {Collection: "col_b"},
	}}
	_, err := s.Search(context.Background(), "question", 10, filters)
	require.Error(t, err)
}

func TestEmbeddingFailureAborts(t *testing.T) {
	s := NewVectorOnlyStrategy(&fakeEmbedder{err: errors.New("embedder down")}, &fakeIndex{}, "col", zap.NewNop())
	_, err := s.Search(context.Background(), "question", 5, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "embed query")
}

func TestTopKBounds(t *testing.T) {
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, &fakeIndex{}, "col", zap.NewNop())
	for _, k := range []int{0, -1, 101} {
		_, err := s.Search(context.Background(), "q", k, nil)
		require.Error(t, err, "topK %d", k)
	}
}

func TestOverlongQueryTrimmedNotRejected(t *testing.T) {
	idx := &fakeIndex{hits: map[string][]vectordb.Hit{"col": {hit("d1", 0.5)}}}
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, "col", zap.NewNop())

	out, err := s.Search(context.Background(), strings.Repeat("x", MaxQueryLen+100), 5, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	idx := &fakeIndex{hits: map[string][]vectordb.Hit{"col": {
		{ID: "d1", Score: 1.2, Payload: map[string]any{}},
		{ID: "d2", Score: -0.1, Payload: map[string]any{}},
	}}}
	s := NewVectorOnlyStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, "col", zap.NewNop())

	out, err := s.Search(context.Background(), "q", 5, nil)
	require.NoError(t, err)
	for _, c := range out {
		require.GreaterOrEqual(t, c.Score, 0.0)
		require.LessOrEqual(t, c.Score, 1.0)
	}
}

func TestHybridDropsNonIndexedCandidates(t *testing.T) {
	idx := &fakeIndex{hits: map[string][]vectordb.Hit{"col": {
		hit("d1", 0.9), hit("d2", 0.8), hit("d3", 0.7),
	}}}
	status := &fakeStatus{indexed: map[string]struct{}{"d1": {}, "d3": {}}}
	s := NewHybridStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, status, "col", zap.NewNop())

	out, err := s.Search(context.Background(), "q", 10, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, c := range out {
		require.NotEqual(t, "d2", c.DocumentID, "non-indexed candidate leaked through")
	}
}

func TestHybridStatusStoreFailurePropagates(t *testing.T) {
	idx := &fakeIndex{hits: map[string][]vectordb.Hit{"col": {hit("d1", 0.9)}}}
	status := &fakeStatus{err: errors.New("db down")}
	s := NewHybridStrategy(&fakeEmbedder{vec: []float32{0.1}}, idx, status, "col", zap.NewNop())

	_, err := s.Search(context.Background(), "q", 10, nil)
	require.Error(t, err)
}

func TestStrategyNames(t *testing.T) {
	v := NewVectorOnlyStrategy(nil, nil, "c", zap.NewNop())
	h := NewHybridStrategy(nil, nil, nil, "c", zap.NewNop())
	require.Equal(t, "vector_only", v.Name())
	require.Equal(t, "hybrid", h.Name())
}
