package embeddings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	lru.Set("a", []float32{1}, time.Minute)
	lru.Set("b", []float32{2}, time.Minute)
	lru.Set("c", []float32{3}, time.Minute)

	_, ok := lru.Get("a")
	require.False(t, ok, "oldest entry should be evicted")

	v, ok := lru.Get("c")
	require.True(t, ok)
	require.Equal(t, []float32{3}, v)
}

func TestLocalLRUTouchOnGet(t *testing.T) {
	lru := NewLocalLRU(2)
	lru.Set("a", []float32{1}, time.Minute)
	lru.Set("b", []float32{2}, time.Minute)

	_, _ = lru.Get("a") // a becomes most recent
	lru.Set("c", []float32{3}, time.Minute)

	_, ok := lru.Get("b")
	require.False(t, ok)
	_, ok = lru.Get("a")
	require.True(t, ok)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(4)
	lru.Set("a", []float32{1}, -time.Second)

	_, ok := lru.Get("a")
	require.False(t, ok)
}

func TestMakeKeyStableAndModelScoped(t *testing.T) {
	k1 := MakeKey("m1", "hello")
	k2 := MakeKey("m1", "hello")
	k3 := MakeKey("m2", "hello")

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
	require.Contains(t, k1, "emb:")
}
