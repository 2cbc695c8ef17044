package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ReplyForge/internal/port/cache"
)

type mapCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestVectorsRoundTrip(t *testing.T) {
	backend := newMapCache()
	v := cache.NewVectors(backend, time.Hour)
	ctx := context.Background()

	if _, ok := v.Get(ctx, "text-embedding-3-small", "opening hours"); ok {
		t.Fatal("expected miss on empty cache")
	}
	want := []float32{0.25, -1, 3.5}
	if err := v.Put(ctx, "text-embedding-3-small", "opening hours", want); err != nil {
		t.Fatal(err)
	}
	got, ok := v.Get(ctx, "text-embedding-3-small", "opening hours")
	if !ok || len(got) != 3 || got[0] != 0.25 || got[1] != -1 || got[2] != 3.5 {
		t.Fatalf("got %v, %v", got, ok)
	}
	if _, ok := v.Get(ctx, "other-model", "opening hours"); ok {
		t.Fatal("another model must not share the entry")
	}
	if ttl := backend.ttls[cache.EmbeddingKey("text-embedding-3-small", "opening hours")]; ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
}

func TestVectorsBackendErrorIsMiss(t *testing.T) {
	backend := newMapCache()
	backend.getErr = errors.New("kv unavailable")
	v := cache.NewVectors(backend, 0)

	if _, ok := v.Get(context.Background(), "m", "q"); ok {
		t.Fatal("backend error should read as a miss")
	}
}

func TestVectorsCorruptEntryIsMiss(t *testing.T) {
	backend := newMapCache()
	backend.data[cache.EmbeddingKey("m", "q")] = []byte{1, 2, 3}
	v := cache.NewVectors(backend, 0)

	if _, ok := v.Get(context.Background(), "m", "q"); ok {
		t.Fatal("misaligned entry should read as a miss")
	}
}

func TestEmbeddingKey(t *testing.T) {
	k := cache.EmbeddingKey("m1", "hello")
	if k != cache.EmbeddingKey("m1", "hello") {
		t.Fatal("key is not deterministic")
	}
	if k == cache.EmbeddingKey("m1", "hello!") || k == cache.EmbeddingKey("m2", "hello") {
		t.Fatal("distinct inputs share a key")
	}
	if len(k) != len("emb:m1:")+64 {
		t.Fatalf("key = %q", k)
	}
}

func TestDecodeVectorRejects(t *testing.T) {
	for _, b := range [][]byte{nil, {}, {0, 0, 128}} {
		if _, ok := cache.DecodeVector(b); ok {
			t.Errorf("DecodeVector(%v) accepted", b)
		}
	}
}
