// Package cache defines the byte cache port and the query-embedding view
// that retrieval keeps on top of it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"
)

// Cache is a byte cache. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Vectors caches query embeddings, keyed by embedding model and query text.
// Entries from a different model never collide because the model is part of
// the key.
type Vectors struct {
	c   Cache
	ttl time.Duration
}

// NewVectors wraps c. Entries live for ttl; zero means the backend default.
func NewVectors(c Cache, ttl time.Duration) *Vectors {
	return &Vectors{c: c, ttl: ttl}
}

// Get returns the cached embedding. Backend errors and undecodable entries
// read as a miss.
func (v *Vectors) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, ok, err := v.c.Get(ctx, EmbeddingKey(model, text))
	if err != nil || !ok {
		return nil, false
	}
	return DecodeVector(data)
}

// Put stores vec for (model, text).
func (v *Vectors) Put(ctx context.Context, model, text string, vec []float32) error {
	return v.c.Set(ctx, EmbeddingKey(model, text), EncodeVector(vec), v.ttl)
}

// EmbeddingKey is "emb:<model>:<sha256(text)>".
func EmbeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + model + ":" + hex.EncodeToString(sum[:])
}

// EncodeVector packs vec as little-endian float32s.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector reverses EncodeVector. Empty or misaligned input is rejected.
func DecodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, true
}
