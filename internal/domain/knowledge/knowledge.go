// Package knowledge defines knowledge-base chunks and retrieval results.
package knowledge

import "sort"

// Chunk is one embedded piece of a tenant's knowledge base. Chunks are
// produced by an ingestion pipeline outside this service.
type Chunk struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	SourceID  string            `json:"source_id"`
	Ordinal   int               `json:"ordinal"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is a scored retrieval hit.
type Result struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// Query describes a retrieval request. A nil Threshold means the configured
// default; a non-nil zero accepts every scored chunk.
type Query struct {
	TenantID  string
	Text      string
	TopK      int
	Threshold *float64
}

// MinScore returns a Query threshold of v.
func MinScore(v float64) *float64 { return &v }

// Rank drops results below threshold, sorts by descending score and keeps at
// most topK. The input slice is not modified.
func Rank(results []Result, topK int, threshold float64) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
