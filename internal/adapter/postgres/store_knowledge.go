package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
)

// --- Knowledge ---

// SearchChunks returns the tenant's chunks closest to embedding by cosine
// similarity, keeping those scoring at least threshold. The query vector is
// passed in pgvector text form and cast server-side.
func (s *Store) SearchChunks(ctx context.Context, tenantID string, embedding []float32, topK int, threshold float64) ([]knowledge.Result, error) {
	if topK <= 0 {
		return []knowledge.Result{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT content, source_id, 1 - (embedding <=> $1::vector) AS score
		 FROM knowledge_chunks
		 WHERE tenant_id = $2 AND 1 - (embedding <=> $1::vector) >= $3
		 ORDER BY embedding <=> $1::vector
		 LIMIT $4`,
		vectorLiteral(embedding), tenantID, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	results := make([]knowledge.Result, 0, topK)
	for rows.Next() {
		var r knowledge.Result
		if err := rows.Scan(&r.Text, &r.Source, &r.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertChunk stores one embedded chunk, replacing the text and vector of an
// existing (tenant, source, ordinal) entry.
func (s *Store) InsertChunk(ctx context.Context, c *knowledge.Chunk) error {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO knowledge_chunks (tenant_id, source_id, ordinal, content, embedding, metadata)
		 VALUES ($1, $2, $3, $4, $5::vector, $6)
		 ON CONFLICT (tenant_id, source_id, ordinal) DO UPDATE
		 SET content = EXCLUDED.content, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
		 RETURNING id`,
		c.TenantID, c.SourceID, c.Ordinal, c.Text, vectorLiteral(c.Embedding), meta,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert chunk %s/%d: %w", c.SourceID, c.Ordinal, err)
	}
	return nil
}
