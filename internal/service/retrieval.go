package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/cache"
	"github.com/Strob0t/ReplyForge/internal/port/database"
	"github.com/Strob0t/ReplyForge/internal/port/embedding"
)

// SearchToolName is the builtin tool that exposes knowledge retrieval to the loop.
const SearchToolName = "search_knowledge_base"

const searchToolSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1, "description": "What to look up in the knowledge base"},
		"top_k": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Maximum number of passages"},
		"min_score": {"type": "number", "minimum": 0, "maximum": 1, "description": "Lowest similarity to return; omit for the default"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// RetrievalService embeds queries and searches a tenant's knowledge chunks.
type RetrievalService struct {
	store    database.Store
	embedder embedding.Embedder
	vectors  *cache.Vectors
	cfg      config.Retrieval
}

// NewRetrievalService creates a RetrievalService. embCache may be nil.
func NewRetrievalService(store database.Store, embedder embedding.Embedder, embCache cache.Cache, cacheTTL time.Duration, cfg config.Retrieval) *RetrievalService {
	s := &RetrievalService{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
	}
	if embCache != nil {
		s.vectors = cache.NewVectors(embCache, cacheTTL)
	}
	return s
}

// Retrieve returns at most q.TopK chunks of q.TenantID scoring at least
// q.Threshold (the configured default when nil), best first. No match is an
// empty slice, not an error.
func (s *RetrievalService) Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Result, error) {
	text := strings.TrimSpace(q.Text)
	if q.TenantID == "" || text == "" {
		return nil, fmt.Errorf("%w: tenant and query text are required", domain.ErrValidation)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if s.cfg.MaxTopK > 0 && topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}
	threshold := s.cfg.SimilarityThreshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be between 0 and 1", domain.ErrValidation)
	}

	vec, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	results, err := s.store.SearchChunks(ctx, q.TenantID, vec, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return knowledge.Rank(results, topK, threshold), nil
}

func (s *RetrievalService) embedQuery(ctx context.Context, text string) ([]float32, error) {
	model := s.embedder.Model()
	if s.vectors != nil {
		if vec, ok := s.vectors.Get(ctx, model, text); ok {
			return vec, nil
		}
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed query: empty embedding")
	}

	if s.vectors != nil {
		if err := s.vectors.Put(ctx, model, text, vecs[0]); err != nil {
			slog.Warn("embedding cache set failed", "error", err)
		}
	}
	return vecs[0], nil
}

// SearchTool returns the builtin binding and handler for knowledge search.
func (s *RetrievalService) SearchTool() Builtin {
	return Builtin{
		Binding: tool.Binding{
			Name:        SearchToolName,
			Description: "Search the organization's knowledge base and return the most relevant passages with their source.",
			Kind:        tool.KindBuiltin,
			Parameters:  json.RawMessage(searchToolSchema),
		},
		Handler: s.handleSearch,
	}
}

type searchArgs struct {
	Query    string   `json:"query"`
	TopK     int      `json:"top_k"`
	MinScore *float64 `json:"min_score"`
}

type searchOutput struct {
	Results []knowledge.Result `json:"results"`
}

func (s *RetrievalService) handleSearch(ctx context.Context, scope ToolScope, args json.RawMessage) (json.RawMessage, error) {
	var a searchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("decode search arguments: %w", err)
	}
	results, err := s.Retrieve(ctx, knowledge.Query{TenantID: scope.TenantID, Text: a.Query, TopK: a.TopK, Threshold: a.MinScore})
	if err != nil {
		return nil, err
	}
	return json.Marshal(searchOutput{Results: results})
}
