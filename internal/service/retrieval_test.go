package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
	"github.com/Strob0t/ReplyForge/internal/port/cache"
)

func retrievalConfig() config.Retrieval {
	return config.Retrieval{TopK: 3, SimilarityThreshold: 0.7, MaxTopK: 20}
}

func TestRetrievalService_RanksAndFilters(t *testing.T) {
	store := newMemStore()
	store.chunks = []knowledge.Result{
		{Text: "low", Score: 0.5, Source: "faq"},
		{Text: "best", Score: 0.95, Source: "faq"},
		{Text: "ok", Score: 0.71, Source: "policy"},
		{Text: "good", Score: 0.88, Source: "faq"},
	}
	svc := NewRetrievalService(store, &fakeEmbedder{}, nil, 0, retrievalConfig())

	got, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "hours", TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "best" || got[1].Text != "good" {
		t.Fatalf("got %+v", got)
	}
	if store.lastSearch.tenantID != "t1" || store.lastSearch.threshold != 0.7 {
		t.Fatalf("search scoped as %+v", store.lastSearch)
	}
}

func TestRetrievalService_NoMatchIsEmpty(t *testing.T) {
	store := newMemStore()
	store.chunks = []knowledge.Result{{Text: "unrelated", Score: 0.1}}
	svc := NewRetrievalService(store, &fakeEmbedder{}, nil, 0, retrievalConfig())

	got, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "refund"})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("want empty non-nil slice, got %#v", got)
	}
}

func TestRetrievalService_ExplicitZeroThresholdKeepsEverything(t *testing.T) {
	store := newMemStore()
	store.chunks = []knowledge.Result{
		{Text: "close", Score: 0.82, Source: "faq"},
		{Text: "loose", Score: 0.05, Source: "faq"},
		{Text: "orthogonal", Score: 0, Source: "faq"},
	}
	svc := NewRetrievalService(store, &fakeEmbedder{}, nil, 0, retrievalConfig())
	ctx := context.Background()

	got, err := svc.Retrieve(ctx, knowledge.Query{TenantID: "t1", Text: "hours", TopK: 5, Threshold: knowledge.MinScore(0)})
	if err != nil {
		t.Fatal(err)
	}
	if store.lastSearch.threshold != 0 {
		t.Fatalf("threshold = %v, want explicit 0", store.lastSearch.threshold)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want all 3", len(got))
	}

	if _, err := svc.Retrieve(ctx, knowledge.Query{TenantID: "t1", Text: "hours"}); err != nil {
		t.Fatal(err)
	}
	if store.lastSearch.threshold != 0.7 {
		t.Fatalf("unset threshold = %v, want default 0.7", store.lastSearch.threshold)
	}

	if _, err := svc.Retrieve(ctx, knowledge.Query{TenantID: "t1", Text: "hours", Threshold: knowledge.MinScore(-0.1)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative threshold: got %v", err)
	}
}

func TestRetrievalService_ClampsTopK(t *testing.T) {
	store := newMemStore()
	svc := NewRetrievalService(store, &fakeEmbedder{}, nil, 0, retrievalConfig())

	if _, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "q", TopK: 500}); err != nil {
		t.Fatal(err)
	}
	if store.lastSearch.topK != 20 {
		t.Fatalf("topK = %d, want clamp to 20", store.lastSearch.topK)
	}
	if _, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "q"}); err != nil {
		t.Fatal(err)
	}
	if store.lastSearch.topK != 3 {
		t.Fatalf("topK = %d, want default 3", store.lastSearch.topK)
	}
}

func TestRetrievalService_EmbeddingCache(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{}
	c := newMemCache()
	svc := NewRetrievalService(store, emb, c, time.Hour, retrievalConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Retrieve(ctx, knowledge.Query{TenantID: "t1", Text: "opening hours"}); err != nil {
			t.Fatal(err)
		}
	}
	if emb.calls != 1 {
		t.Fatalf("embedder called %d times, want 1", emb.calls)
	}

	vec, ok := cache.DecodeVector(c.data[cache.EmbeddingKey("test-embed", "opening hours")])
	if !ok || len(vec) != 3 || vec[1] != 0.5 {
		t.Fatalf("cached vector = %v", vec)
	}
}

func TestRetrievalService_Errors(t *testing.T) {
	store := newMemStore()
	svc := NewRetrievalService(store, &fakeEmbedder{err: errors.New("litellm down")}, nil, 0, retrievalConfig())

	if _, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank query: got %v", err)
	}
	if _, err := svc.Retrieve(context.Background(), knowledge.Query{TenantID: "t1", Text: "q"}); err == nil {
		t.Fatal("expected embedder error")
	}
}

func TestRetrievalService_SearchToolThroughDispatcher(t *testing.T) {
	store := newMemStore()
	store.chunks = []knowledge.Result{{Text: "We open at 9", Score: 0.9, Source: "faq"}}
	svc := NewRetrievalService(store, &fakeEmbedder{}, nil, 0, retrievalConfig())
	d := NewToolDispatcher(nil, nil, time.Second)
	d.RegisterBuiltin(svc.SearchTool())

	b := tool.Binding{Name: SearchToolName, Kind: tool.KindBuiltin}
	res := d.Dispatch(context.Background(), ToolScope{TenantID: "t42"}, b, json.RawMessage(`{"query":"hours"}`))
	if !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	var out searchOutput
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].Source != "faq" {
		t.Fatalf("results = %+v", out.Results)
	}
	if store.lastSearch.tenantID != "t42" {
		t.Fatalf("search ran for tenant %q, want scope tenant", store.lastSearch.tenantID)
	}

	res = d.Dispatch(context.Background(), ToolScope{TenantID: "t42"}, b, json.RawMessage(`{"query":"hours","min_score":0}`))
	if !res.OK() {
		t.Fatalf("min_score 0: %v", res.Err)
	}
	if store.lastSearch.threshold != 0 {
		t.Fatalf("min_score 0 searched with threshold %v", store.lastSearch.threshold)
	}

	res = d.Dispatch(context.Background(), ToolScope{TenantID: "t42"}, b, json.RawMessage(`{"query":"hours","top_k":99}`))
	if res.Err == nil || res.Err.Kind != tool.ErrorValidation {
		t.Fatalf("top_k above 20 should fail validation, got %+v", res.Err)
	}
}
