package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/config"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/retrieval"
)

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return []float32{float32(len(text)), 1}, nil
}

func (e *countingEmbedder) EmbeddingModel() string { return "test-embedding" }

type fakeStore struct {
	calls      int
	candidates []retrieval.Candidate
	err        error
}

func (s *fakeStore) Search(ctx context.Context, vector []float32, filters map[string]string, k int) ([]retrieval.Candidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.candidates) > k {
		return s.candidates[:k], nil
	}
	return s.candidates, nil
}

func newPipeline(embedder *countingEmbedder, store *fakeStore) *retrieval.Pipeline {
	manager := cache.NewManager(cache.NewMemoryBackend(0), config.CacheConfig{
		EmbeddingTTL: 7 * 24 * time.Hour,
		RetrievalTTL: 6 * time.Hour,
	}, logger.NewNop())
	return retrieval.NewPipeline(embedder, store, manager, 10, 2, logger.NewNop())
}

func TestRetrieveCachesEmbeddingAndSearch(t *testing.T) {
	embedder := &countingEmbedder{}
	store := &fakeStore{candidates: []retrieval.Candidate{
		{DocID: "bukhari", ChunkID: "1", Text: "Actions are judged by intentions", Score: 0.9},
		{DocID: "muslim", ChunkID: "7", Text: "Fasting in Ramadan", Score: 0.4},
	}}
	pipeline := newPipeline(embedder, store)
	ctx := context.Background()

	first, err := pipeline.Retrieve(ctx, "intentions", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := pipeline.Retrieve(ctx, "intentions", nil)
	if err != nil {
		t.Fatal(err)
	}

	if embedder.calls != 1 || store.calls != 1 {
		t.Errorf("Expected one embed and one search call, got %d and %d", embedder.calls, store.calls)
	}
	if first.CacheHits != 0 || second.CacheHits != 2 {
		t.Errorf("Expected cache hits 0 then 2, got %d then %d", first.CacheHits, second.CacheHits)
	}
	if len(second.Passages) != len(first.Passages) || second.Passages[0].DocID != first.Passages[0].DocID {
		t.Error("Expected identical passages from cache")
	}
}

func TestSearchKeyIncludesFilters(t *testing.T) {
	embedder := &countingEmbedder{}
	store := &fakeStore{candidates: []retrieval.Candidate{{DocID: "d", Text: "t", Score: 0.5}}}
	pipeline := newPipeline(embedder, store)
	ctx := context.Background()

	_, _ = pipeline.Retrieve(ctx, "zakat", map[string]string{"collection": "fiqh"})
	_, _ = pipeline.Retrieve(ctx, "zakat", map[string]string{"collection": "hadith"})

	if store.calls != 2 {
		t.Errorf("Expected distinct filters to miss the retrieval cache, got %d searches", store.calls)
	}
	if embedder.calls != 1 {
		t.Errorf("Expected the embedding to be reused, got %d embeds", embedder.calls)
	}
}

func TestRerankDescendingWithStableTies(t *testing.T) {
	candidates := []retrieval.Candidate{
		{DocID: "a", Text: "unrelated", Score: 0.5},
		{DocID: "b", Text: "unrelated", Score: 0.5},
		{DocID: "c", Text: "zakat on gold", Score: 0.5},
		{DocID: "d", Text: "unrelated", Score: 0.9},
	}

	passages := retrieval.Rerank("zakat gold", candidates)

	order := []string{passages[0].DocID, passages[1].DocID, passages[2].DocID, passages[3].DocID}
	want := []string{"c", "d", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, order)
		}
	}
	for i := 1; i < len(passages); i++ {
		if passages[i].Score > passages[i-1].Score {
			t.Errorf("Passages not in descending order at %d", i)
		}
	}
}

func TestRetrieveTrimsToTopN(t *testing.T) {
	store := &fakeStore{candidates: []retrieval.Candidate{
		{DocID: "1", Score: 0.9}, {DocID: "2", Score: 0.8}, {DocID: "3", Score: 0.7},
	}}
	result, err := newPipeline(&countingEmbedder{}, store).Retrieve(context.Background(), "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Passages) != 2 {
		t.Errorf("Expected 2 passages, got %d", len(result.Passages))
	}
}

func TestSearchErrorsAreNotCached(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	pipeline := newPipeline(&countingEmbedder{}, store)

	if _, err := pipeline.Retrieve(context.Background(), "q", nil); err == nil {
		t.Fatal("Expected error")
	}
	store.err = nil
	if _, err := pipeline.Retrieve(context.Background(), "q", nil); err != nil {
		t.Fatalf("Expected recovery after store comes back, got %v", err)
	}
	if store.calls != 2 {
		t.Errorf("Expected failed search to be retried on next turn, got %d calls", store.calls)
	}
}
