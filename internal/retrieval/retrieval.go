package retrieval

import (
	"context"
	"sort"
	"time"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

// Candidate is a raw vector search hit.
type Candidate struct {
	ID       string            `json:"id"`
	DocID    string            `json:"doc_id"`
	ChunkID  string            `json:"chunk_id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PassageStore is the vector index populated by the ingestion collaborator.
type PassageStore interface {
	Search(ctx context.Context, vector []float32, filters map[string]string, k int) ([]Candidate, error)
}

// Pipeline runs embed -> search -> rerank with the embedding and retrieval caches in
// front of the providers.
type Pipeline struct {
	embedder llm.Embedder
	store    PassageStore
	cache    *cache.Manager
	logger   *logger.Logger
	k        int
	topN     int
}

func NewPipeline(embedder llm.Embedder, store PassageStore, cacheManager *cache.Manager, k, topN int, log *logger.Logger) *Pipeline {
	if k <= 0 {
		k = 20
	}
	if topN <= 0 {
		topN = 6
	}
	return &Pipeline{embedder: embedder, store: store, cache: cacheManager, logger: log, k: k, topN: topN}
}

type Embedding struct {
	Vector []float32 `json:"vector"`
	Hash   string    `json:"hash"`
}

// Embed returns the vector for text and its cache hash, keyed on (text, model).
func (p *Pipeline) Embed(ctx context.Context, text string) (*Embedding, bool, error) {
	key := cache.Key("embed", text, p.embedder.EmbeddingModel())
	vector, hit, err := cache.Fetch(ctx, p.cache, models.CacheEmbedding, key, 0, func(ctx context.Context) ([]float32, error) {
		return p.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, false, err
	}
	return &Embedding{Vector: vector, Hash: key}, hit, nil
}

// Search queries the passage store, keyed on (embedding hash, k, filters).
func (p *Pipeline) Search(ctx context.Context, embedding *Embedding, filters map[string]string, k int) ([]Candidate, bool, error) {
	key := cache.Key("search", embedding.Hash, k, filters)
	start := time.Now()
	candidates, hit, err := cache.Fetch(ctx, p.cache, models.CacheRetrieval, key, 0, func(ctx context.Context) ([]Candidate, error) {
		found, err := p.store.Search(ctx, embedding.Vector, filters, k)
		if err != nil {
			return nil, models.WrapExternalError("PASSAGE_STORE", err)
		}
		return found, nil
	})
	p.logger.LogService("retrieval", "search", time.Since(start), map[string]interface{}{
		"k":          k,
		"cache_hit":  hit,
		"candidates": len(candidates),
	}, err)
	return candidates, hit, err
}

// Rerank orders candidates by descending relevance. Ties keep their original retrieval
// rank. It is deterministic and uncached.
func (p *Pipeline) Rerank(query string, candidates []Candidate) []models.Passage {
	return Rerank(query, candidates)
}

func Rerank(query string, candidates []Candidate) []models.Passage {
	queryTerms := tokenize(query)
	type scored struct {
		passage models.Passage
		score   float64
	}

	ranked := make([]scored, len(candidates))
	for i, candidate := range candidates {
		score := 0.7*candidate.Score + 0.3*termOverlap(queryTerms, candidate.Text)
		ranked[i] = scored{
			passage: models.Passage{
				PassageRef: models.PassageRef{DocID: candidate.DocID, ChunkID: candidateChunk(candidate), Score: score},
				Text:       candidate.Text,
				Metadata:   candidate.Metadata,
				Rank:       i,
			},
			score: score,
		}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].passage.Rank < ranked[b].passage.Rank
	})

	passages := make([]models.Passage, len(ranked))
	for i, r := range ranked {
		passages[i] = r.passage
	}
	return passages
}

type Result struct {
	Passages  []models.Passage
	CacheHits int
	Duration  time.Duration
}

// Retrieve embeds the query, searches, reranks and keeps the top passages.
func (p *Pipeline) Retrieve(ctx context.Context, query string, filters map[string]string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	embedding, hit, err := p.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if hit {
		result.CacheHits++
	}

	candidates, hit, err := p.Search(ctx, embedding, filters, p.k)
	if err != nil {
		return nil, err
	}
	if hit {
		result.CacheHits++
	}

	passages := p.Rerank(query, candidates)
	if len(passages) > p.topN {
		passages = passages[:p.topN]
	}
	result.Passages = passages
	result.Duration = time.Since(start)
	return result, nil
}

func candidateChunk(candidate Candidate) string {
	if candidate.ChunkID != "" {
		return candidate.ChunkID
	}
	return candidate.ID
}

func Refs(passages []models.Passage) []models.PassageRef {
	refs := make([]models.PassageRef, len(passages))
	for i, passage := range passages {
		refs[i] = passage.Ref()
	}
	return refs
}
