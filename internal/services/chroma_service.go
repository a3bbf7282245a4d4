package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/retrieval"
)

// ChromaService is the passage store, a thin client over the Chroma REST API. The
// collection is populated by the ingestion side; this client only queries it.
type ChromaService struct {
	client *http.Client
	config config.ChromaConfig
	logger *logger.Logger

	mu           sync.Mutex
	collectionID string
}

type chromaQueryRequest struct {
	QueryEmbeddings [][]float32    `json:"query_embeddings"`
	NResults        int            `json:"n_results"`
	Where           map[string]any `json:"where,omitempty"`
	Include         []string       `json:"include"`
}

type chromaQueryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

func NewChromaService(cfg config.ChromaConfig, log *logger.Logger) *ChromaService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &ChromaService{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: log,
	}
}

func (service *ChromaService) Search(ctx context.Context, vector []float32, filters map[string]string, k int) ([]retrieval.Candidate, error) {
	startTime := time.Now()

	collectionID, err := service.collection(ctx)
	if err != nil {
		return nil, err
	}

	body := chromaQueryRequest{
		QueryEmbeddings: [][]float32{vector},
		NResults:        k,
		Where:           whereClause(filters),
		Include:         []string{"documents", "metadatas", "distances"},
	}
	var resp chromaQueryResponse
	if err := service.do(ctx, http.MethodPost, "/api/v1/collections/"+collectionID+"/query", body, &resp); err != nil {
		service.logger.LogService("chroma", "query", time.Since(startTime), map[string]interface{}{"k": k}, err)
		return nil, err
	}

	var candidates []retrieval.Candidate
	if len(resp.IDs) > 0 {
		for i, id := range resp.IDs[0] {
			candidate := retrieval.Candidate{ID: id, ChunkID: id, Metadata: map[string]string{}}
			if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
				candidate.Text = resp.Documents[0][i]
			}
			if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
				candidate.Score = 1 - resp.Distances[0][i]
			}
			if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
				for key, value := range resp.Metadatas[0][i] {
					candidate.Metadata[key] = fmt.Sprint(value)
				}
			}
			candidate.DocID = candidate.Metadata["doc_id"]
			if chunk := candidate.Metadata["chunk_id"]; chunk != "" {
				candidate.ChunkID = chunk
			}
			if candidate.DocID == "" {
				candidate.DocID = id
			}
			candidates = append(candidates, candidate)
		}
	}

	service.logger.LogService("chroma", "query", time.Since(startTime), map[string]interface{}{
		"k":       k,
		"filters": len(filters),
		"results": len(candidates),
	}, nil)
	return candidates, nil
}

// collection resolves the configured collection name to its id once.
func (service *ChromaService) collection(ctx context.Context) (string, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	if service.collectionID != "" {
		return service.collectionID, nil
	}

	var resp struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := service.do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(service.config.Collection), nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", models.NewExternalError("CHROMA_COLLECTION", "collection has no id").
			WithMetadata("collection", service.config.Collection)
	}
	service.collectionID = resp.ID
	return resp.ID, nil
}

func (service *ChromaService) HealthCheck(ctx context.Context) error {
	var heartbeat map[string]any
	if err := service.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, &heartbeat); err != nil {
		return fmt.Errorf("chroma heartbeat failed: %w", err)
	}
	return nil
}

func (service *ChromaService) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return models.NewInternalError("CHROMA_ENCODE", "failed to encode request").WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, service.config.URL+path, reader)
	if err != nil {
		return models.NewValidationError("CHROMA_REQUEST", "failed to build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := service.client.Do(req)
	if err != nil {
		return models.WrapExternalError("CHROMA", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.NewNotFoundError("CHROMA_NOT_FOUND", "chroma resource not found").WithMetadata("path", path)
	}
	if err := statusError("chroma", resp.StatusCode); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewExternalError("CHROMA_DECODE", "failed to decode chroma response").WithCause(err)
	}
	return nil
}

func whereClause(filters map[string]string) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if len(keys) == 1 {
		return map[string]any{keys[0]: filters[keys[0]]}
	}
	clauses := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, map[string]any{key: filters[key]})
	}
	return map[string]any{"$and": clauses}
}
