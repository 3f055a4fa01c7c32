package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/nyanta/internal/chunking"
)

var _ Index = (*QdrantIndex)(nil)

const defaultQdrantTimeout = 15 * time.Second

// pointNamespace seeds deterministic point ids so re-indexing a chunk
// overwrites the previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("6f1c5b8e-3d0a-4c4e-9a51-2b7d0f4e8c11")

// errCollectionMissing is returned by the HTTP helpers on 404.
var errCollectionMissing = errors.New("collection does not exist")

// QdrantIndex is an Index backed by a Qdrant collection, spoken to over its
// REST API. The collection is created with cosine distance on first upsert.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	embedder   Embedder
	httpClient *http.Client

	mu      sync.Mutex
	created bool
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewQdrantIndex(cfg QdrantConfig, embedder Embedder) *QdrantIndex {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultQdrantTimeout
	}
	collection := cfg.Collection
	if collection == "" {
		collection = DefaultIndexName
	}
	return &QdrantIndex{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: collection,
		embedder:   embedder,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

func (q *QdrantIndex) Upsert(ctx context.Context, chunks []chunking.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vecs, err := q.embedder.EmbedBatch(ctx, chunkTexts(chunks))
	if err != nil {
		return indexErr("embed", err)
	}
	if err := q.ensureCollection(ctx, len(vecs[0])); err != nil {
		return indexErr("create collection", err)
	}

	points := make([]qdrantPoint, len(chunks))
	for i, c := range chunks {
		key := c.DocumentID + "/" + c.Source + "#" + strconv.Itoa(c.ChunkID)
		points[i] = qdrantPoint{
			ID:     uuid.NewSHA1(pointNamespace, []byte(key)).String(),
			Vector: vecs[i],
			Payload: map[string]any{
				"text":        c.Text,
				"source":      c.Source,
				"chunk_id":    c.ChunkID,
				"document_id": c.DocumentID,
			},
		}
	}
	body := map[string]any{"points": points}
	if err := q.do(ctx, http.MethodPut, q.collectionURL()+"/points?wait=true", body, nil); err != nil {
		return indexErr("upsert", err)
	}
	return nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.created {
		return nil
	}

	err := q.do(ctx, http.MethodGet, q.collectionURL(), nil, nil)
	if errors.Is(err, errCollectionMissing) {
		body := map[string]any{
			"vectors": map[string]any{"size": dim, "distance": "Cosine"},
		}
		err = q.do(ctx, http.MethodPut, q.collectionURL(), body, nil)
	}
	if err != nil {
		return err
	}
	q.created = true
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, text string, k int) ([]chunking.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	vector, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return nil, indexErr("embed", err)
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float32 `json:"score"`
			Payload struct {
				Text       string `json:"text"`
				Source     string `json:"source"`
				ChunkID    int    `json:"chunk_id"`
				DocumentID string `json:"document_id"`
			} `json:"payload"`
		} `json:"result"`
	}
	err = q.do(ctx, http.MethodPost, q.collectionURL()+"/points/search", req, &resp)
	if errors.Is(err, errCollectionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, indexErr("query", err)
	}

	out := make([]chunking.Chunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, chunking.Chunk{
			Text:       r.Payload.Text,
			Source:     r.Payload.Source,
			ChunkID:    r.Payload.ChunkID,
			DocumentID: r.Payload.DocumentID,
		})
	}
	return out, nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, q.collectionURL()+"/points/count", map[string]any{"exact": true}, &resp)
	if errors.Is(err, errCollectionMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, indexErr("count", err)
	}
	return resp.Result.Count, nil
}

// DeleteDocument removes every point whose payload carries documentID.
func (q *QdrantIndex) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{"key": "document_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	err := q.do(ctx, http.MethodPost, q.collectionURL()+"/points/delete?wait=true", body, nil)
	if err != nil && !errors.Is(err, errCollectionMissing) {
		return indexErr("delete", err)
	}
	return nil
}

func (q *QdrantIndex) collectionURL() string {
	return q.baseURL + "/collections/" + q.collection
}

func (q *QdrantIndex) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errCollectionMissing
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("qdrant %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return nil
}
