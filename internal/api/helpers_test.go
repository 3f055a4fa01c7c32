package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/nyanta/internal/chunking"
	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/retrieval"
	"github.com/kalambet/nyanta/internal/session"
	"github.com/kalambet/nyanta/internal/storage"
)

const testToken = "test-token-12345"

// memIndex keeps chunks in a slice and returns the first k on Query.
type memIndex struct {
	mu        sync.Mutex
	chunks    []chunking.Chunk
	upsertErr error
	queryErr  error
	upserts   int
}

func (m *memIndex) Upsert(_ context.Context, chunks []chunking.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upsertErr != nil {
		return &retrieval.IndexError{Op: "upsert", Err: m.upsertErr}
	}
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memIndex) Query(_ context.Context, _ string, k int) ([]chunking.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return slices.Clone(m.chunks[:min(k, len(m.chunks))]), nil
}

func (m *memIndex) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memIndex) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = slices.DeleteFunc(m.chunks, func(c chunking.Chunk) bool { return c.DocumentID == documentID })
	return nil
}

type stubGenerator struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int
}

func (g *stubGenerator) Generate(context.Context, string, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.answer, g.err
}

type testEnv struct {
	deps  Deps
	store *storage.Store
	index *memIndex
	gen   *stubGenerator
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := &memIndex{}
	gen := &stubGenerator{answer: "It is blue."}
	status := retrieval.NewStatusCache(idx, nil, 0)

	return &testEnv{
		deps: Deps{
			Store:    store,
			Sessions: session.NewManager(store, 0),
			Pipeline: pipeline.New(store, idx, gen, pipeline.Options{}),
			Indexer:  ingest.NewIndexer(chunking.NewChunker(0, 0), idx, store, status, 0),
			Status:   status,
			Vectors:  idx,
			Token:    token,
		},
		store: store,
		index: idx,
		gen:   gen,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

var errBoom = errors.New("boom")

func uploadReq(body *bytes.Buffer, contentType, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}
