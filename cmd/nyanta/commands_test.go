package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/kalambet/nyanta/internal/api"
	"github.com/kalambet/nyanta/internal/config"
	"github.com/kalambet/nyanta/internal/storage"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

var ctx = context.Background()

// fakeModelServer speaks the embeddings and chat completions endpoints.
// Embeddings are letter histograms, so texts sharing words score higher.
type fakeModelServer struct {
	server    *httptest.Server
	answer    string
	chatCalls atomic.Int32
}

func newFakeModelServer(t *testing.T) *fakeModelServer {
	t.Helper()
	f := &fakeModelServer{answer: "It is blue."}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{Index: i, Embedding: letterHistogram(text)}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": f.answer}}},
		})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func letterHistogram(text string) []float32 {
	v := make([]float32, 26)
	v[0] = 0.01
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

type stack struct {
	client    *apiClient
	model     *fakeModelServer
	app       *app
	statePath string
	dir       string
}

// newStack runs the real wiring: config, storage, sqlite index, pipeline
// and HTTP handler, against a fake model server.
func newStack(t *testing.T) *stack {
	t.Helper()
	model := newFakeModelServer(t)
	dir := t.TempDir()

	cfg := config.Config{}
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Server.Token = "test-token"
	cfg.Embedding.BaseURL = model.server.URL
	cfg.Generation.BaseURL = model.server.URL
	cfg.Generation.APIKey = "gen-key"

	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)

	srv := httptest.NewServer(api.NewHandler(a.deps))
	t.Cleanup(srv.Close)

	return &stack{
		client:    &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()},
		model:     model,
		app:       a,
		statePath: filepath.Join(dir, "current_session"),
		dir:       dir,
	}
}

func (s *stack) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(s.dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewApp_RequiresGenerationKey(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	if _, err := newApp(ctx, cfg); !errors.Is(err, config.ErrMissingGenerationKey) {
		t.Fatalf("newApp err = %v, want ErrMissingGenerationKey", err)
	}
}

func TestNewApp_UnknownBackend(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.Generation.APIKey = "k"
	cfg.Index.Backend = "faiss"
	_, err := newApp(ctx, cfg)
	if err == nil || !strings.Contains(err.Error(), "faiss") {
		t.Fatalf("newApp err = %v, want unknown backend error", err)
	}
}

func TestUploadAskHistory(t *testing.T) {
	s := newStack(t)
	good := s.writeFile(t, "sky.txt", "The sky is blue on a clear day.")
	bad := s.writeFile(t, "notes.xyz", "unsupported")

	var out bytes.Buffer
	err := runUpload(ctx, s.client, &out, []string{good, bad})
	if err == nil || !strings.Contains(err.Error(), "1 file(s) failed") {
		t.Fatalf("runUpload err = %v, want one failure", err)
	}
	for _, want := range []string{"→ parsed sky.txt (1 chunks)", "⚠ skipped notes.xyz", "✓ indexed sky.txt", "Indexed 1 of 2 files, 1 chunks"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("upload output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := runAsk(ctx, s.client, &out, s.statePath, "", "What color is the sky?"); err != nil {
		t.Fatalf("runAsk: %v", err)
	}
	if !strings.HasPrefix(out.String(), "It is blue.\n") {
		t.Errorf("answer output = %q", out.String())
	}
	if !strings.Contains(out.String(), "[1] sky.txt, chunk 0") {
		t.Errorf("citation missing from output:\n%s", out.String())
	}

	id := readSessionState(s.statePath)
	if id == "" {
		t.Fatal("session id was not remembered")
	}
	msgs, err := s.client.messages(ctx, id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Citations[0].Source != "sky.txt" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestAsk_EmptyIndexFallsBack(t *testing.T) {
	s := newStack(t)
	var out bytes.Buffer
	if err := runAsk(ctx, s.client, &out, s.statePath, "s-1", "anything?"); err != nil {
		t.Fatalf("runAsk: %v", err)
	}
	if !strings.Contains(out.String(), "couldn't find relevant information") {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "Sources") {
		t.Error("fallback answer printed sources")
	}
	if n := s.model.chatCalls.Load(); n != 0 {
		t.Errorf("chat called %d times", n)
	}
}

func TestAsk_ServerRejectsBlankQuestion(t *testing.T) {
	s := newStack(t)
	_, err := s.client.ask(ctx, "s-1", "   ")
	var se *serverError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *serverError", err)
	}
	if se.Status != http.StatusBadRequest || se.Type != "invalid_request_error" {
		t.Errorf("serverError = %+v", se)
	}
}

func TestResolveSession(t *testing.T) {
	s := newStack(t)

	id, err := resolveSession(ctx, s.client, s.statePath, "explicit")
	if err != nil || id != "explicit" {
		t.Fatalf("flag: id = %q, err = %v", id, err)
	}
	if readSessionState(s.statePath) != "" {
		t.Fatal("explicit session should not be remembered")
	}

	if err := writeSessionState(s.statePath, "remembered"); err != nil {
		t.Fatal(err)
	}
	id, err = resolveSession(ctx, s.client, s.statePath, "")
	if err != nil || id != "remembered" {
		t.Fatalf("state file: id = %q, err = %v", id, err)
	}
}

func TestSessionNewListClear(t *testing.T) {
	s := newStack(t)

	state, err := s.client.newSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.SessionID == "" {
		t.Fatal("empty session id")
	}
	if _, err := s.app.store.AppendMessage(ctx, state.SessionID, storage.RoleUser, "hi", nil); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.client.listSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printSessions(&out, sessions, state.SessionID)
	if !strings.Contains(out.String(), "* "+state.SessionID) || !strings.Contains(out.String(), "1 messages") {
		t.Errorf("session list = %q", out.String())
	}

	for range 2 {
		if err := s.client.clearSession(ctx, state.SessionID); err != nil {
			t.Fatalf("clearSession: %v", err)
		}
	}
	msgs, err := s.client.messages(ctx, state.SessionID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages after clear = %d", len(msgs))
	}
}

func TestStatsAndDocuments(t *testing.T) {
	s := newStack(t)

	var out bytes.Buffer
	if err := runStats(ctx, s.client, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Documents: 0") || !strings.Contains(out.String(), "Avg chunks/doc: 0.0") {
		t.Errorf("empty stats = %q", out.String())
	}

	p := s.writeFile(t, "a.md", "# Title\n\nSome words here.")
	if err := runUpload(ctx, s.client, &bytes.Buffer{}, []string{p}); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := runStats(ctx, s.client, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Documents: 1", "Chunks: 1", "Vectors: 1", "Indexed: yes"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("stats missing %q:\n%s", want, out.String())
		}
	}

	docs, err := s.client.listDocuments(ctx, 10, 0)
	if err != nil || len(docs) != 1 {
		t.Fatalf("documents = %v, err = %v", docs, err)
	}
	if err := s.client.deleteDocument(ctx, docs[0].UID); err != nil {
		t.Fatal(err)
	}
	err = s.client.deleteDocument(ctx, docs[0].UID)
	var se *serverError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("second delete err = %v, want 404", err)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	s := newStack(t)
	err := runUpload(ctx, s.client, &bytes.Buffer{}, []string{filepath.Join(s.dir, "nope.txt")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
}

func TestClient_UnauthorizedToken(t *testing.T) {
	s := newStack(t)
	s.client.token = "wrong"
	_, err := s.client.stats(ctx)
	var se *serverError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestPrintMessages(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []storage.Message{
		{Role: storage.RoleUser, Content: "What is Go?", CreatedAt: ts},
		{Role: storage.RoleAssistant, Content: "A language.", CreatedAt: ts, Citations: []storage.Citation{
			{Source: "go.txt", ChunkID: 2, Content: "Go is a language..."},
		}},
	}
	var out bytes.Buffer
	printMessages(&out, "s-1", msgs)

	got := out.String()
	for _, want := range []string{"Session s-1", "You", "What is Go?", "Assistant", "A language.", "[1] go.txt, chunk 2"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	printMessages(&out, "s-2", nil)
	if !strings.Contains(out.String(), "No messages yet.") {
		t.Errorf("empty history output = %q", out.String())
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("pid file still readable after removal")
	}
}
