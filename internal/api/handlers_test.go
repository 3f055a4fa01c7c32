package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/storage"
)

func multipartUpload(t *testing.T, files map[string]string, order ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range order {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(files[name]))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func readUploadLines(t *testing.T, body string) []UploadLine {
	t.Helper()
	var lines []UploadLine
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var l UploadLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("decoding line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("token %q: missing WWW-Authenticate challenge", token)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "bearer "+testToken)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("lowercase scheme: status = %d, want 200", rr.Code)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, "")
	h := NewHandler(env.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestStats_Empty(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))

	var got StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got != (StatsResponse{}) {
		t.Fatalf("stats = %+v, want zeros", got)
	}
}

func TestUpload_StreamsProgressAndRecords(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	body, ctype := multipartUpload(t, map[string]string{
		"a.txt": "The sky is blue.",
		"b.bin": "\x00\x01",
	}, "a.txt", "b.bin")
	req := uploadReq(body, ctype, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := readUploadLines(t, rr.Body.String())
	if len(lines) == 0 {
		t.Fatal("no lines streamed")
	}
	last := lines[len(lines)-1]
	if last.Stage != stageDone || last.Report == nil {
		t.Fatalf("last line = %+v, want done with report", last)
	}
	if last.Report.Indexed != 1 || last.Report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 indexed, 1 failed", *last.Report)
	}

	var sawParseFailed bool
	for _, l := range lines {
		if l.Stage == ingest.StageParseFailed && l.File == "b.bin" {
			sawParseFailed = true
		}
	}
	if !sawParseFailed {
		t.Error("no parse_failed event for b.bin")
	}

	st, err := env.store.DocumentStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalDocuments != 1 || st.TotalChunks != 1 {
		t.Fatalf("stats = %+v, want 1 document with 1 chunk", st)
	}
}

func TestUpload_IndexFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t, testToken)
	env.index.upsertErr = errBoom
	h := NewHandler(env.deps)

	body, ctype := multipartUpload(t, map[string]string{"a.txt": "hello"}, "a.txt")
	req := uploadReq(body, ctype, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	lines := readUploadLines(t, rr.Body.String())
	last := lines[len(lines)-1]
	if last.Stage != stageError {
		t.Fatalf("last stage = %q, want error", last.Stage)
	}
	if !strings.Contains(last.Error, "boom") {
		t.Errorf("error = %q", last.Error)
	}

	st, _ := env.store.DocumentStats(context.Background())
	if st.TotalDocuments != 0 {
		t.Fatalf("documents = %d, want 0", st.TotalDocuments)
	}
}

func TestUpload_NoFiles(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	body, ctype := multipartUpload(t, nil)
	req := uploadReq(body, ctype, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, testToken)
	env.deps.MaxUploadBytes = 64
	h := NewHandler(env.deps)

	body, ctype := multipartUpload(t, map[string]string{"a.txt": strings.Repeat("x", 1024)}, "a.txt")
	req := uploadReq(body, ctype, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413; body = %s", rr.Code, rr.Body.String())
	}
}

func TestDocuments_ListAndDelete(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)
	ctx := context.Background()

	report, err := env.deps.Indexer.Index(ctx, []ingest.File{{Name: "doc1.txt", Data: []byte("alpha")}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	uid := report.Files[0].DocumentUID

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/documents", "", testToken))
	var docs []storage.Document
	if err := json.Unmarshal(rr.Body.Bytes(), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].UID != uid {
		t.Fatalf("docs = %+v", docs)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/documents/"+uid, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if n, _ := env.index.Count(ctx); n != 0 {
		t.Errorf("index still holds %d chunks", n)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/documents/"+uid, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rr.Code)
	}
}

func TestSessions_AskAndHistory(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	if _, err := env.deps.Indexer.Index(context.Background(), []ingest.File{{Name: "sky.txt", Data: []byte("The sky is blue.")}}, nil); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions", "", testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("new session status = %d", rr.Code)
	}
	var state pipeline.ConversationState
	if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.SessionID == "" || len(state.Messages) != 0 {
		t.Fatalf("state = %+v", state)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/"+state.SessionID+"/ask", `{"question":"What color is the sky?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("ask status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Answer != "It is blue." {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Source != "sky.txt" {
		t.Errorf("citations = %+v", res.Citations)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/"+state.SessionID+"/messages", "", testToken))
	var msgs []storage.Message
	if err := json.Unmarshal(rr.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != storage.RoleUser || msgs[1].Role != storage.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/current", "", testToken))
	var current pipeline.ConversationState
	if err := json.Unmarshal(rr.Body.Bytes(), &current); err != nil {
		t.Fatal(err)
	}
	if current.SessionID != state.SessionID || len(current.Messages) != 2 {
		t.Fatalf("current = %s with %d messages", current.SessionID, len(current.Messages))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions", "", testToken))
	var sessions []storage.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].MessageCount != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestAsk_EmptyIndexFallback(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/s1/ask", `{"question":"anything?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res pipeline.Result
	json.Unmarshal(rr.Body.Bytes(), &res)
	if res.Answer != pipeline.NoInformationAnswer {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.Citations == nil || len(res.Citations) != 0 {
		t.Errorf("citations = %#v, want empty slice", res.Citations)
	}
	if env.gen.calls != 0 {
		t.Errorf("generator called %d times", env.gen.calls)
	}
}

func TestAsk_BadRequests(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)

	for _, body := range []string{`not json`, `{"question":"   "}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/s1/ask", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestAsk_StorageFaultIs500(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)
	env.store.Close()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/s1/ask", `{"question":"hi"}`, testToken))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope.Error.Type != "storage_error" {
		t.Errorf("error type = %q, want storage_error", envelope.Error.Type)
	}
}

func TestClearSession_Idempotent(t *testing.T) {
	env := newTestEnv(t, testToken)
	h := NewHandler(env.deps)
	ctx := context.Background()

	if _, err := env.store.AppendMessage(ctx, "s1", storage.RoleUser, "hi", nil); err != nil {
		t.Fatal(err)
	}

	for i := range 2 {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodDelete, "/sessions/s1", "", testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("clear #%d status = %d", i+1, rr.Code)
		}
	}

	msgs, err := env.store.LoadMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d after clear, want 0", len(msgs))
	}
}
