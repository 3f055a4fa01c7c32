package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGenerate_SendsDirectiveContextAndQuestion(t *testing.T) {
	var got chatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  X is a thing.  "}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL, Temperature: DefaultTemperature})
	answer, err := c.Generate(context.Background(), "[Source 1: a.txt, Chunk 0]\nX is a thing.\n", "What is X?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if answer != "X is a thing." {
		t.Errorf("answer = %q", answer)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got.Model != DefaultModel {
		t.Errorf("model = %q, want %q", got.Model, DefaultModel)
	}
	if got.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	sys := got.Messages[0]
	if sys.Role != "system" || !strings.HasPrefix(sys.Content, SystemDirective) {
		t.Errorf("system message does not start with directive: %q", sys.Content)
	}
	if !strings.Contains(sys.Content, "Context:\n[Source 1: a.txt, Chunk 0]") {
		t.Errorf("context missing from system message: %q", sys.Content)
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "What is X?" {
		t.Errorf("user message = %+v", got.Messages[1])
	}
}

func TestGenerate_NoRetryOnFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), "ctx", "q")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %v, want status in message", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	if _, err := c.Generate(context.Background(), "ctx", "q"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate took %v, timeout not applied", elapsed)
	}
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.Generate(context.Background(), "ctx", "q"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
