// Package api exposes sessions, questions and document uploads over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/retrieval"
	"github.com/kalambet/nyanta/internal/session"
	"github.com/kalambet/nyanta/internal/storage"
)

const (
	maxRequestBodySize    = 1 << 20 // 1MB
	defaultMaxUploadBytes = 32 << 20
	multipartMemory       = 8 << 20
)

// VectorDeleter removes a document's chunks from the vector index.
type VectorDeleter interface {
	DeleteDocument(ctx context.Context, documentID string) error
}

// StatusCache is the slice of retrieval.StatusCache the API needs.
type StatusCache interface {
	Get(ctx context.Context) (retrieval.IndexStatus, error)
	Invalidate(ctx context.Context)
}

// Deps holds everything the HTTP and MCP surfaces call into.
type Deps struct {
	Store    *storage.Store
	Sessions *session.Manager
	Pipeline *pipeline.Pipeline
	Indexer  *ingest.Indexer
	Status   StatusCache
	Vectors  VectorDeleter // optional; if nil, deleted documents keep their vectors
	Token    string        // empty disables bearer auth

	MaxUploadBytes int64
	Logger         *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewHandler returns the HTTP API. /health is always unauthenticated.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{uid}", handleDeleteDocument(deps))
		r.Get("/stats", handleStats(deps))

		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions", handleNewSession(deps))
		r.Get("/sessions/current", handleCurrentSession(deps))
		r.Get("/sessions/{id}/messages", handleSessionMessages(deps))
		r.Post("/sessions/{id}/ask", handleAsk(deps))
		r.Delete("/sessions/{id}", handleClearSession(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// UploadLine is one NDJSON line of an upload response. Progress lines carry
// Event fields; the last line has Stage "done" or "error" and the Report.
type UploadLine struct {
	ingest.Event
	Report *ingest.Report `json:"report,omitempty"`
}

const (
	stageDone  ingest.Stage = "done"
	stageError ingest.Stage = "error"
)

func handleUpload(deps Deps) http.HandlerFunc {
	limit := deps.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required in field \"files\"")
			return
		}

		files := make([]ingest.File, 0, len(headers))
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "opening %s: %v", fh.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading %s: %v", fh.Filename, err)
				return
			}
			files = append(files, ingest.File{Name: fh.Filename, Data: data})
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		send := func(line UploadLine) {
			if err := enc.Encode(line); err != nil {
				deps.logger().Debug("upload progress write failed", "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}

		report, err := deps.Indexer.Index(r.Context(), files, func(ev ingest.Event) {
			send(UploadLine{Event: ev})
		})
		if err != nil {
			deps.logger().Error("upload failed", "files", len(files), "error", err)
			send(UploadLine{Event: ingest.Event{Stage: stageError, Error: err.Error()}, Report: &report})
			return
		}
		send(UploadLine{Event: ingest.Event{Stage: stageDone}, Report: &report})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(r.Context(), limit, offset)
		if err != nil {
			failure(w, "listing documents", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := chi.URLParam(r, "uid")

		if err := deps.Store.DeleteDocument(r.Context(), uid); err != nil {
			failure(w, "document "+uid, err)
			return
		}
		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteDocument(r.Context(), uid); err != nil {
				deps.logger().Warn("removing document vectors failed", "document_id", uid, "error", err)
			}
		}
		if deps.Status != nil {
			deps.Status.Invalidate(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// StatsResponse combines stored document totals with the cached index status.
type StatsResponse struct {
	TotalDocuments int    `json:"total_documents"`
	TotalChunks    int    `json:"total_chunks"`
	Vectors        int    `json:"vectors"`
	Indexed        bool   `json:"indexed"`
	IndexError     string `json:"index_error,omitempty"`
}

func collectStats(ctx context.Context, deps Deps) (StatsResponse, error) {
	st, err := deps.Store.DocumentStats(ctx)
	if err != nil {
		return StatsResponse{}, err
	}
	resp := StatsResponse{TotalDocuments: st.TotalDocuments, TotalChunks: st.TotalChunks}
	if deps.Status != nil {
		is, err := deps.Status.Get(ctx)
		if err != nil {
			deps.logger().Warn("index status unavailable", "error", err)
			resp.IndexError = err.Error()
		} else {
			resp.Vectors = is.Vectors
			resp.Indexed = is.Indexed
		}
	}
	return resp, nil
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := collectStats(r.Context(), deps)
		if err != nil {
			failure(w, "document stats", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		sessions, err := deps.Store.ListSessions(r.Context(), limit)
		if err != nil {
			failure(w, "listing sessions", err)
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleNewSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, stateJSON(deps.Sessions.New()))
	}
}

func handleCurrentSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := deps.Sessions.Resume(r.Context())
		if err != nil {
			failure(w, "resuming session", err)
			return
		}
		writeJSON(w, http.StatusOK, stateJSON(state))
	}
}

func handleSessionMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", storage.DefaultHistoryLimit, 1000)

		msgs, err := deps.Store.LoadMessages(r.Context(), id, limit)
		if err != nil {
			failure(w, "loading messages", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := ask(r.Context(), deps, chi.URLParam(r, "id"), req.Question)
		if err != nil {
			failure(w, "answering", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ask answers one question while holding the session lock, so the history
// it loads cannot change underneath it.
func ask(ctx context.Context, deps Deps, sessionID, question string) (pipeline.Result, error) {
	unlock := deps.Sessions.Lock(sessionID)
	defer unlock()

	state, err := deps.Sessions.Load(ctx, sessionID)
	if err != nil {
		return pipeline.Result{}, err
	}
	_, res, err := deps.Pipeline.Answer(ctx, state, question)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return res, nil
}

func clearSession(ctx context.Context, deps Deps, sessionID string) error {
	unlock := deps.Sessions.Lock(sessionID)
	defer unlock()

	_, err := deps.Sessions.Clear(ctx, pipeline.ConversationState{SessionID: sessionID})
	return err
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := clearSession(r.Context(), deps, id); err != nil {
			failure(w, "clearing session", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "session_id": id})
	}
}

// stateJSON keeps an empty history encoded as [] rather than null.
func stateJSON(s pipeline.ConversationState) pipeline.ConversationState {
	if s.Messages == nil {
		s.Messages = []storage.Message{}
	}
	return s
}
