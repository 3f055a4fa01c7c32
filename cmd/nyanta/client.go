package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kalambet/nyanta/internal/api"
	"github.com/kalambet/nyanta/internal/config"
	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/storage"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClientFromConfig(cfg config.Config) *apiClient {
	// No client-wide timeout: uploads and answers are bounded server side.
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{},
	}
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newAPIClientFromConfig(cfg), nil
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *apiClient) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is nyanta serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// serverError is the decoded error envelope of a failed request.
type serverError struct {
	Status  int
	Type    string
	Message string
}

func (e *serverError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return readServerError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func readServerError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return &serverError{Status: resp.StatusCode, Type: envelope.Error.Type, Message: envelope.Error.Message}
	}
	return &serverError{Status: resp.StatusCode, Message: string(body)}
}

func (c *apiClient) stats(ctx context.Context) (api.StatsResponse, error) {
	var st api.StatsResponse
	resp, err := c.get(ctx, "/stats")
	if err != nil {
		return st, err
	}
	return st, decodeJSON(resp, &st)
}

func (c *apiClient) currentSession(ctx context.Context) (pipeline.ConversationState, error) {
	var state pipeline.ConversationState
	resp, err := c.get(ctx, "/sessions/current")
	if err != nil {
		return state, err
	}
	return state, decodeJSON(resp, &state)
}

func (c *apiClient) newSession(ctx context.Context) (pipeline.ConversationState, error) {
	var state pipeline.ConversationState
	resp, err := c.post(ctx, "/sessions", nil)
	if err != nil {
		return state, err
	}
	return state, decodeJSON(resp, &state)
}

func (c *apiClient) listSessions(ctx context.Context, limit int) ([]storage.Session, error) {
	var sessions []storage.Session
	resp, err := c.get(ctx, "/sessions?limit="+strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	return sessions, decodeJSON(resp, &sessions)
}

func (c *apiClient) messages(ctx context.Context, sessionID string, limit int) ([]storage.Message, error) {
	var msgs []storage.Message
	resp, err := c.get(ctx, fmt.Sprintf("/sessions/%s/messages?limit=%d", url.PathEscape(sessionID), limit))
	if err != nil {
		return nil, err
	}
	return msgs, decodeJSON(resp, &msgs)
}

func (c *apiClient) ask(ctx context.Context, sessionID, question string) (pipeline.Result, error) {
	var res pipeline.Result
	resp, err := c.post(ctx, "/sessions/"+url.PathEscape(sessionID)+"/ask", map[string]string{"question": question})
	if err != nil {
		return res, err
	}
	return res, decodeJSON(resp, &res)
}

func (c *apiClient) clearSession(ctx context.Context, sessionID string) error {
	resp, err := c.delete(ctx, "/sessions/"+url.PathEscape(sessionID))
	if err != nil {
		return err
	}
	var ignored map[string]string
	return decodeJSON(resp, &ignored)
}

func (c *apiClient) listDocuments(ctx context.Context, limit, offset int) ([]storage.Document, error) {
	var docs []storage.Document
	resp, err := c.get(ctx, fmt.Sprintf("/documents?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return nil, err
	}
	return docs, decodeJSON(resp, &docs)
}

func (c *apiClient) deleteDocument(ctx context.Context, uid string) error {
	resp, err := c.delete(ctx, "/documents/"+url.PathEscape(uid))
	if err != nil {
		return err
	}
	var ignored map[string]string
	return decodeJSON(resp, &ignored)
}

var errNoReport = errors.New("upload stream ended without a report")

// upload streams paths as a multipart body and calls onEvent for every
// progress line the server sends back.
func (c *apiClient) upload(ctx context.Context, paths []string, onEvent func(ingest.Event)) (ingest.Report, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFiles(mw, paths))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/documents", pr)
	if err != nil {
		pr.Close()
		return ingest.Report{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(req)
	if err != nil {
		pr.Close()
		return ingest.Report{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ingest.Report{}, readServerError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var line api.UploadLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return ingest.Report{}, fmt.Errorf("decoding progress line: %w", err)
		}
		if line.Report != nil {
			if line.Error != "" {
				return *line.Report, errors.New(line.Error)
			}
			return *line.Report, nil
		}
		if onEvent != nil {
			onEvent(line.Event)
		}
	}
	if err := sc.Err(); err != nil {
		return ingest.Report{}, fmt.Errorf("reading progress: %w", err)
	}
	return ingest.Report{}, errNoReport
}

func writeFiles(mw *multipart.Writer, paths []string) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("files", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("sending %s: %w", p, err)
		}
	}
	return mw.Close()
}
