package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/storage"
)

// mcpSession tracks the conversation an MCP client is talking in. Tools that
// take no session_id use it; it starts as the most recently active session.
type mcpSession struct {
	deps Deps

	mu sync.Mutex
	id string
}

func (s *mcpSession) current(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id, nil
	}
	state, err := s.deps.Sessions.Resume(ctx)
	if err != nil {
		return "", err
	}
	s.id = state.SessionID
	return s.id, nil
}

func (s *mcpSession) set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *mcpSession) resolve(ctx context.Context, req mcp.CallToolRequest) (string, error) {
	if id := req.GetString("session_id", ""); id != "" {
		return id, nil
	}
	return s.current(ctx)
}

// NewMCPServer creates an MCP server exposing the chat and upload operations as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"nyanta",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("nyanta answers questions from the documents you upload, with citations."),
		server.WithRecovery(),
	)
	sess := &mcpSession{deps: deps}

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about the uploaded documents. The answer cites the chunks it used."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session to ask in (default: current session)")),
		),
		mcpAsk(sess),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Parse, chunk and index a document so later questions can use it."),
			mcp.WithString("path", mcp.Description("Path of a local .txt, .md, .pdf, .docx or .html file")),
			mcp.WithString("filename", mcp.Description("Name to store inline content under (used with content)")),
			mcp.WithString("content", mcp.Description("Inline text content; requires filename")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("stats",
			mcp.WithDescription("Report how many documents and chunks are indexed."),
		),
		mcpStats(deps),
	)

	s.AddTool(
		mcp.NewTool("new_session",
			mcp.WithDescription("Start a new conversation. Earlier sessions are kept."),
		),
		mcpNewSession(sess),
	)

	s.AddTool(
		mcp.NewTool("clear_session",
			mcp.WithDescription("Delete the history of a session, keeping its id."),
			mcp.WithString("session_id", mcp.Description("Session to clear (default: current session)")),
		),
		mcpClearSession(sess),
	)

	s.AddResource(
		mcp.NewResource(
			"nyanta://history",
			"Conversation History",
			mcp.WithResourceDescription("Messages of the current session as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceHistory(sess),
	)

	return s
}

func mcpAsk(sess *mcpSession) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}
		id, err := sess.resolve(ctx, req)
		if err != nil {
			return mcpError(fmt.Sprintf("resolving session: %v", err)), nil
		}

		res, err := ask(ctx, sess.deps, id, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		var b strings.Builder
		b.WriteString(res.Answer)
		if len(res.Citations) > 0 {
			b.WriteString("\n\nSources:\n")
			for i, c := range res.Citations {
				fmt.Fprintf(&b, "%d. %s (chunk %d): %s\n", i+1, c.Source, c.ChunkID, c.Content)
			}
		}
		if res.Failed {
			return mcpError(b.String()), nil
		}
		return mcpText(b.String()), nil
	}
}

func mcpAddDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var file ingest.File
		if path := req.GetString("path", ""); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return mcpError(fmt.Sprintf("reading %s: %v", path, err)), nil
			}
			file = ingest.File{Name: filepath.Base(path), Data: data}
		} else {
			name := req.GetString("filename", "")
			content := req.GetString("content", "")
			if name == "" || content == "" {
				return mcpError("either path, or filename with content, is required"), nil
			}
			file = ingest.File{Name: name, Data: []byte(content)}
		}

		report, err := deps.Indexer.Index(ctx, []ingest.File{file}, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("indexing failed: %v", err)), nil
		}
		fr := report.Files[0]
		if fr.Status != ingest.FileIndexed {
			return mcpError(fmt.Sprintf("%s: %s", fr.Filename, fr.Error)), nil
		}
		return mcpText(fmt.Sprintf("Indexed %s: %d chunks (document %s)", fr.Filename, fr.Chunks, fr.DocumentUID)), nil
	}
}

func mcpStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := collectStats(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("stats failed: %v", err)), nil
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpNewSession(sess *mcpSession) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		state := sess.deps.Sessions.New()
		sess.set(state.SessionID)
		return mcpText(fmt.Sprintf("Started session %s", state.SessionID)), nil
	}
}

func mcpClearSession(sess *mcpSession) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := sess.resolve(ctx, req)
		if err != nil {
			return mcpError(fmt.Sprintf("resolving session: %v", err)), nil
		}
		if err := clearSession(ctx, sess.deps, id); err != nil {
			return mcpError(fmt.Sprintf("clear failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cleared session %s", id)), nil
	}
}

func mcpResourceHistory(sess *mcpSession) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id, err := sess.current(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving session: %w", err)
		}
		msgs, err := sess.deps.Store.LoadMessages(ctx, id, storage.DefaultHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}

		b, err := json.Marshal(msgs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
