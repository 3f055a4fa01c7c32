package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/nyanta/internal/config"
	"github.com/kalambet/nyanta/internal/ingest"
	"github.com/kalambet/nyanta/internal/pipeline"
	"github.com/kalambet/nyanta/internal/storage"
)

// sessionStatePath returns the file remembering the CLI's current session.
var sessionStatePath = func() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.Storage.DataDir, "current_session"), nil
}

func readSessionState(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeSessionState(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id+"\n"), 0o600)
}

// resolveSession picks the session a command acts on: the explicit flag, the
// remembered session, or the server's most recently active one.
func resolveSession(ctx context.Context, c *apiClient, statePath, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if id := readSessionState(statePath); id != "" {
		return id, nil
	}
	state, err := c.currentSession(ctx)
	if err != nil {
		return "", err
	}
	if err := writeSessionState(statePath, state.SessionID); err != nil {
		printWarning("could not remember session: %v", err)
	}
	return state.SessionID, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload and index documents (.txt .md .pdf .docx .html)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runUpload(ctx, client, cmd.OutOrStdout(), args)
	},
}

func runUpload(ctx context.Context, c *apiClient, w io.Writer, paths []string) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
	}

	report, err := c.upload(ctx, paths, func(ev ingest.Event) { printUploadEvent(w, ev) })
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Fprintf(w, "%s %d of %d files, %d chunks\n",
		bold.Sprint("Indexed"), report.Indexed, len(report.Files), report.TotalChunks)
	if report.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", report.Failed)
	}
	return nil
}

func printUploadEvent(w io.Writer, ev ingest.Event) {
	switch ev.Stage {
	case ingest.StageParsed:
		fmt.Fprintf(w, "%s %s (%d chunks)\n", cyan.Sprint("→ parsed"), ev.File, ev.Chunks)
	case ingest.StageParseFailed:
		fmt.Fprintf(w, "%s %s: %s\n", yellow.Sprint("⚠ skipped"), ev.File, ev.Error)
	case ingest.StageIndexing:
		fmt.Fprintf(w, "%s %d chunks\n", cyan.Sprint("→ indexing"), ev.Chunks)
	case ingest.StageIndexed:
		fmt.Fprintf(w, "%s %s\n", green.Sprint("✓ indexed"), ev.File)
	case ingest.StageIndexFailed:
		fmt.Fprintf(w, "%s %s: %s\n", red.Sprint("✗ failed"), ev.File, ev.Error)
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")
		ctx, cancel := commandContext()
		defer cancel()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statePath, err := sessionStatePath()
		if err != nil {
			return err
		}
		return runAsk(ctx, client, cmd.OutOrStdout(), statePath, sessionFlag, strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().String("session", "", "session id (default: current session)")
}

func runAsk(ctx context.Context, c *apiClient, w io.Writer, statePath, sessionFlag, question string) error {
	if strings.TrimSpace(question) == "" {
		return errors.New("question is empty")
	}
	id, err := resolveSession(ctx, c, statePath, sessionFlag)
	if err != nil {
		return err
	}
	if st, err := c.stats(ctx); err == nil && st.IndexError == "" && !st.Indexed {
		printWarning("no documents indexed yet; upload some with `nyanta upload`")
	}
	res, err := c.ask(ctx, id, question)
	if err != nil {
		return err
	}
	printResult(w, res)
	return nil
}

func printResult(w io.Writer, res pipeline.Result) {
	if res.Failed {
		fmt.Fprintln(w, red.Sprint(res.Answer))
		return
	}
	fmt.Fprintln(w, res.Answer)
	printCitations(w, res.Citations)
}

func printCitations(w io.Writer, citations []storage.Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", bold.Sprint("Sources"))
	for i, c := range citations {
		fmt.Fprintf(w, "  %s %s\n", cyan.Sprintf("[%d] %s, chunk %d", i+1, c.Source, c.ChunkID), faint.Sprint(c.Content))
	}
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the messages of the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := commandContext()
		defer cancel()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statePath, err := sessionStatePath()
		if err != nil {
			return err
		}
		id, err := resolveSession(ctx, client, statePath, sessionFlag)
		if err != nil {
			return err
		}
		msgs, err := client.messages(ctx, id, limit)
		if err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), id, msgs)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("session", "", "session id (default: current session)")
	historyCmd.Flags().Int("limit", storage.DefaultHistoryLimit, "maximum number of messages")
}

func printMessages(w io.Writer, sessionID string, msgs []storage.Message) {
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Session"), sessionID)
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages yet.")
		return
	}
	for _, m := range msgs {
		ts := m.CreatedAt.Local().Format("2006-01-02 15:04")
		switch m.Role {
		case storage.RoleUser:
			fmt.Fprintf(w, "\n%s %s\n%s\n", green.Sprint("You"), faint.Sprint(ts), m.Content)
		default:
			fmt.Fprintf(w, "\n%s %s\n%s\n", cyan.Sprint("Assistant"), faint.Sprint(ts), m.Content)
			printCitations(w, m.Citations)
		}
	}
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start, clear or list conversations",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation (earlier ones are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statePath, err := sessionStatePath()
		if err != nil {
			return err
		}
		state, err := client.newSession(cmd.Context())
		if err != nil {
			return err
		}
		if err := writeSessionState(statePath, state.SessionID); err != nil {
			return fmt.Errorf("remembering session: %w", err)
		}
		printSuccess("Started session %s", state.SessionID)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the history of the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		statePath, err := sessionStatePath()
		if err != nil {
			return err
		}
		id, err := resolveSession(cmd.Context(), client, statePath, sessionFlag)
		if err != nil {
			return err
		}
		if err := client.clearSession(cmd.Context(), id); err != nil {
			return err
		}
		printSuccess("Cleared session %s", id)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sessions, err := client.listSessions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		current := ""
		if statePath, err := sessionStatePath(); err == nil {
			current = readSessionState(statePath)
		}
		printSessions(cmd.OutOrStdout(), sessions, current)
		return nil
	},
}

func init() {
	sessionClearCmd.Flags().String("session", "", "session id (default: current session)")
	sessionListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionClearCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

func printSessions(w io.Writer, sessions []storage.Session, current string) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	for _, s := range sessions {
		marker := " "
		if s.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s  %s  %d messages\n",
			marker,
			cyan.Sprint(s.ID),
			s.LastActivity.Local().Format("2006-01-02 15:04"),
			s.MessageCount,
		)
	}
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List or delete indexed documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		docs, err := client.listDocuments(cmd.Context(), limit, offset)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(docs) == 0 {
			fmt.Fprintln(w, "No documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(w, "%s  %s  %s  %d chunks\n",
				cyan.Sprint(d.UID),
				d.UploadedAt.Local().Format("2006-01-02 15:04"),
				d.Filename,
				d.ChunkCount,
			)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <uid>",
	Short: "Delete a document and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.deleteDocument(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	documentsListCmd.Flags().Int("offset", 0, "number of documents to skip")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show document and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStats(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func runStats(ctx context.Context, c *apiClient, w io.Writer) error {
	st, err := c.stats(ctx)
	if err != nil {
		return err
	}
	avg := 0.0
	if st.TotalDocuments > 0 {
		avg = float64(st.TotalChunks) / float64(st.TotalDocuments)
	}
	printStatus(w, "Documents", "%d", st.TotalDocuments)
	printStatus(w, "Chunks", "%d", st.TotalChunks)
	printStatus(w, "Avg chunks/doc", "%.1f", avg)
	if st.IndexError != "" {
		printStatus(w, "Index", "unavailable (%s)", st.IndexError)
		return nil
	}
	indexed := "no"
	if st.Indexed {
		indexed = "yes"
	}
	printStatus(w, "Vectors", "%d", st.Vectors)
	printStatus(w, "Indexed", "%s", indexed)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration (secrets hidden)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s\n", faint.Sprint("# file:"), config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  %s\n", bold.Sprint(k.Key), k.Value, faint.Sprint(k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
