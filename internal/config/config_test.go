package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		for _, a := range s.aliases {
			t.Setenv(a, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty config`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Index.Backend != IndexBackendSQLite {
		t.Errorf("Index.Backend = %q, want %q", cfg.Index.Backend, IndexBackendSQLite)
	}
	if cfg.Generation.Model != "llama-3.3-70b-versatile" {
		t.Errorf("Generation.Model = %q", cfg.Generation.Model)
	}
	if cfg.Generation.Temperature != 0.1 {
		t.Errorf("Generation.Temperature = %v, want 0.1", cfg.Generation.Temperature)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("Embedding.Model = %q", cfg.Embedding.Model)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want 3", cfg.Retrieval.TopK)
	}
	if cfg.Ingest.ChunkSize != 1000 || cfg.Ingest.ChunkOverlap != 200 {
		t.Errorf("Ingest chunking = %d/%d, want 1000/200", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Session.HistoryLimit != 100 {
		t.Errorf("Session.HistoryLimit = %d, want 100", cfg.Session.HistoryLimit)
	}
	if cfg.Cache.StatusTTL != time.Minute {
		t.Errorf("Cache.StatusTTL = %v, want 1m", cfg.Cache.StatusTTL)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadFromPath(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
}

func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
port = 5000
max_upload_mb = 8

[storage]
data_dir = "/tmp/nyanta-test"

[index]
backend = "qdrant"
qdrant_url = "http://qdrant:6333"

[generation]
model = "custom-model"
api_key = "toml-key-123"
temperature = 0.4
timeout = "15s"

[retrieval]
top_k = 5

[cache]
redis_addr = "localhost:6379"
redis_db = 2
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.MaxUploadMB != 8 {
		t.Errorf("Server.MaxUploadMB = %d, want 8", cfg.Server.MaxUploadMB)
	}
	if cfg.Storage.DataDir != "/tmp/nyanta-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Index.Backend != IndexBackendQdrant {
		t.Errorf("Index.Backend = %q", cfg.Index.Backend)
	}
	if cfg.Index.QdrantURL != "http://qdrant:6333" {
		t.Errorf("Index.QdrantURL = %q", cfg.Index.QdrantURL)
	}
	if cfg.Generation.Model != "custom-model" {
		t.Errorf("Generation.Model = %q", cfg.Generation.Model)
	}
	if cfg.Generation.APIKey != "toml-key-123" {
		t.Errorf("Generation.APIKey = %q", cfg.Generation.APIKey)
	}
	if cfg.Generation.Temperature != 0.4 {
		t.Errorf("Generation.Temperature = %v", cfg.Generation.Temperature)
	}
	if cfg.Generation.Timeout != 15*time.Second {
		t.Errorf("Generation.Timeout = %v", cfg.Generation.Timeout)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d", cfg.Retrieval.TopK)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" || cfg.Cache.RedisDB != 2 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
}

func TestTOMLWrongType(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[server]\nport = \"not a number\"\n")

	_, err := loadFromPath(path)
	if err == nil {
		t.Fatal("expected error for string port, got nil")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error = %q, want it to name server.port", err)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[generation]
api_key = "file-key"
`)

	t.Setenv("NYANTA_GENERATION_API_KEY", "env-key")
	t.Setenv("NYANTA_RETRIEVAL_TOP_K", "7")
	t.Setenv("NYANTA_RETRIEVAL_TIMEOUT", "2s")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Generation.APIKey != "env-key" {
		t.Errorf("Generation.APIKey = %q, want %q", cfg.Generation.APIKey, "env-key")
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("Retrieval.TopK = %d, want 7", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Timeout != 2*time.Second {
		t.Errorf("Retrieval.Timeout = %v, want 2s", cfg.Retrieval.Timeout)
	}
}

func TestEnvAliases(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty`)

	t.Setenv("GROQ_API_KEY", "groq-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.APIKey != "groq-key" {
		t.Errorf("Generation.APIKey = %q, want groq-key", cfg.Generation.APIKey)
	}
	if cfg.Embedding.APIKey != "openai-key" {
		t.Errorf("Embedding.APIKey = %q, want openai-key", cfg.Embedding.APIKey)
	}

	t.Setenv("NYANTA_GENERATION_API_KEY", "primary")
	cfg, err = loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.APIKey != "primary" {
		t.Errorf("Generation.APIKey = %q, want primary to win over alias", cfg.Generation.APIKey)
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty`)
	t.Setenv("NYANTA_SERVER_PORT", "abc")

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestMissingGenerationKey(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty config`)

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = cfg.RequireGeneration()
	if !errors.Is(err, ErrMissingGenerationKey) {
		t.Fatalf("RequireGeneration = %v, want ErrMissingGenerationKey", err)
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q, want it to mention missing required config", err)
	}

	cfg.Generation.APIKey = "k"
	if err := cfg.RequireGeneration(); err != nil {
		t.Errorf("RequireGeneration with key = %v", err)
	}
}

func TestConfigFilePathFromEnv(t *testing.T) {
	t.Setenv("NYANTA_CONFIG", "/etc/nyanta.toml")
	if got := ConfigFilePath(); got != "/etc/nyanta.toml" {
		t.Errorf("ConfigFilePath() = %q", got)
	}

	t.Setenv("NYANTA_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ConfigFilePath(); got != filepath.Join("/xdg", "nyanta", "config.toml") {
		t.Errorf("ConfigFilePath() = %q", got)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Generation.APIKey = "sk-secret"

	var sawKey, sawToken bool
	for _, ki := range ShowAll(cfg) {
		if strings.Contains(ki.Value, "sk-secret") {
			t.Fatalf("secret leaked in %s", ki.Key)
		}
		switch ki.Key {
		case "generation.api_key":
			sawKey = true
			if ki.Value != hiddenValue {
				t.Errorf("generation.api_key = %q, want %q", ki.Value, hiddenValue)
			}
		case "server.token":
			sawToken = true
			if ki.Value != "" {
				t.Errorf("unset server.token = %q, want empty", ki.Value)
			}
		}
	}
	if !sawKey || !sawToken {
		t.Error("ShowAll omitted secret keys")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := setKey(path, "server.port", "4200"); err != nil {
		t.Fatalf("setKey port: %v", err)
	}
	if err := setKey(path, "generation.temperature", "0.7"); err != nil {
		t.Fatalf("setKey temperature: %v", err)
	}
	if err := setKey(path, "retrieval.timeout", "9s"); err != nil {
		t.Fatalf("setKey timeout: %v", err)
	}

	cfg, err := loadFromPath(path)
	if err != nil {
		t.Fatalf("loadFromPath: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Generation.Temperature != 0.7 {
		t.Errorf("Generation.Temperature = %v, want 0.7", cfg.Generation.Temperature)
	}
	if cfg.Retrieval.Timeout != 9*time.Second {
		t.Errorf("Retrieval.Timeout = %v, want 9s", cfg.Retrieval.Timeout)
	}
}

func TestSetKeyRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := setKey(path, "generation.api_key", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKey(path, "nope.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(path, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(path, "retrieval.timeout", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
}
