package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Index      IndexConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Retrieval  RetrievalConfig
	Ingest     IngestConfig
	Session    SessionConfig
	Cache      CacheConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port        int
	Token       string
	MaxUploadMB int
}

type StorageConfig struct {
	DataDir string
}

type IndexConfig struct {
	Backend      string // "sqlite" or "qdrant"
	Name         string
	QdrantURL    string
	QdrantAPIKey string
}

type EmbeddingConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
}

type GenerationConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

type RetrievalConfig struct {
	TopK    int
	Timeout time.Duration
}

type IngestConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	UpsertTimeout time.Duration
}

type SessionConfig struct {
	HistoryLimit int
}

type CacheConfig struct {
	StatusTTL     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type LogConfig struct {
	Level string
}

const (
	IndexBackendSQLite = "sqlite"
	IndexBackendQdrant = "qdrant"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4100,
			MaxUploadMB: 32,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Index: IndexConfig{
			Backend:   IndexBackendSQLite,
			Name:      "nyanta",
			QdrantURL: "http://localhost:6333",
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			BatchSize: 64,
			Timeout:   30 * time.Second,
		},
		Generation: GenerationConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.1,
			Timeout:     60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:    3,
			Timeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			ChunkSize:     1000,
			ChunkOverlap:  200,
			UpsertTimeout: 5 * time.Minute,
		},
		Session: SessionConfig{
			HistoryLimit: 100,
		},
		Cache: CacheConfig{
			StatusTTL: 60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ErrMissingGenerationKey is returned by RequireGeneration.
var ErrMissingGenerationKey = errors.New("missing required config: generation API key. " +
	"Set generation.api_key in the config file or NYANTA_GENERATION_API_KEY (GROQ_API_KEY is also accepted)")

// Load builds the configuration from defaults, the TOML config file, a .env
// file in the working directory, and NYANTA_* environment variables, in
// increasing order of precedence. Variables already set in the environment
// win over .env entries.
//
// The config file is $NYANTA_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/nyanta/config.toml.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}
	return loadFromPath(ConfigFilePath())
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// RequireGeneration reports an error when answering questions is impossible
// with cfg.
func (c Config) RequireGeneration() error {
	if c.Generation.APIKey == "" {
		return ErrMissingGenerationKey
	}
	return nil
}

// ConfigFilePath returns the path Load reads.
func ConfigFilePath() string {
	if p := os.Getenv("NYANTA_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "nyanta", "config.toml")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "nyanta-data"
		}
	}
	return filepath.Join(dir, "nyanta")
}
