package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	OpenAI    OpenAIConfig
	Storage   StorageConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken enables bearer auth on the HTTP API when non-empty.
	APIToken string
}

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	EmbedModel      string
	ChatModel       string
	TranscribeModel string
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
}

type ChunkingConfig struct {
	MaxChars int
	Overlap  int
}

type RetrievalConfig struct {
	TopK int
	// VectorWeight and LexicalWeight are the score-fusion knobs.
	VectorWeight  float64
	LexicalWeight float64
	// LexicalCandidates caps the lexical pre-filter independently of TopK.
	// Zero means "same as TopK".
	LexicalCandidates int
	// CacheSize is the max number of cached query results. Zero disables caching.
	CacheSize int
	// ContextBudget is the character budget for the answer context window.
	ContextBudget int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		OpenAI: OpenAIConfig{
			BaseURL:         "https://api.openai.com/v1",
			EmbedModel:      "text-embedding-3-small",
			ChatModel:       "gpt-4o-mini",
			TranscribeModel: "whisper-1",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			UploadDir: filepath.Join(dataDir, "uploads"),
		},
		Chunking: ChunkingConfig{
			MaxChars: 1200,
			Overlap:  150,
		},
		Retrieval: RetrievalConfig{
			TopK:          8,
			VectorWeight:  0.8,
			LexicalWeight: 0.2,
			CacheSize:     128,
			ContextBudget: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secondbrain"
	}
	return filepath.Join(home, ".secondbrain")
}

// Load reads configuration from an optional .env file in the working
// directory, then applies SECONDBRAIN_* environment overrides on top of the
// built-in defaults. The OpenAI API key is the only required value.
func Load() (Config, error) {
	// Missing .env is fine; environment variables alone are a valid setup.
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	setString(&cfg.OpenAI.APIKey, getenv, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.BaseURL, getenv, "SECONDBRAIN_OPENAI_BASE_URL")
	setString(&cfg.OpenAI.EmbedModel, getenv, "SECONDBRAIN_EMBED_MODEL")
	setString(&cfg.OpenAI.ChatModel, getenv, "SECONDBRAIN_CHAT_MODEL")
	setString(&cfg.OpenAI.TranscribeModel, getenv, "SECONDBRAIN_TRANSCRIBE_MODEL")

	setString(&cfg.Storage.DataDir, getenv, "SECONDBRAIN_DATA_DIR")
	setString(&cfg.Storage.UploadDir, getenv, "SECONDBRAIN_UPLOAD_DIR")
	if getenv("SECONDBRAIN_DATA_DIR") != "" && getenv("SECONDBRAIN_UPLOAD_DIR") == "" {
		cfg.Storage.UploadDir = filepath.Join(cfg.Storage.DataDir, "uploads")
	}

	setString(&cfg.Server.APIToken, getenv, "SECONDBRAIN_API_TOKEN")
	setString(&cfg.Log.Level, getenv, "SECONDBRAIN_LOG_LEVEL")

	intVars := []struct {
		dst *int
		key string
	}{
		{&cfg.Server.Port, "SECONDBRAIN_PORT"},
		{&cfg.Chunking.MaxChars, "SECONDBRAIN_CHUNK_MAX_CHARS"},
		{&cfg.Chunking.Overlap, "SECONDBRAIN_CHUNK_OVERLAP"},
		{&cfg.Retrieval.TopK, "SECONDBRAIN_TOP_K"},
		{&cfg.Retrieval.LexicalCandidates, "SECONDBRAIN_LEXICAL_CANDIDATES"},
		{&cfg.Retrieval.CacheSize, "SECONDBRAIN_QUERY_CACHE_SIZE"},
		{&cfg.Retrieval.ContextBudget, "SECONDBRAIN_CONTEXT_BUDGET"},
	}
	for _, v := range intVars {
		if err := setInt(v.dst, getenv, v.key); err != nil {
			return Config{}, err
		}
	}

	if err := setFloat(&cfg.Retrieval.VectorWeight, getenv, "SECONDBRAIN_VECTOR_WEIGHT"); err != nil {
		return Config{}, err
	}
	if err := setFloat(&cfg.Retrieval.LexicalWeight, getenv, "SECONDBRAIN_LEXICAL_WEIGHT"); err != nil {
		return Config{}, err
	}

	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. Set OPENAI_API_KEY in the environment or a .env file")
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.MaxChars {
		return Config{}, fmt.Errorf("invalid chunking config: overlap (%d) must be smaller than max chars (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.MaxChars)
	}

	return cfg, nil
}

func setString(dst *string, getenv func(string) string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, getenv func(string) string, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, getenv func(string) string, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}
