package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the chat backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	// StorageBackend is one of file, postgres, sqlite or memory.
	StorageBackend     string
	StorageFallback    bool
	DataDir            string
	DatabaseURL        string
	SQLitePath         string
	MaxHistoryMessages int
	ContextMessages    int
	CleanupInterval    time.Duration
	CleanupMaxAge      time.Duration

	DefaultProvider  string
	FallbackProvider string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModel      string
	ProviderHTTPURL  string
	ProviderTimeout  time.Duration
	Temperature      float64
	MaxTokens        int
	TopP             float64
	ContextWindow    int
	FallbackReply    string

	PromptsFile string

	RAGEnabled             bool
	RAGBackend             string
	RAGEmbedder            string
	RAGEmbeddingModel      string
	EmbeddingDim           int
	EmbeddingCacheSize     int
	RAGTopK                int
	RAGChunkSize           int
	RAGChunkOverlap        int
	RAGSimilarityThreshold float64

	ResearchEnabled    bool
	ResearchMaxRetries int

	WorkerCount     int
	WorkerQueueSize int

	VoiceEnabled        bool
	VoiceTranscriber    string
	WhisperModel        string
	VoiceLanguage       string
	VoiceMaxUploadBytes int
	VoiceStatusTTL      time.Duration
	VoiceAutoSend       bool

	// FanoutBus is local or postgres.
	FanoutBus string
}

// Load reads environment variables, plus an optional YAML file named by
// CONFIG_FILE, and applies safe defaults. Environment wins over the file.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	src := source{v: v}

	cfg := Config{
		BindAddr:          src.str("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  src.str("APP_METRICS_NAMESPACE", "confab"),
		LogLevel:          src.str("LOG_LEVEL", "info"),
		LogFormat:         src.str("LOG_FORMAT", "json"),
		StorageBackend:    strings.ToLower(src.str("STORAGE_BACKEND", "file")),
		DataDir:           src.str("DATA_DIR", "./data/conversations"),
		DatabaseURL:       src.str("DATABASE_URL", ""),
		SQLitePath:        src.str("SQLITE_PATH", "./data/confab.db"),
		DefaultProvider:   strings.ToLower(src.str("AI_PROVIDER", "auto")),
		FallbackProvider:  strings.ToLower(src.str("AI_FALLBACK_PROVIDER", "")),
		OpenAIAPIKey:      src.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     src.str("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       src.str("OPENAI_MODEL", "gpt-3.5-turbo"),
		GeminiAPIKey:      src.str("GEMINI_API_KEY", ""),
		GeminiBaseURL:     src.str("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai/"),
		GeminiModel:       src.str("GEMINI_MODEL", "gemini-1.5-flash"),
		ProviderHTTPURL:   src.str("PROVIDER_HTTP_URL", ""),
		FallbackReply:     src.str("FALLBACK_REPLY", "Sorry, something went wrong. Please try again."),
		PromptsFile:       src.str("PROMPTS_FILE", ""),
		RAGBackend:        strings.ToLower(src.str("RAG_BACKEND", "vector")),
		RAGEmbedder:       strings.ToLower(src.str("RAG_EMBEDDER", "auto")),
		RAGEmbeddingModel: src.str("RAG_EMBEDDING_MODEL", "text-embedding-3-small"),
		VoiceTranscriber:  strings.ToLower(src.str("VOICE_TRANSCRIBER", "auto")),
		WhisperModel:      src.str("WHISPER_MODEL", "whisper-1"),
		VoiceLanguage:     src.str("VOICE_LANGUAGE", ""),
		FanoutBus:         strings.ToLower(src.str("FANOUT_BUS", "local")),
	}

	var err error
	parse := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	parse(func() (e error) { cfg.ShutdownTimeout, e = src.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second); return })
	parse(func() (e error) { cfg.AllowAnyOrigin, e = src.boolean("APP_ALLOW_ANY_ORIGIN", false); return })
	parse(func() (e error) { cfg.StorageFallback, e = src.boolean("STORAGE_FALLBACK", true); return })
	parse(func() (e error) { cfg.MaxHistoryMessages, e = src.integer("MAX_HISTORY_MESSAGES", 50); return })
	parse(func() (e error) { cfg.ContextMessages, e = src.integer("CONTEXT_MESSAGES", 10); return })
	parse(func() (e error) { cfg.CleanupInterval, e = src.duration("CLEANUP_INTERVAL", time.Hour); return })
	parse(func() (e error) { cfg.CleanupMaxAge, e = src.duration("CLEANUP_MAX_AGE", 30*24*time.Hour); return })
	parse(func() (e error) { cfg.ProviderTimeout, e = src.duration("PROVIDER_TIMEOUT", 30*time.Second); return })
	parse(func() (e error) { cfg.Temperature, e = src.float("TEMPERATURE", 0.7); return })
	parse(func() (e error) { cfg.MaxTokens, e = src.integer("MAX_TOKENS", 1000); return })
	parse(func() (e error) { cfg.TopP, e = src.float("TOP_P", 1.0); return })
	parse(func() (e error) { cfg.ContextWindow, e = src.integer("CONTEXT_WINDOW", 50); return })
	parse(func() (e error) { cfg.RAGEnabled, e = src.boolean("RAG_ENABLED", true); return })
	parse(func() (e error) { cfg.EmbeddingDim, e = src.integer("MEMORY_EMBEDDING_DIM", 1536); return })
	parse(func() (e error) { cfg.EmbeddingCacheSize, e = src.integer("EMBEDDING_CACHE_SIZE", 1024); return })
	parse(func() (e error) { cfg.RAGTopK, e = src.integer("RAG_TOP_K", 3); return })
	parse(func() (e error) { cfg.RAGChunkSize, e = src.integer("RAG_CHUNK_SIZE", 500); return })
	parse(func() (e error) { cfg.RAGChunkOverlap, e = src.integer("RAG_CHUNK_OVERLAP", 50); return })
	parse(func() (e error) { cfg.RAGSimilarityThreshold, e = src.float("RAG_SIMILARITY_THRESHOLD", 0); return })
	parse(func() (e error) { cfg.ResearchEnabled, e = src.boolean("RESEARCH_ENABLED", true); return })
	parse(func() (e error) { cfg.ResearchMaxRetries, e = src.integer("RESEARCH_MAX_RETRIES", 5); return })
	parse(func() (e error) { cfg.WorkerCount, e = src.integer("WORKER_COUNT", 4); return })
	parse(func() (e error) { cfg.WorkerQueueSize, e = src.integer("WORKER_QUEUE_SIZE", 256); return })
	parse(func() (e error) { cfg.VoiceEnabled, e = src.boolean("VOICE_ENABLED", true); return })
	parse(func() (e error) { cfg.VoiceMaxUploadBytes, e = src.integer("VOICE_MAX_UPLOAD_BYTES", 25<<20); return })
	parse(func() (e error) { cfg.VoiceStatusTTL, e = src.duration("VOICE_STATUS_TTL", time.Hour); return })
	parse(func() (e error) { cfg.VoiceAutoSend, e = src.boolean("AUTO_SEND_AFTER_TRANSCRIPTION", true); return })
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case "file", "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of file, postgres, sqlite, memory")
	}
	if c.StorageBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=postgres")
	}
	switch c.RAGBackend {
	case "vector", "pgvector", "keyword":
	default:
		return fmt.Errorf("RAG_BACKEND must be one of vector, pgvector, keyword")
	}
	if c.RAGEnabled && c.RAGBackend == "pgvector" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when RAG_BACKEND=pgvector")
	}
	switch c.FanoutBus {
	case "local", "postgres":
	default:
		return fmt.Errorf("FANOUT_BUS must be local or postgres")
	}
	if c.FanoutBus == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when FANOUT_BUS=postgres")
	}
	if c.MaxHistoryMessages < 1 {
		return fmt.Errorf("MAX_HISTORY_MESSAGES must be positive")
	}
	if c.ContextMessages < 1 {
		return fmt.Errorf("CONTEXT_MESSAGES must be positive")
	}
	if c.ContextWindow < 1 || c.ContextWindow > 100 {
		return fmt.Errorf("CONTEXT_WINDOW must be between 1 and 100")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 2")
	}
	if c.MaxTokens < 1 || c.MaxTokens > 4000 {
		return fmt.Errorf("MAX_TOKENS must be between 1 and 4000")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if c.RAGTopK < 1 {
		return fmt.Errorf("RAG_TOP_K must be positive")
	}
	if c.RAGChunkSize <= 0 {
		return fmt.Errorf("RAG_CHUNK_SIZE must be positive")
	}
	if c.RAGChunkOverlap < 0 || c.RAGChunkOverlap >= c.RAGChunkSize {
		return fmt.Errorf("RAG_CHUNK_OVERLAP must be >= 0 and smaller than RAG_CHUNK_SIZE")
	}
	if c.RAGSimilarityThreshold < 0 || c.RAGSimilarityThreshold > 1 {
		return fmt.Errorf("RAG_SIMILARITY_THRESHOLD must be between 0 and 1")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.WorkerQueueSize <= 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be positive")
	}
	if c.ResearchMaxRetries < 0 {
		return fmt.Errorf("RESEARCH_MAX_RETRIES must be >= 0")
	}
	if c.VoiceMaxUploadBytes <= 0 {
		return fmt.Errorf("VOICE_MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// source reads keys through viper so the environment and the optional file
// share one lookup path. Values are parsed strictly.
type source struct {
	v *viper.Viper
}

func (s source) str(key, fallback string) string {
	s.v.SetDefault(key, fallback)
	return strings.TrimSpace(s.v.GetString(key))
}

func (s source) raw(key string) string {
	return strings.TrimSpace(s.v.GetString(key))
}

func (s source) duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.raw(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) integer(key string, fallback int) (int, error) {
	v := s.raw(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) float(key string, fallback float64) (float64, error) {
	v := s.raw(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolean(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.raw(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
