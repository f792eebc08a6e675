package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.StorageBackend != "file" {
		t.Fatalf("StorageBackend = %q, want file", cfg.StorageBackend)
	}
	if cfg.MaxHistoryMessages != 50 || cfg.ContextMessages != 10 {
		t.Fatalf("history limits = %d/%d, want 50/10", cfg.MaxHistoryMessages, cfg.ContextMessages)
	}
	if cfg.RAGTopK != 3 || cfg.RAGChunkSize != 500 || cfg.RAGChunkOverlap != 50 {
		t.Fatalf("rag defaults = %d/%d/%d", cfg.RAGTopK, cfg.RAGChunkSize, cfg.RAGChunkOverlap)
	}
	if cfg.ProviderTimeout != 30*time.Second {
		t.Fatalf("ProviderTimeout = %v", cfg.ProviderTimeout)
	}
	if cfg.Temperature != 0.7 || cfg.MaxTokens != 1000 || cfg.ContextWindow != 50 {
		t.Fatalf("generation defaults = %v/%d/%d", cfg.Temperature, cfg.MaxTokens, cfg.ContextWindow)
	}
	if cfg.DefaultProvider != "auto" {
		t.Fatalf("DefaultProvider = %q, want auto", cfg.DefaultProvider)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("STORAGE_BACKEND", "SQLite")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("RAG_ENABLED", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.StorageBackend != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.RAGEnabled {
		t.Fatalf("RAGEnabled = true, want false")
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RAG_TOP_K", "three")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "RAG_TOP_K parse error") {
		t.Fatalf("Load() error = %v, want RAG_TOP_K parse error", err)
	}
}

func TestLoadValidatesRanges(t *testing.T) {
	cases := map[string]string{
		"RAG_CHUNK_OVERLAP":    "500",
		"MAX_HISTORY_MESSAGES": "0",
		"CONTEXT_WINDOW":       "101",
		"STORAGE_BACKEND":      "redis",
		"WORKER_COUNT":         "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want validation error for %s=%s", key, value)
			}
		})
	}
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STORAGE_BACKEND", "postgres")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want DATABASE_URL error")
	}
}

func TestLoadMergesConfigFileUnderEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "confab.yaml")
	body := "app_bind_addr: \":7000\"\nrag_top_k: 5\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7000" || cfg.RAGTopK != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want environment override warn", cfg.LogLevel)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"STORAGE_BACKEND",
		"STORAGE_FALLBACK",
		"DATA_DIR",
		"DATABASE_URL",
		"SQLITE_PATH",
		"MAX_HISTORY_MESSAGES",
		"CONTEXT_MESSAGES",
		"CLEANUP_INTERVAL",
		"CLEANUP_MAX_AGE",
		"AI_PROVIDER",
		"AI_FALLBACK_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"GEMINI_API_KEY",
		"GEMINI_BASE_URL",
		"GEMINI_MODEL",
		"PROVIDER_HTTP_URL",
		"PROVIDER_TIMEOUT",
		"TEMPERATURE",
		"MAX_TOKENS",
		"TOP_P",
		"CONTEXT_WINDOW",
		"FALLBACK_REPLY",
		"PROMPTS_FILE",
		"RAG_ENABLED",
		"RAG_BACKEND",
		"RAG_EMBEDDER",
		"RAG_EMBEDDING_MODEL",
		"MEMORY_EMBEDDING_DIM",
		"EMBEDDING_CACHE_SIZE",
		"RAG_TOP_K",
		"RAG_CHUNK_SIZE",
		"RAG_CHUNK_OVERLAP",
		"RAG_SIMILARITY_THRESHOLD",
		"RESEARCH_ENABLED",
		"RESEARCH_MAX_RETRIES",
		"WORKER_COUNT",
		"WORKER_QUEUE_SIZE",
		"VOICE_ENABLED",
		"VOICE_TRANSCRIBER",
		"WHISPER_MODEL",
		"VOICE_LANGUAGE",
		"VOICE_MAX_UPLOAD_BYTES",
		"VOICE_STATUS_TTL",
		"AUTO_SEND_AFTER_TRANSCRIPTION",
		"FANOUT_BUS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
