package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/config"
	"github.com/ent0n29/confab/internal/provider"
	"github.com/ent0n29/confab/internal/worker"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		BindAddr:            "127.0.0.1:0",
		ShutdownTimeout:     time.Second,
		MetricsNamespace:    "confab_test",
		StorageBackend:      "memory",
		DataDir:             t.TempDir(),
		MaxHistoryMessages:  50,
		ContextMessages:     10,
		DefaultProvider:     "auto",
		ProviderTimeout:     time.Second,
		Temperature:         0.7,
		MaxTokens:           1000,
		TopP:                1,
		ContextWindow:       50,
		FallbackReply:       "fallback",
		RAGEnabled:          true,
		RAGBackend:          "vector",
		RAGEmbedder:         "hash",
		EmbeddingDim:        64,
		EmbeddingCacheSize:  16,
		RAGTopK:             3,
		RAGChunkSize:        500,
		RAGChunkOverlap:     50,
		ResearchEnabled:     true,
		ResearchMaxRetries:  1,
		WorkerCount:         1,
		WorkerQueueSize:     8,
		VoiceEnabled:        true,
		VoiceTranscriber:    "auto",
		VoiceMaxUploadBytes: 1 << 20,
		VoiceStatusTTL:      time.Minute,
		FanoutBus:           "local",
	}
}

func TestResolveProvidersAutoWithoutKeysIsMock(t *testing.T) {
	reg, err := resolveProviders(testConfig(t))
	require.NoError(t, err)
	require.Equal(t, "mock", reg.ActiveName())
	require.Equal(t, []string{"mock"}, reg.Names())
}

func TestResolveProvidersAutoPrefersOpenAI(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIBaseURL = "http://127.0.0.1:1/v1"
	cfg.OpenAIModel = "gpt-3.5-turbo"
	reg, err := resolveProviders(cfg)
	require.NoError(t, err)
	require.Equal(t, "openai", reg.ActiveName())
	require.ElementsMatch(t, []string{"openai", "mock"}, reg.Names())
}

func TestResolveProvidersRejectsUnconfiguredDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultProvider = "gemini"
	_, err := resolveProviders(cfg)
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.FallbackProvider = "http"
	_, err = resolveProviders(cfg)
	require.Error(t, err)
}

func TestResolveProvidersWrapsFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProviderHTTPURL = "http://127.0.0.1:1/generate"
	cfg.DefaultProvider = "http"
	cfg.FallbackProvider = "mock"
	reg, err := resolveProviders(cfg)
	require.NoError(t, err)

	p, err := reg.Active()
	require.NoError(t, err)
	_, ok := p.(*provider.Fallback)
	require.True(t, ok, "active provider should be wrapped, got %T", p)

	m, err := reg.Get("mock")
	require.NoError(t, err)
	_, ok = m.(*provider.Fallback)
	require.False(t, ok)
}

func TestResolveTranscriber(t *testing.T) {
	cfg := testConfig(t)
	setup, err := resolveTranscriber(cfg)
	require.NoError(t, err)
	require.Equal(t, "mock", setup.resolved)

	cfg.VoiceTranscriber = "whisper"
	_, err = resolveTranscriber(cfg)
	require.Error(t, err)

	cfg.OpenAIAPIKey = "sk-test"
	cfg.VoiceTranscriber = "auto"
	setup, err = resolveTranscriber(cfg)
	require.NoError(t, err)
	require.Equal(t, "whisper", setup.resolved)

	cfg.VoiceTranscriber = "bogus"
	_, err = resolveTranscriber(cfg)
	require.Error(t, err)
}

func TestBuildServesHealthAndCleansUp(t *testing.T) {
	built, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, built.Memory)
	require.Equal(t, "mock", built.Voice.Transcriber)

	srv := httptest.NewServer(built.API.Router())
	defer srv.Close()
	res, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, built.Cleanup())
}

func TestBuildSQLiteStoreWithFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = "sqlite"
	cfg.SQLitePath = t.TempDir() + "/confab.db"
	cfg.StorageFallback = true
	cfg.RAGEnabled = false
	cfg.VoiceEnabled = false
	built, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, built.Memory)
	require.NoError(t, built.Store.Health(context.Background()))
	require.NoError(t, built.Cleanup())
}

func TestRunStopsOnCancel(t *testing.T) {
	built, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer built.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- built.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServeKeepsPoolOpenWhileDraining(t *testing.T) {
	built, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer built.Cleanup()

	entered := make(chan struct{})
	accepted := make(chan bool, 1)
	ran := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		accepted <- built.Pool.Submit(worker.Job{Name: "late", Run: func(context.Context) error {
			close(ran)
			return nil
		}})
		w.WriteHeader(http.StatusNoContent)
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- built.serve(ctx, &http.Server{Handler: handler}, ln) }()

	go func() {
		res, err := http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			res.Body.Close()
		}
	}()
	<-entered
	cancel()

	require.True(t, <-accepted, "job submitted during the HTTP drain was dropped")
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job submitted during the HTTP drain never ran")
	}
	require.NoError(t, <-done)
}
