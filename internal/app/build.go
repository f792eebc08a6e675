package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/config"
	"github.com/ent0n29/confab/internal/conversation"
	"github.com/ent0n29/confab/internal/fanout"
	"github.com/ent0n29/confab/internal/httpapi"
	"github.com/ent0n29/confab/internal/observability"
	"github.com/ent0n29/confab/internal/pipeline"
	"github.com/ent0n29/confab/internal/prompts"
	"github.com/ent0n29/confab/internal/provider"
	"github.com/ent0n29/confab/internal/realtime"
	"github.com/ent0n29/confab/internal/research"
	"github.com/ent0n29/confab/internal/retrieval"
	"github.com/ent0n29/confab/internal/voice"
	"github.com/ent0n29/confab/internal/worker"
)

type VoiceInfo struct {
	Transcriber string
	Detail      string
}

type BuildResult struct {
	Config    config.Config
	Logger    *zap.Logger
	API       *httpapi.Server
	Store     conversation.Store
	Providers *provider.Registry
	Memory    retrieval.Memory
	Prompts   *prompts.Manager
	Pool      *worker.Pool
	Hub       *fanout.Hub
	Statuses  *voice.StatusTracker
	Metrics   *observability.Metrics
	Voice     VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB pools, indexes, bus).
	Cleanup func() error
}

// Build wires every component from cfg. On error, anything already opened
// is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *BuildResult, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []io.Closer
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = cleanup()
		}
	}()

	store, err := openStore(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store)

	providers, err := resolveProviders(cfg)
	if err != nil {
		return nil, err
	}

	var memory retrieval.Memory
	if cfg.RAGEnabled {
		memory, err = retrieval.NewMemory(ctx, retrieval.Options{
			Backend:     cfg.RAGBackend,
			Embedder:    cfg.RAGEmbedder,
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.RAGEmbeddingModel,
			Dimensions:  cfg.EmbeddingDim,
			CacheSize:   cfg.EmbeddingCacheSize,
			DatabaseURL: cfg.DatabaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval memory init failed: %w", err)
		}
		if c, ok := memory.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	promptManager, err := prompts.NewManager(cfg.PromptsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("prompts init failed: %w", err)
	}

	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, logger, metrics.ObserveJob)
	researchEnabled := cfg.ResearchEnabled && memory != nil
	agent := research.NewAgent(providers, memory, promptManager, cfg.ResearchMaxRetries, logger.Named("research"))

	pipe := pipeline.New(pipeline.Config{
		ContextMessages: cfg.ContextMessages,
		ProviderTimeout: cfg.ProviderTimeout,
		FallbackReply:   cfg.FallbackReply,
		Settings: chat.Settings{
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			TopP:          cfg.TopP,
			ContextWindow: cfg.ContextWindow,
		},
		RAGEnabled:          memory != nil,
		RAGTopK:             cfg.RAGTopK,
		SimilarityThreshold: cfg.RAGSimilarityThreshold,
		ChunkSize:           cfg.RAGChunkSize,
		ChunkOverlap:        cfg.RAGChunkOverlap,
		ResearchEnabled:     researchEnabled,
	}, pipeline.Deps{
		Store:     store,
		Providers: providers,
		Prompts:   promptManager,
		Memory:    memory,
		Jobs:      pool,
		Research:  agent,
		Metrics:   metrics,
		Logger:    logger.Named("pipeline"),
	})

	var bus fanout.Bus = fanout.NewLocalBus()
	if cfg.FanoutBus == "postgres" {
		pgBus, berr := fanout.NewPostgresBus(ctx, cfg.DatabaseURL, logger.Named("bus"))
		if berr != nil {
			return nil, fmt.Errorf("fanout bus init failed: %w", berr)
		}
		bus = pgBus
	}
	closers = append(closers, bus)
	hub := fanout.NewHub(bus, logger.Named("hub"), metrics)

	statuses := voice.NewStatusTracker(cfg.VoiceStatusTTL)
	var (
		voiceService *voice.Service
		voiceInfo    VoiceInfo
	)
	if cfg.VoiceEnabled {
		setup, verr := resolveTranscriber(cfg)
		if verr != nil {
			return nil, verr
		}
		voiceService = voice.NewService(setup.transcriber, statuses, voice.ServiceConfig{
			MaxUploadBytes: cfg.VoiceMaxUploadBytes,
			Language:       cfg.VoiceLanguage,
		}, logger.Named("voice"))
		voiceInfo = VoiceInfo{Transcriber: setup.resolved, Detail: setup.detail}
	}

	conversations := conversation.NewService(store)
	dispatcher := realtime.New(realtime.Config{
		AutoSendTranscription: cfg.VoiceAutoSend,
		ResearchEnabled:       researchEnabled,
	}, realtime.Deps{
		Hub:      hub,
		Chat:     pipe,
		History:  conversations,
		Research: agent,
		Jobs:     pool,
		Voice:    voiceService,
		Greeter:  promptManager,
		Metrics:  metrics,
		Logger:   logger.Named("realtime"),
	})

	api := httpapi.New(httpapi.Config{
		AllowAnyOrigin:        cfg.AllowAnyOrigin,
		AutoSendTranscription: cfg.VoiceAutoSend,
		MaxUploadBytes:        cfg.VoiceMaxUploadBytes,
		StorageBackend:        cfg.StorageBackend,
		RetrievalBackend:      retrievalLabel(cfg),
		VoiceEnabled:          cfg.VoiceEnabled,
	}, httpapi.Deps{
		Pipeline:      pipe,
		Conversations: conversations,
		Providers:     providers,
		Dispatcher:    dispatcher,
		Hub:           hub,
		Voice:         voiceService,
		Memory:        memory,
		Metrics:       metrics,
		Logger:        logger.Named("http"),
	})

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       api,
		Store:     store,
		Providers: providers,
		Memory:    memory,
		Prompts:   promptManager,
		Pool:      pool,
		Hub:       hub,
		Statuses:  statuses,
		Metrics:   metrics,
		Voice:     voiceInfo,
		Cleanup:   cleanup,
	}, nil
}

func retrievalLabel(cfg config.Config) string {
	if !cfg.RAGEnabled {
		return "disabled"
	}
	return cfg.RAGBackend
}

// openStore opens the configured conversation store. With STORAGE_FALLBACK a
// durable backend other than file is shadowed by a file store, and file by
// an in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (conversation.Store, error) {
	var (
		primary conversation.Store
		err     error
	)
	switch cfg.StorageBackend {
	case "file":
		primary, err = conversation.NewFileStore(cfg.DataDir, cfg.MaxHistoryMessages, logger.Named("store"))
	case "postgres":
		primary, err = conversation.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxHistoryMessages)
	case "sqlite":
		primary, err = conversation.NewSQLiteStore(ctx, cfg.SQLitePath, cfg.MaxHistoryMessages)
	case "memory":
		return conversation.NewMemoryStore(cfg.MaxHistoryMessages), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	if !cfg.StorageFallback {
		return primary, nil
	}

	var local conversation.Store
	if cfg.StorageBackend == "file" {
		local = conversation.NewMemoryStore(cfg.MaxHistoryMessages)
	} else {
		local, err = conversation.NewFileStore(cfg.DataDir, cfg.MaxHistoryMessages, logger.Named("store"))
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("fallback store init failed: %w", err)
		}
	}
	return conversation.NewFallbackStore(primary, local, logger.Named("store"), metrics.ObserveStorageFallback), nil
}
