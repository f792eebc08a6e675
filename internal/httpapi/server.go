package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/apperr"
	"github.com/ent0n29/confab/internal/conversation"
	"github.com/ent0n29/confab/internal/fanout"
	"github.com/ent0n29/confab/internal/observability"
	"github.com/ent0n29/confab/internal/pipeline"
	"github.com/ent0n29/confab/internal/provider"
	"github.com/ent0n29/confab/internal/realtime"
	"github.com/ent0n29/confab/internal/retrieval"
	"github.com/ent0n29/confab/internal/voice"
)

// ChatPipeline runs user messages through generation.
type ChatPipeline interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Stream(ctx context.Context, req pipeline.Request, onDelta func(string) error) (pipeline.Result, error)
}

type Config struct {
	AllowAnyOrigin bool
	// AutoSendTranscription is the default for uploads that do not say.
	AutoSendTranscription bool
	MaxUploadBytes        int
	StorageBackend        string
	RetrievalBackend      string
	VoiceEnabled          bool
}

type Deps struct {
	Pipeline      ChatPipeline
	Conversations *conversation.Service
	Providers     *provider.Registry
	Dispatcher    *realtime.Dispatcher
	Hub           *fanout.Hub
	Voice         *voice.Service
	Memory        retrieval.Memory
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = voice.DefaultMaxUploadBytes
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/health/detailed", s.handleDetailedHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", s.handleChatMessage)
			r.Get("/history/{session_id}", s.handleHistory)
			r.Get("/conversations", s.handleConversations)
			r.Delete("/conversation/{session_id}", s.handleDeleteConversation)
			r.Get("/conversation/{session_id}/export", s.handleExport)
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/clear_all_conversations", s.handleClearAll)
			r.Get("/providers", s.handleProviders)
			r.Post("/providers/switch", s.handleSwitchProvider)
			r.Get("/models", s.handleModels)
		})
		r.Route("/voice", func(r chi.Router) {
			r.Post("/transcribe", s.handleTranscribe)
			r.Get("/status/{audio_id}", s.handleVoiceStatus)
		})
		r.Get("/perf/stages", s.handlePerfStages)
	})

	r.Get("/ws/chat", s.handleChatWS)
	r.Get("/ws/voice", s.handleVoiceWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// handleReady fails when the conversation store cannot be reached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.deps.Conversations.Health(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "storage unavailable",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"storage_backend": s.cfg.StorageBackend,
	})
}

type componentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]componentHealth{}
	healthy := true
	check := func(name, detail string, err error) {
		if err != nil {
			healthy = false
			services[name] = componentHealth{Status: provider.StatusUnhealthy, Detail: detail, Error: err.Error()}
			return
		}
		services[name] = componentHealth{Status: provider.StatusHealthy, Detail: detail}
	}

	check("conversation_store", s.cfg.StorageBackend, s.deps.Conversations.Health(ctx))
	if checker, ok := s.deps.Memory.(retrieval.Checker); ok {
		check("retrieval_memory", s.cfg.RetrievalBackend, checker.Health(ctx))
	} else if s.deps.Memory == nil {
		services["retrieval_memory"] = componentHealth{Status: "disabled"}
	}
	if s.deps.Voice != nil {
		services["voice"] = componentHealth{Status: provider.StatusHealthy, Detail: s.deps.Voice.TranscriberName()}
	} else {
		services["voice"] = componentHealth{Status: "disabled"}
	}

	providers := s.deps.Providers.HealthAll(ctx)
	if active, ok := providers[s.deps.Providers.ActiveName()]; ok && active.Status != provider.StatusHealthy {
		healthy = false
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	body := map[string]any{
		"status":        status,
		"timestamp":     time.Now().UTC(),
		"response_time": time.Since(started).Seconds(),
		"services":      services,
		"providers":     providers,
		"configuration": map[string]any{
			"storage_backend":   s.cfg.StorageBackend,
			"retrieval_backend": s.cfg.RetrievalBackend,
			"voice_enabled":     s.cfg.VoiceEnabled,
			"active_provider":   s.deps.Providers.ActiveName(),
		},
	}
	if s.deps.Hub != nil {
		body["websocket"] = s.deps.Hub.Stats()
	}
	respondJSON(w, http.StatusOK, body)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondAppError maps an error kind to a status. Internal details are
// logged and replaced with a generic message.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	errors.As(err, &appErr)
	switch kind := apperr.KindOf(err); kind {
	case apperr.KindEmptyInput, apperr.KindValidation:
		respondError(w, http.StatusBadRequest, appErr.Code, appErr.Message)
	case apperr.KindNotFound:
		respondError(w, http.StatusNotFound, appErr.Code, appErr.Message)
	case apperr.KindProviderUnavailable:
		respondError(w, http.StatusServiceUnavailable, appErr.Code, "AI provider is unavailable")
	case apperr.KindStorage:
		s.logFailure(r, err)
		respondError(w, http.StatusInternalServerError, string(apperr.KindStorage), "Failed to store conversation")
	default:
		s.logFailure(r, err)
		respondError(w, http.StatusInternalServerError, string(apperr.KindInternal), "Internal server error")
	}
}

func (s *Server) logFailure(r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
}

// intQuery parses a positive query parameter, falling back to def when absent.
func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, apperr.New(apperr.KindValidation, "invalid_"+name,
			name+" must be between "+strconv.Itoa(lo)+" and "+strconv.Itoa(hi))
	}
	return n, nil
}
