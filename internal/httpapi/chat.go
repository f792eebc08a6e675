package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/apperr"
	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/conversation"
	"github.com/ent0n29/confab/internal/pipeline"
	"github.com/ent0n29/confab/internal/protocol"
	"github.com/ent0n29/confab/internal/provider"
)

type chatRequest struct {
	Message       string         `json:"message"`
	SessionID     string         `json:"session_id"`
	ContextLength int            `json:"context_length"`
	Stream        bool           `json:"stream"`
	Settings      *chat.Settings `json:"settings,omitempty"`
	PromptKind    string         `json:"prompt_kind,omitempty"`
}

type chatResponse struct {
	Response  string         `json:"response"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

func newChatResponse(res pipeline.Result, contextLength int) chatResponse {
	return chatResponse{
		Response:  res.Reply,
		SessionID: res.SessionID,
		MessageID: res.MessageID,
		Timestamp: res.Timestamp,
		Metadata: map[string]any{
			"context_length":  contextLength,
			"user_message_id": res.UserMessageID,
			"degraded":        res.Degraded,
			"stored_reply":    res.StoredReply,
			"provider":        res.Provider,
			"rag_documents":   res.RAGDocuments,
		},
	}
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "empty_message", "Message cannot be empty")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ContextLength < 0 || req.ContextLength > 100 {
		respondError(w, http.StatusBadRequest, "invalid_context_length", "context_length must be between 1 and 100")
		return
	}
	if r.URL.Query().Get("stream") == "true" {
		req.Stream = true
	}

	preq := pipeline.Request{
		SessionID:     req.SessionID,
		Message:       req.Message,
		ContextLength: req.ContextLength,
		Settings:      req.Settings,
		PromptKind:    req.PromptKind,
	}
	if req.Stream {
		s.streamChat(w, r, preq)
		return
	}

	res, err := s.deps.Pipeline.Process(r.Context(), preq)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.fanOut(r.Context(), res)
	respondJSON(w, http.StatusOK, newChatResponse(res, req.ContextLength))
}

// streamChat answers with server-sent events: one delta event per chunk and
// a final done event carrying the same body as the non-streaming reply.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, string(apperr.KindInternal), "streaming unsupported")
		return
	}
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	res, err := s.deps.Pipeline.Stream(r.Context(), req, func(delta string) error {
		start()
		if err := writeEvent(w, "delta", map[string]string{"delta": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return r.Context().Err()
	})
	if err != nil {
		if !started {
			s.respondAppError(w, r, err)
			return
		}
		s.logFailure(r, err)
		_ = writeEvent(w, "error", errorResponse{Error: "Internal server error", Code: string(apperr.KindOf(err))})
		flusher.Flush()
		return
	}
	s.fanOut(r.Context(), res)
	start()
	_ = writeEvent(w, "done", newChatResponse(res, req.ContextLength))
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// fanOut mirrors an HTTP exchange to websocket clients of the same session.
func (s *Server) fanOut(ctx context.Context, res pipeline.Result) {
	if s.deps.Hub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	user := res.UserMessage
	envs := []protocol.Envelope{
		protocol.MustNew(protocol.TypeNewMessage, res.SessionID, protocol.NewMessageData{
			MessageID: user.ID,
			SessionID: res.SessionID,
			Role:      string(chat.RoleUser),
			Content:   user.Content,
			Timestamp: user.Timestamp,
		}),
		protocol.MustNew(protocol.TypeNewMessage, res.SessionID, protocol.NewMessageData{
			MessageID: res.MessageID,
			SessionID: res.SessionID,
			Role:      string(chat.RoleAssistant),
			Content:   res.Reply,
			Timestamp: res.Timestamp,
			Degraded:  res.Degraded,
		}),
	}
	for _, env := range envs {
		if err := s.deps.Hub.Broadcast(ctx, env, res.SessionID); err != nil {
			s.log.Warn("mirroring reply to websocket clients failed", zap.String("session_id", res.SessionID), zap.Error(err))
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	page, err := intQuery(r, "page", 1, 1, 1<<20)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	pageSize, err := intQuery(r, "page_size", 50, 1, 100)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	hist, err := s.deps.Conversations.Page(r.Context(), sessionID, page, pageSize)
	if err != nil {
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to load history"))
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1, 1, 1<<20)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	pageSize, err := intQuery(r, "page_size", 20, 1, 50)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	summaries, err := s.deps.Conversations.ListSummaries(r.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to list conversations"))
		return
	}
	if summaries == nil {
		summaries = []chat.ConversationSummary{}
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	deleted, err := s.deps.Conversations.Delete(r.Context(), sessionID)
	if err != nil {
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to delete conversation"))
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "conversation_not_found", "Conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"message": "Conversation deleted successfully", "session_id": sessionID})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	body, f, err := s.deps.Conversations.Export(r.Context(), sessionID, format)
	switch {
	case errors.Is(err, conversation.ErrUnsupportedFormat):
		respondError(w, http.StatusBadRequest, "unsupported_format", err.Error())
		return
	case errors.Is(err, conversation.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation_not_found", "Conversation not found")
		return
	case err != nil:
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to export conversation"))
		return
	}
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation_%s.%s"`, sessionID, f.Extension))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "max_age_days", 30, 1, 3650)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	n, err := s.deps.Conversations.CleanupOlderThan(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to clean up conversations"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Cleaned up %d old conversations", n),
		"deleted_count": n,
		"max_age_days":  days,
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Conversations.ClearAll(r.Context())
	if err != nil {
		s.respondAppError(w, r, apperr.Wrap(err, apperr.KindStorage, "", "Failed to clear conversations"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Cleared %d conversations", n),
		"deleted_count": n,
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Providers.Info())
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	if name == "" {
		var body struct {
			Provider string `json:"provider"`
		}
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		name = strings.ToLower(strings.TrimSpace(body.Provider))
	}
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing_provider", "provider is required")
		return
	}
	if err := s.deps.Providers.Switch(name); err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			respondError(w, http.StatusBadRequest, "unknown_provider", err.Error())
			return
		}
		s.respondAppError(w, r, err)
		return
	}
	s.log.Info("active provider switched", zap.String("provider", name))
	respondJSON(w, http.StatusOK, map[string]any{
		"message":          "Switched to provider: " + name,
		"current_provider": name,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider"))); name != "" {
		models, err := s.models(ctx, name)
		if err != nil {
			if errors.Is(err, provider.ErrUnknownProvider) {
				respondError(w, http.StatusBadRequest, "unknown_provider", err.Error())
				return
			}
			respondError(w, http.StatusServiceUnavailable, "provider_unavailable", "Failed to list models")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"provider": name, "models": models})
		return
	}

	all := make(map[string][]string)
	for _, name := range s.deps.Providers.Names() {
		models, err := s.models(ctx, name)
		if err != nil {
			s.log.Debug("listing models failed", zap.String("provider", name), zap.Error(err))
			models = []string{}
		}
		all[name] = models
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": all})
}

func (s *Server) models(ctx context.Context, name string) ([]string, error) {
	p, err := s.deps.Providers.Get(name)
	if err != nil {
		return nil, err
	}
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if models == nil {
		models = []string{}
	}
	return models, nil
}
