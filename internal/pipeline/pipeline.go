// Package pipeline turns one user message into a stored, generated and
// dispatched assistant reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/apperr"
	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/conversation"
	"github.com/ent0n29/confab/internal/observability"
	"github.com/ent0n29/confab/internal/policy"
	"github.com/ent0n29/confab/internal/provider"
	"github.com/ent0n29/confab/internal/research"
	"github.com/ent0n29/confab/internal/retrieval"
	"github.com/ent0n29/confab/internal/worker"
)

const defaultFallbackReply = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

type Config struct {
	// ContextMessages is how many stored messages are loaded as context.
	ContextMessages int
	ProviderTimeout time.Duration
	FallbackReply   string
	Settings        chat.Settings

	RAGEnabled          bool
	RAGTopK             int
	SimilarityThreshold float64
	ChunkSize           int
	ChunkOverlap        int

	ResearchEnabled bool
}

// ProviderSource yields the provider to generate with.
type ProviderSource interface {
	Active() (provider.Provider, error)
}

// PromptSource supplies system prompts and reply templates.
type PromptSource interface {
	SystemPrompt(kind string) string
	ErrorMessage() string
	ShouldResearch(reply string) bool
}

// ResearchQueue builds background research jobs.
type ResearchQueue interface {
	Job(req research.Request) worker.Job
}

type Deps struct {
	Store     conversation.Store
	Providers ProviderSource
	Prompts   PromptSource
	Memory    retrieval.Memory
	Jobs      worker.Submitter
	Research  ResearchQueue
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Request struct {
	SessionID string
	Message   string
	// ContextLength overrides Config.ContextMessages when positive.
	ContextLength int
	// Settings overrides Config.Settings when set.
	Settings *chat.Settings
	// PromptKind selects a named system prompt. Empty means default.
	PromptKind string
}

type Result struct {
	Reply         string    `json:"response"`
	SessionID     string    `json:"session_id"`
	MessageID     string    `json:"message_id"`
	UserMessageID string    `json:"user_message_id"`
	Timestamp     time.Time `json:"timestamp"`
	Degraded      bool      `json:"degraded"`
	StoredReply   bool      `json:"stored_reply"`
	Provider      string    `json:"provider,omitempty"`
	RAGDocuments  int       `json:"rag_documents"`

	UserMessage chat.Message `json:"-"`
}

type Pipeline struct {
	cfg     Config
	deps    Deps
	chunker retrieval.Chunker
	logger  *zap.Logger
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 10
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.RAGTopK <= 0 {
		cfg.RAGTopK = 3
	}
	if cfg.Settings == (chat.Settings{}) {
		cfg.Settings = chat.DefaultSettings()
	}
	if deps.Jobs == nil {
		deps.Jobs = worker.Inline{Logger: deps.Logger}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:     cfg,
		deps:    deps,
		chunker: retrieval.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:  logger,
	}
}

// Process runs the full pipeline and returns the generated reply.
func (p *Pipeline) Process(ctx context.Context, req Request) (Result, error) {
	return p.run(ctx, req, nil)
}

// Stream runs the pipeline with a streaming generation and forwards text
// deltas to onDelta as they arrive. An onDelta error stops forwarding but not
// the generation; the full reply is still stored.
func (p *Pipeline) Stream(ctx context.Context, req Request, onDelta func(string) error) (Result, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return p.run(ctx, req, onDelta)
}

// run holds per-request state while the machine advances.
type run struct {
	p        *Pipeline
	req      Request
	settings chat.Settings
	log      *zap.Logger
	started  time.Time

	userMsg  chat.Message
	context  []chat.Message
	docs     []retrieval.Document
	reply    string
	provider string
	degraded bool
	replyMsg chat.Message
	stored   bool
}

func (p *Pipeline) run(ctx context.Context, req Request, onDelta func(string) error) (Result, error) {
	text, err := chat.NormalizeContent(req.Message)
	if err != nil {
		p.deps.Metrics.ObservePipelineOutcome("rejected")
		if errors.Is(err, chat.ErrEmptyContent) {
			return Result{}, apperr.Wrap(err, apperr.KindEmptyInput, "empty_message", "Message cannot be empty")
		}
		return Result{}, apperr.Wrap(err, apperr.KindValidation, "", err.Error())
	}
	settings := p.cfg.Settings
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		p.deps.Metrics.ObservePipelineOutcome("rejected")
		return Result{}, apperr.Wrap(err, apperr.KindValidation, "", err.Error())
	}
	req.Message = text
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	// Work already accepted must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	r := &run{
		p:        p,
		req:      req,
		settings: settings,
		log:      p.logger.With(zap.String("session_id", req.SessionID)),
		started:  time.Now(),
	}
	sm := newMachine(
		func(from, to State) {
			r.log.Debug("pipeline transition", zap.String("from", string(from)), zap.String("to", string(to)))
		},
		func(_ context.Context, err error) {
			r.log.Error("pipeline failed", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
			p.deps.Metrics.ObservePipelineOutcome("failed")
		},
	)

	steps := []struct {
		trigger Trigger
		stage   string
		do      func(context.Context) error
	}{
		{TriggerUserStored, "", r.persistUser},
		{TriggerContextLoaded, observability.StageLoadContext, r.loadContext},
		{TriggerAugmented, observability.StageRetrieve, r.augment},
		{TriggerGenerated, observability.StageGenerate, func(ctx context.Context) error { return r.generate(ctx, onDelta) }},
		{TriggerAssistantStored, observability.StagePersistReply, r.persistAssistant},
		{TriggerDispatched, "", r.dispatch},
	}
	for _, step := range steps {
		began := time.Now()
		if err := step.do(ctx); err != nil {
			if fireErr := sm.FireCtx(ctx, TriggerFail, err); fireErr != nil {
				r.log.Warn("pipeline fail transition rejected", zap.Error(fireErr))
			}
			return Result{}, err
		}
		if step.stage != "" {
			p.deps.Metrics.ObserveStage(step.stage, time.Since(began))
		}
		if err := sm.FireCtx(ctx, step.trigger); err != nil {
			return Result{}, apperr.Wrap(err, apperr.KindInternal, "", "pipeline transition failed")
		}
	}
	if got := currentState(sm); got != StateDispatched {
		return Result{}, apperr.New(apperr.KindInternal, "", fmt.Sprintf("pipeline ended in state %s", got))
	}
	p.deps.Metrics.ObserveStage(observability.StageTotal, time.Since(r.started))
	return r.result(), nil
}

func (r *run) persistUser(ctx context.Context) error {
	msg, err := chat.NewMessage(r.req.SessionID, chat.RoleUser, r.req.Message)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "", err.Error())
	}
	if decision := policy.InspectUserInput(msg.Content); decision.Suspicious {
		r.log.Warn("possible prompt injection",
			zap.String("risk", decision.Risk),
			zap.String("reason", decision.Reason),
			zap.String("message_id", msg.ID))
		msg.Metadata = map[string]any{"injection_suspected": true, "injection_risk": decision.Risk}
		r.p.deps.Metrics.ObserveSessionEvent("injection_suspected")
	}
	if err := r.p.deps.Store.Append(ctx, r.req.SessionID, msg); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "", "Failed to save user message").WithPhase(apperr.PhasePreGeneration)
	}
	r.userMsg = msg
	return nil
}

func (r *run) loadContext(ctx context.Context) error {
	n := r.p.cfg.ContextMessages
	if r.req.ContextLength > 0 {
		n = r.req.ContextLength
	}
	history, err := r.p.deps.Store.History(ctx, r.req.SessionID, n, 0)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "", "Failed to load conversation context")
	}
	msgs := make([]chat.Message, 0, len(history)+1)
	if sys := r.systemPrompt(); sys != "" {
		msgs = append(msgs, chat.Message{
			Role:      chat.RoleSystem,
			Content:   sys,
			SessionID: r.req.SessionID,
			Timestamp: r.userMsg.Timestamp,
		})
	}
	for _, m := range history {
		if m.ID == r.userMsg.ID {
			continue
		}
		msgs = append(msgs, m)
	}
	r.context = msgs
	return nil
}

func (r *run) systemPrompt() string {
	if s := strings.TrimSpace(r.settings.SystemPrompt); s != "" {
		return s
	}
	if r.p.deps.Prompts == nil {
		return ""
	}
	kind := r.req.PromptKind
	if kind == "" {
		kind = "default"
	}
	return r.p.deps.Prompts.SystemPrompt(kind)
}

// augment never fails: retrieval is best effort.
func (r *run) augment(ctx context.Context) error {
	mem := r.p.deps.Memory
	if mem == nil || !r.p.cfg.RAGEnabled {
		return nil
	}
	docs, err := mem.Query(ctx, r.req.Message, r.p.cfg.RAGTopK)
	if err != nil {
		r.log.Warn("retrieval failed, continuing without augmentation", zap.Error(err))
		r.p.deps.Metrics.ObserveSessionEvent("retrieval_failed")
		return nil
	}
	docs = retrieval.FilterByThreshold(docs, r.p.cfg.SimilarityThreshold)
	r.docs = docs
	r.context = retrieval.Augment(r.context, docs)
	return nil
}

func (r *run) generate(ctx context.Context, onDelta func(string) error) error {
	p, err := r.p.deps.Providers.Active()
	if err != nil {
		r.fallback("unavailable", err)
		r.emitFallback(onDelta)
		return nil
	}
	r.provider = p.Name()

	genCtx, cancel := context.WithTimeout(ctx, r.p.cfg.ProviderTimeout)
	defer cancel()
	began := time.Now()

	var reply string
	if onDelta == nil {
		reply, err = p.Generate(genCtx, r.req.Message, r.context, r.settings)
	} else {
		reply, err = r.stream(genCtx, p, onDelta)
	}
	r.p.deps.Metrics.ObserveGeneration(r.provider, time.Since(began))

	switch {
	case err != nil && strings.TrimSpace(reply) == "":
		r.fallback(errorCode(genCtx, err), err)
		r.emitFallback(onDelta)
	case err != nil:
		// Partial stream: keep what the user already saw.
		r.log.Warn("generation stream interrupted", zap.String("provider", r.provider), zap.Error(err))
		r.p.deps.Metrics.ObserveProviderError(r.provider, errorCode(genCtx, err))
		r.reply = reply
		r.degraded = true
	case strings.TrimSpace(reply) == "":
		r.fallback("empty_response", provider.ErrEmptyResponse)
		r.emitFallback(onDelta)
	default:
		r.reply = reply
	}
	return nil
}

func (r *run) stream(ctx context.Context, p provider.Provider, onDelta func(string) error) (string, error) {
	s, err := p.GenerateStream(ctx, r.req.Message, r.context, r.settings)
	if err != nil {
		return "", err
	}
	first := true
	forwarding := true
	began := time.Now()
	return provider.Collect(s, func(delta string) error {
		if first {
			first = false
			r.p.deps.Metrics.ObserveStage(observability.StageFirstDelta, time.Since(began))
		}
		if !forwarding {
			return nil
		}
		if err := onDelta(delta); err != nil {
			forwarding = false
			r.log.Debug("stream consumer gone, finishing generation detached", zap.Error(err))
		}
		return nil
	})
}

func (r *run) fallback(code string, err error) {
	r.degraded = true
	r.reply = r.p.fallbackText()
	name := r.provider
	if name == "" {
		name = "none"
	}
	r.p.deps.Metrics.ObserveProviderError(name, code)
	r.log.Warn("generation failed, using fallback reply",
		zap.String("provider", name),
		zap.String("code", code),
		zap.Error(err))
}

func (r *run) emitFallback(onDelta func(string) error) {
	if onDelta != nil {
		_ = onDelta(r.reply)
	}
}

func (p *Pipeline) fallbackText() string {
	if s := strings.TrimSpace(p.cfg.FallbackReply); s != "" {
		return s
	}
	if p.deps.Prompts != nil {
		if s := strings.TrimSpace(p.deps.Prompts.ErrorMessage()); s != "" {
			return s
		}
	}
	return defaultFallbackReply
}

func errorCode(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, provider.ErrEmptyResponse):
		return "empty_response"
	case errors.Is(err, provider.ErrNotConfigured):
		return "not_configured"
	default:
		return "generation_failed"
	}
}

// persistAssistant never fails: the reply is returned even when it could not
// be stored.
func (r *run) persistAssistant(ctx context.Context) error {
	msg := chat.Message{
		ID:        uuid.NewString(),
		Content:   chat.Preview(r.reply, chat.MaxContentRunes),
		Role:      chat.RoleAssistant,
		Timestamp: time.Now().UTC(),
		SessionID: r.req.SessionID,
		Metadata:  map[string]any{},
	}
	if r.provider != "" {
		msg.Metadata["provider"] = r.provider
	}
	if r.degraded {
		msg.Metadata["degraded"] = true
	}
	if len(r.docs) > 0 {
		msg.Metadata["rag_documents"] = len(r.docs)
	}
	r.replyMsg = msg

	if err := r.p.deps.Store.Append(ctx, r.req.SessionID, msg); err != nil {
		e := apperr.Wrap(err, apperr.KindStorage, "", "Failed to save assistant message").WithPhase(apperr.PhasePostGeneration)
		r.log.Error("assistant reply not stored",
			zap.String("phase", e.Phase),
			zap.String("message_id", msg.ID),
			zap.Error(e))
		r.p.deps.Metrics.ObservePipelineOutcome("reply_not_stored")
		return nil
	}
	r.stored = true
	return nil
}

func (r *run) dispatch(context.Context) error {
	outcome := "ok"
	if r.degraded {
		outcome = "degraded"
	}
	r.p.deps.Metrics.ObservePipelineOutcome(outcome)
	if !r.degraded {
		r.p.submitBackground(r.req.SessionID, r.req.Message, r.reply)
	}
	r.log.Info("message processed",
		zap.String("message_id", r.replyMsg.ID),
		zap.String("provider", r.provider),
		zap.Bool("degraded", r.degraded),
		zap.Bool("stored_reply", r.stored),
		zap.Int("rag_documents", len(r.docs)),
		zap.Duration("elapsed", time.Since(r.started)))
	return nil
}

func (r *run) result() Result {
	return Result{
		Reply:         r.reply,
		SessionID:     r.req.SessionID,
		MessageID:     r.replyMsg.ID,
		UserMessageID: r.userMsg.ID,
		Timestamp:     r.replyMsg.Timestamp,
		Degraded:      r.degraded,
		StoredReply:   r.stored,
		Provider:      r.provider,
		RAGDocuments:  len(r.docs),
		UserMessage:   r.userMsg,
	}
}

