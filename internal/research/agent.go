// Package research answers questions the assistant could not and stores the
// answers in retrieval memory so later turns can use them.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/provider"
	"github.com/ent0n29/confab/internal/reliability"
	"github.com/ent0n29/confab/internal/retrieval"
	"github.com/ent0n29/confab/internal/worker"
)

const (
	Source = "research_agent"

	// FeedbackKeyPrefix marks research requested by negative feedback.
	FeedbackKeyPrefix = "feedback_bad_message_id:"

	contextDocs = 3
)

// ProviderSource yields the provider that should answer research questions.
type ProviderSource interface {
	Active() (provider.Provider, error)
}

// PromptSource yields the research system prompt.
type PromptSource interface {
	ResearchPrompt() string
}

// Request describes one research job. Question falls back to Key.
type Request struct {
	Key       string
	Question  string
	SessionID string
}

func (r Request) question() string {
	if q := strings.TrimSpace(r.Question); q != "" {
		return q
	}
	return strings.TrimSpace(r.Key)
}

// FeedbackKey returns the job key for a message that received negative feedback.
func FeedbackKey(messageID string) string {
	return FeedbackKeyPrefix + messageID
}

type Agent struct {
	providers ProviderSource
	memory    retrieval.Memory
	prompts   PromptSource
	retry     reliability.Policy
	logger    *zap.Logger
}

func NewAgent(providers ProviderSource, memory retrieval.Memory, prompts PromptSource, maxRetries int, logger *zap.Logger) *Agent {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		providers: providers,
		memory:    memory,
		prompts:   prompts,
		retry:     reliability.Policy{MaxRetries: maxRetries, Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		logger:    logger,
	}
}

// Job wraps Research for the worker pool.
func (a *Agent) Job(req Request) worker.Job {
	return worker.Job{
		Name: "research",
		Run: func(ctx context.Context) error {
			_, err := a.Research(ctx, req)
			return err
		},
	}
}

// Research asks the active provider for a reference answer to the request's
// question and stores it in retrieval memory. It returns the stored document id.
func (a *Agent) Research(ctx context.Context, req Request) (string, error) {
	question := req.question()
	if question == "" {
		return "", errors.New("research: empty question")
	}
	if a.memory == nil || a.providers == nil {
		return "", errors.New("research: not configured")
	}
	log := a.logger.With(zap.String("question", chat.Preview(question, chat.PreviewRunes)), zap.String("session_id", req.SessionID))
	log.Info("research started")

	history := []chat.Message{{Role: chat.RoleSystem, Content: a.systemPrompt(ctx, question)}}
	settings := chat.DefaultSettings()
	settings.Temperature = 0.3
	settings.MaxTokens = 800

	var answer string
	err := reliability.Retry(ctx, a.retry, func(attempt int) error {
		p, err := a.providers.Active()
		if err != nil {
			return reliability.Permanent(err)
		}
		out, err := p.Generate(ctx, question, history, settings)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, provider.ErrNotConfigured) {
				return reliability.Permanent(err)
			}
			log.Warn("research generation failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if strings.TrimSpace(out) == "" {
			return provider.ErrEmptyResponse
		}
		answer = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("research generate: %w", err)
	}

	metadata := map[string]any{
		"source":   Source,
		"question": question,
	}
	if req.Key != "" && req.Key != question {
		metadata["key"] = req.Key
	}
	if req.SessionID != "" {
		metadata["session_id"] = req.SessionID
	}

	var id string
	err = reliability.Retry(ctx, a.retry, func(int) error {
		var addErr error
		id, addErr = a.memory.Add(ctx, answer, metadata)
		return addErr
	})
	if err != nil {
		return "", fmt.Errorf("research store: %w", err)
	}
	log.Info("research answer saved", zap.String("document_id", id))
	return id, nil
}

// systemPrompt appends whatever memory already knows about the question.
func (a *Agent) systemPrompt(ctx context.Context, question string) string {
	prompt := ""
	if a.prompts != nil {
		prompt = a.prompts.ResearchPrompt()
	}
	docs, err := a.memory.Query(ctx, question, contextDocs)
	if err != nil {
		a.logger.Warn("research context lookup failed", zap.Error(err))
		return prompt
	}
	if len(docs) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nKnown context:\n")
	for _, d := range docs {
		b.WriteString("- ")
		b.WriteString(d.Document)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
