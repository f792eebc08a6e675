package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/policy"
	"github.com/ent0n29/confab/internal/research"
	"github.com/ent0n29/confab/internal/worker"
)

// submitBackground queues memory population and, when the reply admits it
// could not help, a research job. Neither is awaited.
func (p *Pipeline) submitBackground(sessionID, question, reply string) {
	if p.deps.Memory != nil && p.cfg.RAGEnabled {
		job := worker.Job{
			Name: "rag_index",
			Run: func(ctx context.Context) error {
				return p.indexExchange(ctx, sessionID, question, reply)
			},
		}
		if !p.deps.Jobs.Submit(job) {
			p.logger.Warn("memory population dropped", zap.String("session_id", sessionID))
		}
	}

	if !p.cfg.ResearchEnabled || p.deps.Research == nil || p.deps.Prompts == nil {
		return
	}
	if !p.deps.Prompts.ShouldResearch(reply) {
		return
	}
	p.logger.Info("research triggered", zap.String("session_id", sessionID))
	job := p.deps.Research.Job(research.Request{Key: question, Question: question, SessionID: sessionID})
	if !p.deps.Jobs.Submit(job) {
		p.logger.Warn("research job dropped", zap.String("session_id", sessionID))
	}
}

// indexExchange stores redacted chunks of one question/answer pair.
func (p *Pipeline) indexExchange(ctx context.Context, sessionID, question, reply string) error {
	combined := fmt.Sprintf("User: %s\nAI: %s", question, reply)
	chunks := p.chunker.Chunk(combined)
	now := time.Now().UTC().Format(time.RFC3339)
	for i, chunk := range chunks {
		text, redacted := policy.RedactPII(chunk)
		meta := map[string]any{
			"session_id":  sessionID,
			"type":        "conversation_chunk",
			"timestamp":   now,
			"chunk_index": i,
		}
		if redacted {
			meta["pii_redacted"] = true
		}
		if _, err := p.deps.Memory.Add(ctx, text, meta); err != nil {
			return fmt.Errorf("index chunk %d: %w", i, err)
		}
	}
	p.logger.Debug("memory populated", zap.String("session_id", sessionID), zap.Int("chunks", len(chunks)))
	return nil
}
