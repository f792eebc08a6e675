package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/confab/internal/chat"
)

// Mock provides deterministic local replies for development and tests.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Name() string         { return "mock" }
func (m *Mock) DefaultModel() string { return "mock-echo" }

func (m *Mock) Generate(ctx context.Context, message string, history []chat.Message, _ chat.Settings) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(message, history), nil
}

func (m *Mock) GenerateStream(ctx context.Context, message string, history []chat.Message, settings chat.Settings) (Stream, error) {
	text, err := m.Generate(ctx, message, history, settings)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(text, " ")
	return &sliceStream{deltas: words}, nil
}

func buildMockReply(message string, history []chat.Message) string {
	base := strings.TrimSpace(message)
	if base == "" {
		base = "I am listening."
	}

	var memory string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleSystem {
			lines := strings.Split(strings.TrimSpace(history[i].Content), "\n")
			memory = strings.TrimSpace(lines[len(lines)-1])
			break
		}
	}
	if memory == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, memory)
}

func (m *Mock) ValidateModel(_ context.Context, name string) (bool, error) {
	return name == m.DefaultModel(), nil
}

func (m *Mock) ListModels(context.Context) ([]string, error) {
	return []string{m.DefaultModel()}, nil
}

func (m *Mock) HealthCheck(context.Context) Health {
	return healthFrom(m.Name(), m.DefaultModel(), time.Now(), nil)
}
