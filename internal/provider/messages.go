package provider

import (
	"io"
	"strings"

	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/prompts"
)

// turn is a provider-neutral request message.
type turn struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// buildTurns converts history into the request sent to a backend. System
// entries are folded into the leading system prompt and never count against
// the context window; the remaining turns are cut to the window. Every user
// text is wrapped in <user_query> tags. settings.SystemPrompt is skipped when
// a history system entry already carries it.
func buildTurns(message string, history []chat.Message, settings chat.Settings) []turn {
	var (
		system []string
		convo  = make([]chat.Message, 0, len(history))
	)
	for _, m := range history {
		if m.Role != chat.RoleSystem {
			convo = append(convo, m)
			continue
		}
		if s := strings.TrimSpace(m.Content); s != "" {
			system = append(system, s)
		}
	}
	if s := strings.TrimSpace(settings.SystemPrompt); s != "" && !containsAny(system, s) {
		system = append([]string{s}, system...)
	}
	convo = chat.TruncateHistory(convo, settings.ContextWindow)

	body := make([]turn, 0, len(convo)+2)
	if len(system) > 0 {
		body = append(body, turn{Role: chat.RoleSystem, Content: strings.Join(system, "\n\n")})
	}
	for _, m := range convo {
		switch m.Role {
		case chat.RoleUser:
			body = append(body, turn{Role: chat.RoleUser, Content: prompts.WrapUserQuery(m.Content)})
		case chat.RoleAssistant:
			body = append(body, turn{Role: chat.RoleAssistant, Content: m.Content})
		}
	}
	return append(body, turn{Role: chat.RoleUser, Content: prompts.WrapUserQuery(message)})
}

func containsAny(parts []string, s string) bool {
	for _, p := range parts {
		if strings.Contains(p, s) {
			return true
		}
	}
	return false
}

func modelOrDefault(settings chat.Settings, fallback string) string {
	if m := strings.TrimSpace(settings.Model); m != "" {
		return m
	}
	return fallback
}

// sliceStream replays precomputed deltas.
type sliceStream struct {
	deltas []string
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	for !s.closed && len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		if d != "" {
			return d, nil
		}
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
